// Package contextid manipulates task context ids.
//
// A context id partitions an execution graph into nested sub-process
// regions. It has the form "level[#path]" where level is a comma separated
// list of process positions ("1", "1,2", "1,2,5") and the optional path
// numbers one instance of a sub-process that runs many times ("1,2#3").
package contextid

import "strings"

// TopLevel is the context id of tasks that belong to the main process.
const TopLevel = "1"

const (
	levelSep = ","
	pathSep  = "#"
)

// Build joins a level and a sub-context path.
func Build(level, path string) string {
	if path == "" {
		return level
	}
	return level + pathSep + path
}

// Level strips the sub-context path from id.
func Level(id string) string {
	if i := strings.Index(id, pathSep); i >= 0 {
		return id[:i]
	}
	return id
}

// Path returns the sub-context path of id, or "" when id has none.
func Path(id string) string {
	if i := strings.Index(id, pathSep); i >= 0 {
		return id[i+1:]
	}
	return ""
}

// Parent returns the level that encloses id's level, or "" for TopLevel.
func Parent(id string) string {
	level := Level(id)
	i := strings.LastIndex(level, levelSep)
	if i < 0 {
		return ""
	}
	return level[:i]
}

// ForSubProcess derives the context id of a task created by a sub-process
// running under processID, spawned by a task whose context is parentID.
// The parent's path becomes the last element of the new level.
func ForSubProcess(parentID, processID string) string {
	path := Path(parentID)
	if path == "" {
		return processID
	}
	return processID + levelSep + path
}

// IsWithin reports whether id lies inside the region rooted at root. Both
// ids are compared by level on element boundaries, so "1,21" is not within
// "1,2".
func IsWithin(id, root string) bool {
	l, r := Level(id), Level(root)
	if l == r {
		return true
	}
	return strings.HasPrefix(l, r+levelSep)
}

// Depth returns the number of elements in id's level.
func Depth(id string) int {
	level := Level(id)
	if level == "" {
		return 0
	}
	return strings.Count(level, levelSep) + 1
}
