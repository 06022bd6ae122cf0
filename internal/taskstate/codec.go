package taskstate

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/me/gomh/pkg/model"
)

// Encode serializes the map as YAML for persistence.
func (m *Map) Encode() (string, error) {
	out, err := yaml.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode task states: %w", err)
	}
	return string(out), nil
}

// Decode parses a map produced by Encode.
func Decode(text string) (*Map, error) {
	m := NewMap()
	if err := yaml.Unmarshal([]byte(text), m); err != nil {
		return nil, fmt.Errorf("decode task states: %w", err)
	}
	if m.States == nil {
		m.States = make(map[int64]model.TaskExecState)
	}
	if m.Retries == nil {
		m.Retries = make(map[int64]int)
	}
	for id, s := range m.States {
		if !s.IsValid() {
			return nil, fmt.Errorf("decode task states: task %d has unknown state %q", id, s)
		}
	}
	return m, nil
}
