package taskstate

import (
	"errors"
	"testing"

	"github.com/me/gomh/internal/graph"
	"github.com/me/gomh/pkg/model"
)

func mustGraph(t *testing.T, text string) *graph.ExecutionGraph {
	t.Helper()
	g, err := graph.Import(text)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	return g
}

func ids(vs []model.TaskVertex) []int64 {
	out := make([]int64, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.TaskID)
	}
	return out
}

func equal(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// diamond: 1 -> {2, 3} -> 4
const diamond = `digraph G {
  1 [ ctxid="1" ];
  2 [ ctxid="1,2#1" ];
  3 [ ctxid="1,2#2" ];
  4 [ ctxid="1" ];
  1 -> 2;
  1 -> 3;
  2 -> 4;
  3 -> 4;
}`

func TestFinishedUnfinished(t *testing.T) {
	m := NewMap()
	m.States = map[int64]model.TaskExecState{
		45064: model.TaskStateOK,
		45065: model.TaskStateNone,
		45066: model.TaskStateOK,
		45067: model.TaskStateOK,
		45068: model.TaskStateOK,
		45063: model.TaskStateOK,
	}

	finished := m.Finished()
	if !equal(finished, []int64{45063, 45064, 45066, 45067, 45068}) {
		t.Errorf("Finished = %v", finished)
	}
	if got := m.Unfinished(); !equal(got, []int64{45065}) {
		t.Errorf("Unfinished = %v, want [45065]", got)
	}
	if m.AllFinished() {
		t.Error("AllFinished = true, want false")
	}
}

func TestMarkInProgress(t *testing.T) {
	m := NewMap()
	m.Add(1)
	if err := m.MarkInProgress(1); err != nil {
		t.Fatalf("MarkInProgress: %v", err)
	}
	err := m.MarkInProgress(1)
	var ite *model.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("second MarkInProgress = %v, want InvalidTransitionError", err)
	}
	if ite.From != "IN_PROGRESS" || ite.To != "IN_PROGRESS" {
		t.Errorf("error = %+v", ite)
	}
}

func TestMarkFinished(t *testing.T) {
	tests := []struct {
		name    string
		from    model.TaskExecState
		outcome model.TaskExecState
		wantErr bool
	}{
		{"ok from in progress", model.TaskStateInProgress, model.TaskStateOK, false},
		{"error from in progress", model.TaskStateInProgress, model.TaskStateError, false},
		{"skip from in progress", model.TaskStateInProgress, model.TaskStateSkipped, false},
		{"skip from none", model.TaskStateNone, model.TaskStateSkipped, false},
		{"ok from none", model.TaskStateNone, model.TaskStateOK, true},
		{"error from none", model.TaskStateNone, model.TaskStateError, true},
		{"ok from ok", model.TaskStateOK, model.TaskStateOK, true},
		{"skip from error", model.TaskStateError, model.TaskStateSkipped, true},
		{"none is not an outcome", model.TaskStateInProgress, model.TaskStateNone, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMap()
			m.States[7] = tt.from
			err := m.MarkFinished(7, tt.outcome)
			if tt.wantErr {
				if !errors.Is(err, model.ErrInvalidTransition) {
					t.Fatalf("err = %v, want ErrInvalidTransition", err)
				}
				if m.State(7) != tt.from {
					t.Errorf("state changed to %s on error", m.State(7))
				}
				return
			}
			if err != nil {
				t.Fatalf("MarkFinished: %v", err)
			}
			if m.State(7) != tt.outcome {
				t.Errorf("state = %s, want %s", m.State(7), tt.outcome)
			}
		})
	}
}

func TestReclaim(t *testing.T) {
	m := NewMap()
	m.Add(5)

	for i := 1; i <= 2; i++ {
		if err := m.MarkInProgress(5); err != nil {
			t.Fatalf("MarkInProgress #%d: %v", i, err)
		}
		state, err := m.Reclaim(5, 2)
		if err != nil {
			t.Fatalf("Reclaim #%d: %v", i, err)
		}
		if state != model.TaskStateNone {
			t.Fatalf("Reclaim #%d state = %s, want NONE", i, state)
		}
		if m.RetryCount(5) != i {
			t.Errorf("RetryCount = %d, want %d", m.RetryCount(5), i)
		}
	}

	if err := m.MarkInProgress(5); err != nil {
		t.Fatalf("MarkInProgress: %v", err)
	}
	state, err := m.Reclaim(5, 2)
	if err != nil {
		t.Fatalf("Reclaim over ceiling: %v", err)
	}
	if state != model.TaskStateError || m.State(5) != model.TaskStateError {
		t.Errorf("state over ceiling = %s, want ERROR", m.State(5))
	}
}

func TestReclaim_NotInProgress(t *testing.T) {
	m := NewMap()
	m.Add(5)
	if _, err := m.Reclaim(5, 3); !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("Reclaim of NONE = %v, want ErrInvalidTransition", err)
	}
	if m.RetryCount(5) != 0 {
		t.Error("failed reclaim must not count")
	}
}

func TestReclaim_Unlimited(t *testing.T) {
	m := NewMap()
	m.Add(1)
	for i := 0; i < 10; i++ {
		_ = m.MarkInProgress(1)
		if state, _ := m.Reclaim(1, -1); state != model.TaskStateNone {
			t.Fatalf("reclaim %d state = %s, want NONE", i, state)
		}
	}
}

func TestRunnable(t *testing.T) {
	g := mustGraph(t, diamond)
	m := ForGraph(g)

	if got := ids(Runnable(g, m, Policy{})); !equal(got, []int64{1}) {
		t.Fatalf("initial runnable = %v, want [1]", got)
	}

	_ = m.MarkInProgress(1)
	if got := Runnable(g, m, Policy{}); len(got) != 0 {
		t.Fatalf("runnable while root in progress = %v, want none", ids(got))
	}

	_ = m.MarkFinished(1, model.TaskStateOK)
	if got := ids(Runnable(g, m, Policy{})); !equal(got, []int64{2, 3}) {
		t.Fatalf("runnable after root = %v, want [2 3]", got)
	}

	_ = m.MarkInProgress(2)
	_ = m.MarkFinished(2, model.TaskStateOK)
	_ = m.MarkFinished(3, model.TaskStateSkipped)

	if got := Runnable(g, m, Policy{}); len(got) != 0 {
		t.Errorf("runnable with skipped predecessor = %v, want none", ids(got))
	}
	if got := ids(Runnable(g, m, Policy{SkipSatisfiesDependency: true})); !equal(got, []int64{4}) {
		t.Errorf("runnable under skip policy = %v, want [4]", got)
	}
}

func TestRunnable_ErrorBlocks(t *testing.T) {
	g := mustGraph(t, diamond)
	m := ForGraph(g)
	m.States[1] = model.TaskStateOK
	m.States[2] = model.TaskStateOK
	m.States[3] = model.TaskStateError
	if got := Runnable(g, m, Policy{SkipSatisfiesDependency: true}); len(got) != 0 {
		t.Errorf("runnable with errored predecessor = %v, want none", ids(got))
	}
}

func TestPropagateError(t *testing.T) {
	// 1 -> 2 -> 3 -> 5 (finish), 1 -> 4 -> 5; 2 and 3 inside 1,2; 4 inside 1,3
	g := mustGraph(t, `digraph G {
  1 [ ctxid="1" ];
  2 [ ctxid="1,2#1" ];
  3 [ ctxid="1,2#1" ];
  4 [ ctxid="1,3" ];
  5 [ ctxid="1" ];
  1 -> 2;
  2 -> 3;
  3 -> 5;
  1 -> 4;
  4 -> 5;
}`)
	m := ForGraph(g)
	m.States[1] = model.TaskStateOK
	m.States[2] = model.TaskStateError

	skipped := PropagateError(g, m, 2)
	if !equal(skipped, []int64{3}) {
		t.Errorf("skipped = %v, want [3]", skipped)
	}
	if m.State(4) != model.TaskStateNone {
		t.Errorf("vertex outside failed context = %s, want NONE", m.State(4))
	}
	if m.State(5) != model.TaskStateNone {
		t.Errorf("finish vertex = %s, want NONE", m.State(5))
	}
}

func TestPropagateError_TopLevel(t *testing.T) {
	g := mustGraph(t, diamond)
	m := ForGraph(g)
	m.States[1] = model.TaskStateError

	skipped := PropagateError(g, m, 1)
	if !equal(skipped, []int64{2, 3}) {
		t.Errorf("skipped = %v, want [2 3]", skipped)
	}
	if m.State(4) != model.TaskStateNone {
		t.Errorf("leaf = %s, want NONE", m.State(4))
	}
}

func TestSkipBlocked(t *testing.T) {
	g := mustGraph(t, diamond)
	m := ForGraph(g)
	m.States[1] = model.TaskStateOK
	m.States[2] = model.TaskStateError
	m.States[3] = model.TaskStateInProgress

	skipped, err := SkipBlocked(g, m, Policy{})
	if err != nil {
		t.Fatalf("SkipBlocked: %v", err)
	}
	if len(skipped) != 0 {
		t.Fatalf("skipped while a predecessor runs = %v", skipped)
	}

	_ = m.MarkFinished(3, model.TaskStateOK)
	skipped, err = SkipBlocked(g, m, Policy{})
	if err != nil {
		t.Fatalf("SkipBlocked: %v", err)
	}
	if !equal(skipped, []int64{4}) {
		t.Errorf("skipped = %v, want [4]", skipped)
	}
	if !m.AllFinished() {
		t.Error("AllFinished = false after blocked leaf skipped")
	}
}

func TestSkipBlocked_SkipPolicy(t *testing.T) {
	g := mustGraph(t, diamond)
	m := ForGraph(g)
	m.States[1] = model.TaskStateOK
	m.States[2] = model.TaskStateOK
	m.States[3] = model.TaskStateSkipped

	skipped, _ := SkipBlocked(g, m, Policy{SkipSatisfiesDependency: true})
	if len(skipped) != 0 {
		t.Errorf("skipped under skip policy = %v, want none", skipped)
	}
	skipped, _ = SkipBlocked(g, m, Policy{})
	if !equal(skipped, []int64{4}) {
		t.Errorf("skipped without skip policy = %v, want [4]", skipped)
	}
}

func TestResetDescendants(t *testing.T) {
	g := mustGraph(t, diamond)
	m := ForGraph(g)
	for id := int64(1); id <= 4; id++ {
		m.States[id] = model.TaskStateOK
	}
	m.States[3] = model.TaskStateError

	reset, err := ResetDescendants(g, m, 2)
	if err != nil {
		t.Fatalf("ResetDescendants: %v", err)
	}
	if !equal(reset, []int64{2, 4}) {
		t.Errorf("reset = %v, want [2 4]", reset)
	}
	if m.State(3) != model.TaskStateError || m.State(1) != model.TaskStateOK {
		t.Error("vertices outside the region should keep their state")
	}

	m.States[1] = model.TaskStateInProgress
	if _, err := ResetDescendants(g, m, 1); !errors.Is(err, model.ErrInvalidTransition) {
		t.Errorf("reset over in-progress task = %v, want ErrInvalidTransition", err)
	}
}

func TestRemove(t *testing.T) {
	m := NewMap()
	m.Add(1, 2)
	m.Retries[2] = 1
	m.Remove(2)
	if _, ok := m.States[2]; ok || m.RetryCount(2) != 0 {
		t.Errorf("task 2 still tracked: %+v", m)
	}
	if len(m.States) != 1 {
		t.Errorf("states = %v, want only task 1", m.States)
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	m := NewMap()
	m.States[10] = model.TaskStateOK
	m.States[11] = model.TaskStateInProgress
	m.Retries[11] = 2

	text, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	back, err := Decode(text)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if back.State(11) != model.TaskStateInProgress || back.RetryCount(11) != 2 {
		t.Errorf("decoded = %+v", back)
	}
}

func TestDecode_UnknownState(t *testing.T) {
	if _, err := Decode("states:\n  1: DONE\n"); err == nil {
		t.Fatal("expected error for unknown state")
	}
}

func TestCounts(t *testing.T) {
	m := NewMap()
	m.States[1] = model.TaskStateOK
	m.States[2] = model.TaskStateOK
	m.States[3] = model.TaskStateNone
	c := m.Counts()
	if c[model.TaskStateOK] != 2 || c[model.TaskStateNone] != 1 {
		t.Errorf("Counts = %v", c)
	}
}
