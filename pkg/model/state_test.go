package model

import "testing"

func TestTaskExecState_IsFinished(t *testing.T) {
	tests := []struct {
		state    TaskExecState
		finished bool
	}{
		{TaskStateNone, false},
		{TaskStateInProgress, false},
		{TaskStateOK, true},
		{TaskStateError, true},
		{TaskStateSkipped, true},
	}
	for _, tt := range tests {
		if got := tt.state.IsFinished(); got != tt.finished {
			t.Errorf("TaskExecState(%q).IsFinished() = %v, want %v", tt.state, got, tt.finished)
		}
	}
}

func TestTaskExecState_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from  TaskExecState
		to    TaskExecState
		valid bool
	}{
		// Valid transitions
		{TaskStateNone, TaskStateInProgress, true},
		{TaskStateNone, TaskStateSkipped, true},
		{TaskStateInProgress, TaskStateOK, true},
		{TaskStateInProgress, TaskStateError, true},
		{TaskStateInProgress, TaskStateSkipped, true},
		{TaskStateInProgress, TaskStateNone, true},

		// Invalid transitions
		{TaskStateNone, TaskStateOK, false},
		{TaskStateNone, TaskStateError, false},
		{TaskStateOK, TaskStateNone, false},
		{TaskStateOK, TaskStateInProgress, false},
		{TaskStateError, TaskStateSkipped, false},
		{TaskStateSkipped, TaskStateNone, false},
		{TaskStateInProgress, TaskStateInProgress, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.valid {
			t.Errorf("TaskExecState(%q).CanTransitionTo(%q) = %v, want %v", tt.from, tt.to, got, tt.valid)
		}
	}
}

func TestTaskExecState_IsValid(t *testing.T) {
	if !TaskStateSkipped.IsValid() {
		t.Error("SKIPPED should be valid")
	}
	if TaskExecState("DONE").IsValid() {
		t.Error("DONE should not be valid")
	}
}

func TestExecutionState_IsTerminal(t *testing.T) {
	if ExecutionStateRunning.IsTerminal() {
		t.Error("RUNNING should not be terminal")
	}
	if !ExecutionStateFinished.IsTerminal() || !ExecutionStateBroken.IsTerminal() {
		t.Error("FINISHED and BROKEN should be terminal")
	}
}

func TestAllocatedQuotas_Total(t *testing.T) {
	a := AllocatedQuotas{
		Initial: 2,
		Allocated: []QuotaAllocation{
			{TaskID: 1, Amount: 3},
			{TaskID: 2, Amount: 5},
		},
	}
	if got := a.Total(); got != 10 {
		t.Errorf("Total() = %d, want 10", got)
	}
}

func TestProcessor_Core(t *testing.T) {
	p := &Processor{Cores: []Core{{Code: "c1"}, {Code: "c2", Quotas: Quotas{Limit: 4}}}}
	c, ok := p.Core("c2")
	if !ok || c.Quotas.Limit != 4 {
		t.Errorf("Core(c2) = %+v, %v", c, ok)
	}
	if _, ok := p.Core("c3"); ok {
		t.Error("Core(c3) should not be found")
	}
}
