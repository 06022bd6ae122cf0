package quota

import (
	"fmt"
	"sort"
	"sync"

	"github.com/me/gomh/pkg/model"
)

// Ledger records the quota held by every declared core. The admission check
// and the commit happen under one lock, so concurrent dispatches for
// different executions cannot oversubscribe a shared core.
type Ledger struct {
	mu    sync.Mutex
	cores map[model.CoreKey]*usage
}

type allocKey struct {
	executionID int64
	taskID      int64
}

type usage struct {
	quotas  model.Quotas
	initial int
	allocs  map[allocKey]model.QuotaAllocation
}

func (u *usage) current() model.AllocatedQuotas {
	out := model.AllocatedQuotas{Initial: u.initial}
	for _, a := range u.allocs {
		out.Allocated = append(out.Allocated, a)
	}
	sort.Slice(out.Allocated, func(i, j int) bool {
		if out.Allocated[i].ExecutionID != out.Allocated[j].ExecutionID {
			return out.Allocated[i].ExecutionID < out.Allocated[j].ExecutionID
		}
		return out.Allocated[i].TaskID < out.Allocated[j].TaskID
	})
	return out
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{cores: make(map[model.CoreKey]*usage)}
}

// Declare registers or replaces a core's quota declaration. Existing
// allocations on the core are kept. initial is capacity already consumed
// outside the dispatcher's control.
func (l *Ledger) Declare(core model.CoreKey, q model.Quotas, initial int) error {
	if err := Validate(q); err != nil {
		return fmt.Errorf("core %s: %w", core, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if u, ok := l.cores[core]; ok {
		u.quotas = q
		u.initial = initial
		return nil
	}
	l.cores[core] = &usage{
		quotas:  q,
		initial: initial,
		allocs:  make(map[allocKey]model.QuotaAllocation),
	}
	return nil
}

// TryAllocate admits the task on core and records the allocation when the
// core has room. It returns false without side effects otherwise.
func (l *Ledger) TryAllocate(core model.CoreKey, executionID, taskID int64, tag string) (model.QuotaAllocation, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	u, ok := l.cores[core]
	if !ok {
		return model.QuotaAllocation{}, false, fmt.Errorf("core %s: %w", core, model.ErrUnknownProcessor)
	}
	amount, _, err := QuotaFor(u.quotas, tag)
	if err != nil {
		return model.QuotaAllocation{}, false, fmt.Errorf("core %s: %w", core, err)
	}
	if !IsEnough(u.quotas, u.current(), amount) {
		return model.QuotaAllocation{}, false, nil
	}
	a := model.QuotaAllocation{ExecutionID: executionID, TaskID: taskID, Tag: tag, Amount: amount}
	u.allocs[allocKey{executionID, taskID}] = a
	return a, true, nil
}

// Release drops the allocation of a task. Releasing twice is a no-op and
// reports false.
func (l *Ledger) Release(core model.CoreKey, executionID, taskID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	u, ok := l.cores[core]
	if !ok {
		return false
	}
	k := allocKey{executionID, taskID}
	if _, ok := u.allocs[k]; !ok {
		return false
	}
	delete(u.allocs, k)
	return true
}

// Forget removes the cores of a processor together with their allocations.
func (l *Ledger) Forget(processorID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key := range l.cores {
		if key.ProcessorID == processorID {
			delete(l.cores, key)
		}
	}
}

// Usage returns the current allocations of core.
func (l *Ledger) Usage(core model.CoreKey) (model.AllocatedQuotas, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	u, ok := l.cores[core]
	if !ok {
		return model.AllocatedQuotas{}, false
	}
	return u.current(), true
}
