package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/me/gomh/internal/quota"
	"github.com/me/gomh/pkg/model"
)

// RegisterProcessor validates the core declarations of a processor and
// admits it. Misconfigured quotas reject the registration.
func (d *Dispatcher) RegisterProcessor(req model.RegisterRequest) (*model.Processor, error) {
	if len(req.Cores) == 0 {
		return nil, model.NewValidationError("processor declares no cores",
			model.FieldError{Field: "cores", Message: "at least one core is required"})
	}
	seen := make(map[string]bool, len(req.Cores))
	for i, c := range req.Cores {
		if c.Code == "" {
			return nil, model.NewValidationError("core code is required",
				model.FieldError{Field: fmt.Sprintf("cores[%d].code", i), Message: "required"})
		}
		if seen[c.Code] {
			return nil, model.NewValidationError("duplicate core code",
				model.FieldError{Field: fmt.Sprintf("cores[%d].code", i), Message: c.Code})
		}
		seen[c.Code] = true
		if err := quota.Validate(c.Quotas); err != nil {
			return nil, fmt.Errorf("core %s: %w", c.Code, err)
		}
	}

	now := d.now().UTC()
	p := &model.Processor{
		ID:           "proc_" + uuid.New().String(),
		Name:         req.Name,
		Hostname:     req.Hostname,
		State:        model.ProcessorStateOnline,
		Cores:        req.Cores,
		LastSeen:     now,
		RegisteredAt: now,
	}
	if err := d.admit(p); err != nil {
		return nil, err
	}
	d.logger.Info("processor registered", "processor_id", p.ID, "name", p.Name, "cores", len(p.Cores))
	return p, nil
}

// RestoreProcessor re-admits a processor loaded from persistence.
func (d *Dispatcher) RestoreProcessor(p *model.Processor) error {
	return d.admit(p)
}

func (d *Dispatcher) admit(p *model.Processor) error {
	for _, c := range p.Cores {
		key := model.CoreKey{ProcessorID: p.ID, CoreID: c.Code}
		if err := d.ledger.Declare(key, c.Quotas, 0); err != nil {
			d.ledger.Forget(p.ID)
			return err
		}
	}
	d.procMu.Lock()
	d.processors[p.ID] = p
	d.procMu.Unlock()
	return nil
}

// Heartbeat records that a processor is alive.
func (d *Dispatcher) Heartbeat(processorID string) (*model.Processor, error) {
	d.procMu.Lock()
	defer d.procMu.Unlock()
	p, ok := d.processors[processorID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownProcessor, processorID)
	}
	p.LastSeen = d.now().UTC()
	p.State = model.ProcessorStateOnline
	cp := *p
	return &cp, nil
}

// Processor returns a copy of a registered processor.
func (d *Dispatcher) Processor(processorID string) (*model.Processor, error) {
	d.procMu.RLock()
	defer d.procMu.RUnlock()
	p, ok := d.processors[processorID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownProcessor, processorID)
	}
	cp := *p
	return &cp, nil
}

// ListProcessors returns every registered processor ordered by id.
func (d *Dispatcher) ListProcessors() []model.Processor {
	d.procMu.RLock()
	defer d.procMu.RUnlock()
	out := make([]model.Processor, 0, len(d.processors))
	for _, p := range d.processors {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StaleProcessors returns the online processors not seen within timeout.
func (d *Dispatcher) StaleProcessors(timeout time.Duration) []string {
	cutoff := d.now().UTC().Add(-timeout)
	d.procMu.RLock()
	defer d.procMu.RUnlock()
	var ids []string
	for id, p := range d.processors {
		if p.State == model.ProcessorStateOnline && p.LastSeen.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (d *Dispatcher) setProcessorState(processorID string, state model.ProcessorState) {
	d.procMu.Lock()
	defer d.procMu.Unlock()
	if p, ok := d.processors[processorID]; ok {
		p.State = state
	}
}

// resolveCore checks that the core exists and refreshes the processor's
// last-seen time.
func (d *Dispatcher) resolveCore(processorID, coreID string) (model.CoreKey, error) {
	d.procMu.Lock()
	defer d.procMu.Unlock()
	p, ok := d.processors[processorID]
	if !ok {
		return model.CoreKey{}, fmt.Errorf("%w: %s", model.ErrUnknownProcessor, processorID)
	}
	if _, ok := p.Core(coreID); !ok {
		return model.CoreKey{}, fmt.Errorf("%w: core %s of %s", model.ErrUnknownProcessor, coreID, processorID)
	}
	p.LastSeen = d.now().UTC()
	p.State = model.ProcessorStateOnline
	return model.CoreKey{ProcessorID: processorID, CoreID: coreID}, nil
}

// Deregister reclaims the processor's tasks and forgets its cores.
func (d *Dispatcher) Deregister(ctx context.Context, processorID string) error {
	if _, err := d.Processor(processorID); err != nil {
		return err
	}
	if _, err := d.ReclaimStaleProcessor(ctx, processorID); err != nil {
		return err
	}
	d.ledger.Forget(processorID)
	d.procMu.Lock()
	delete(d.processors, processorID)
	d.procMu.Unlock()
	d.logger.Info("processor deregistered", "processor_id", processorID)
	return nil
}
