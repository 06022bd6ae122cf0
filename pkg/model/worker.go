package model

import "time"

// Processor is a remote process that pulls tasks for one or more cores.
type Processor struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Hostname     string         `json:"hostname"`
	State        ProcessorState `json:"state"`
	Cores        []Core         `json:"cores"`
	LastSeen     time.Time      `json:"last_seen"`
	RegisteredAt time.Time      `json:"registered_at"`
}

// Core is one executable slot of a processor.
type Core struct {
	Code   string `json:"code" yaml:"code"`
	Quotas Quotas `json:"quotas" yaml:"quotas"`
}

// Core returns the core with the given code.
func (p *Processor) Core(code string) (Core, bool) {
	for _, c := range p.Cores {
		if c.Code == code {
			return c, true
		}
	}
	return Core{}, false
}

// CoreKey identifies one core of one processor.
type CoreKey struct {
	ProcessorID string
	CoreID      string
}

func (k CoreKey) String() string {
	return k.ProcessorID + "/" + k.CoreID
}

// RegisterRequest is the body of a processor registration.
type RegisterRequest struct {
	Name     string `json:"name"`
	Hostname string `json:"hostname"`
	Cores    []Core `json:"cores"`
}
