package model

// Quotas is the capacity a processor core declares.
type Quotas struct {
	// Default is the amount charged for a task without a matching tag.
	Default int `json:"default" yaml:"default"`

	// Values overrides the amount per quota tag.
	Values []TagQuota `json:"values,omitempty" yaml:"values,omitempty"`

	// Limit is the hard ceiling for all allocations on the core.
	Limit int `json:"limit" yaml:"limit"`

	// Disabled bypasses every quota check.
	Disabled bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// TagQuota is the amount charged for tasks carrying Tag.
type TagQuota struct {
	Tag    string `json:"tag" yaml:"tag"`
	Amount int    `json:"amount" yaml:"amount"`
}

// QuotaAllocation is held by a core while a task runs.
type QuotaAllocation struct {
	ExecutionID int64  `json:"execution_id"`
	TaskID      int64  `json:"task_id"`
	Tag         string `json:"tag,omitempty"`
	Amount      int    `json:"amount"`
}

// AllocatedQuotas is the current usage of a core.
type AllocatedQuotas struct {
	Initial   int               `json:"initial"`
	Allocated []QuotaAllocation `json:"allocated"`
}

// Total returns Initial plus every allocated amount.
func (a AllocatedQuotas) Total() int {
	total := a.Initial
	for _, al := range a.Allocated {
		total += al.Amount
	}
	return total
}
