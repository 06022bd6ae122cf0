// Package quota decides whether a processor core can admit another task.
package quota

import (
	"fmt"

	"github.com/me/gomh/pkg/model"
)

// QuotaFor returns the amount a task with tag costs on a core declaring q.
// unlimited is true when quotas are disabled. A zero default amount with
// quotas enabled is a misconfiguration.
func QuotaFor(q model.Quotas, tag string) (amount int, unlimited bool, err error) {
	if q.Disabled {
		return 0, true, nil
	}
	if q.Default == 0 {
		return 0, false, fmt.Errorf("%w: default amount is 0", model.ErrQuotaMisconfigured)
	}
	if tag != "" {
		for _, tq := range q.Values {
			if tq.Tag == tag {
				return tq.Amount, false, nil
			}
		}
	}
	return q.Default, false, nil
}

// IsEnough reports whether a core declaring q, currently holding current,
// can admit requested more.
func IsEnough(q model.Quotas, current model.AllocatedQuotas, requested int) bool {
	if q.Disabled {
		return true
	}
	return q.Limit >= requested+current.Total()
}

// Validate checks a core's declaration at startup.
func Validate(q model.Quotas) error {
	if q.Disabled {
		return nil
	}
	if q.Default <= 0 {
		return fmt.Errorf("%w: default amount must be positive, got %d", model.ErrQuotaMisconfigured, q.Default)
	}
	if q.Limit < q.Default {
		return fmt.Errorf("%w: limit %d is below default amount %d", model.ErrQuotaMisconfigured, q.Limit, q.Default)
	}
	seen := make(map[string]bool, len(q.Values))
	for _, tq := range q.Values {
		if tq.Tag == "" {
			return fmt.Errorf("%w: tagged amount without tag", model.ErrQuotaMisconfigured)
		}
		if seen[tq.Tag] {
			return fmt.Errorf("%w: duplicate tag %q", model.ErrQuotaMisconfigured, tq.Tag)
		}
		seen[tq.Tag] = true
		if tq.Amount <= 0 || tq.Amount > q.Limit {
			return fmt.Errorf("%w: tag %q amount %d outside (0, %d]", model.ErrQuotaMisconfigured, tq.Tag, tq.Amount, q.Limit)
		}
	}
	return nil
}
