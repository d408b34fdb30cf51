package derive

import (
	"fmt"

	"github.com/sells-group/janus/internal/model"
	"github.com/sells-group/janus/internal/store"
)

// GrainViolationError reports a duplicate (day, user) key in a derived table.
// It is fatal: downstream metrics would silently double-count the key.
type GrainViolationError struct {
	Table  string
	Day    model.Day
	UserID string
}

func (e *GrainViolationError) Error() string {
	return fmt.Sprintf("derive: grain violation in %s: duplicate key (day=%s, user_id=%s)", e.Table, e.Day, e.UserID)
}

// CheckGrain verifies that every derived row has a unique (day, user) key.
func CheckGrain(states []model.SubscriptionState, rows []model.FeatureRow) error {
	seen := make(map[model.GrainKey]struct{}, len(states))
	for _, s := range states {
		k := s.Key()
		if _, dup := seen[k]; dup {
			return &GrainViolationError{Table: store.TableState, Day: k.Day, UserID: k.UserID}
		}
		seen[k] = struct{}{}
	}

	clear(seen)
	for _, r := range rows {
		k := r.Key()
		if _, dup := seen[k]; dup {
			return &GrainViolationError{Table: store.TableFeatures, Day: k.Day, UserID: k.UserID}
		}
		seen[k] = struct{}{}
	}
	return nil
}
