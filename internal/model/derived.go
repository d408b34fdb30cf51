package model

// SubscriptionState is the point-in-time subscription status of a user on a day.
type SubscriptionState struct {
	Day      Day    `json:"day"`
	UserID   string `json:"user_id"`
	IsActive bool   `json:"is_active"`
	PlanID   string `json:"plan_id,omitempty"`
}

// FeatureRow holds trailing-window features and the churn label for (Day, UserID).
// Short-window columns cover (Day-short, Day]; the long-window column covers (Day-long, Day].
type FeatureRow struct {
	Day                Day     `json:"day"`
	UserID             string  `json:"user_id"`
	PlanID             string  `json:"plan_id,omitempty"`
	IsActive           bool    `json:"is_active"`
	EventsShort        int     `json:"events_short"`
	SessionsShort      int     `json:"sessions_short"`
	FeatureUseShort    int     `json:"feature_use_short"`
	SupportTicketsLong int     `json:"support_tickets_long"`
	LateRateShort      float64 `json:"late_rate_short"`
	Churn              bool    `json:"churn"`
}

// Label returns the churn label as 0 or 1.
func (r FeatureRow) Label() int {
	if r.Churn {
		return 1
	}
	return 0
}

// GrainKey identifies a derived row.
type GrainKey struct {
	Day    Day
	UserID string
}

// Key returns the grain key of the state row.
func (s SubscriptionState) Key() GrainKey { return GrainKey{Day: s.Day, UserID: s.UserID} }

// Key returns the grain key of the feature row.
func (r FeatureRow) Key() GrainKey { return GrainKey{Day: r.Day, UserID: r.UserID} }
