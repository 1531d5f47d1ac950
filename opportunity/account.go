package opportunity

import "time"

// AccountStatus controls whether an account is scheduled.
type AccountStatus string

const (
	AccountActive AccountStatus = "active"
	AccountPaused AccountStatus = "paused"
	AccountError  AccountStatus = "error"
)

// Schedulable reports whether the scheduler should register the account's schedules.
func (s AccountStatus) Schedulable() bool {
	return s == AccountActive || s == ""
}

// Schedule is one typed entry of an account's schedule set.
type Schedule struct {
	Type      DiscoveryType `yaml:"type" json:"type"`
	Enabled   bool          `yaml:"enabled" json:"enabled"`
	Cadence   string        `yaml:"cadence" json:"cadence"`
	LastRunAt *time.Time    `yaml:"-" json:"last_run_at,omitempty"`
	LastError string        `yaml:"-" json:"last_error,omitempty"`
}

// ScheduleSet is the ordered list of an account's schedules, at most one per type.
type ScheduleSet []Schedule

// Get returns the schedule for t.
func (s ScheduleSet) Get(t DiscoveryType) (Schedule, bool) {
	for _, sched := range s {
		if sched.Type == t {
			return sched, true
		}
	}
	return Schedule{}, false
}

// Enabled returns the enabled schedules in order.
func (s ScheduleSet) Enabled() []Schedule {
	var out []Schedule
	for _, sched := range s {
		if sched.Enabled {
			out = append(out, sched)
		}
	}
	return out
}

// Account is a user account on one platform that opportunities are discovered for.
type Account struct {
	ID       string        `json:"id"`
	Platform string        `json:"platform"`
	Handle   string        `json:"handle"`
	Status   AccountStatus `json:"status"`

	// Keywords drive search discovery.
	Keywords []string `json:"keywords,omitempty"`

	// Principles are always included verbatim in generation prompts.
	Principles string `json:"principles,omitempty"`

	// Voice is the style guidance for generated replies.
	Voice string `json:"voice,omitempty"`

	Schedules ScheduleSet `json:"schedules"`
	LastError string      `json:"last_error,omitempty"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// ScheduleKey is the registry key of an (account, type) pair.
func ScheduleKey(accountID string, t DiscoveryType) string {
	return accountID + ":" + string(t)
}
