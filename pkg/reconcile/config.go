package reconcile

import "time"

// Config tunes an Engine. Start from DefaultConfig: zero durations, IDField and
// MatchFields fall back to defaults, but counts and switches are taken as given.
type Config struct {
	IDField        string        // Identifier field name, default "id"
	MaxRetries     int           // Retries after the first failed attempt
	RetryDelay     time.Duration // First retry delay, doubled per retry
	MaxRetryDelay  time.Duration
	RequestTimeout time.Duration // Bound on each gateway call

	ConflictDetection bool // Diff pushes and syncs against local state

	// HeuristicMatching enables 2-of-3 field matching of created pushes against
	// pending creates when no correlation id is echoed.
	HeuristicMatching bool
	MatchFields       []string      // Exactly the designated distinguishing fields
	MatchWindow       time.Duration // Pending creates older than this never match

	// VersionField, when set, names a monotonically increasing field. Pushes whose
	// version is not newer than the held server copy are dropped as stale.
	VersionField string

	SyncOnBulkComplete bool
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		IDField:           "id",
		MaxRetries:        3,
		RetryDelay:        time.Second,
		MaxRetryDelay:     30 * time.Second,
		RequestTimeout:    30 * time.Second,
		ConflictDetection: true,
		HeuristicMatching: true,
		MatchFields:       []string{"name", "email", "title"},
		MatchWindow:       30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.IDField == "" {
		c.IDField = d.IDField
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.MaxRetryDelay < c.RetryDelay {
		c.MaxRetryDelay = d.MaxRetryDelay
		if c.MaxRetryDelay < c.RetryDelay {
			c.MaxRetryDelay = c.RetryDelay
		}
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if len(c.MatchFields) == 0 {
		c.MatchFields = d.MatchFields
	}
	if c.MatchWindow <= 0 {
		c.MatchWindow = d.MatchWindow
	}
	return c
}
