package livestream

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"stream-orchestrator/internal/platform/metrics"
)

var (
	// ErrUnauthorized is returned when the caller lacks the presiding role.
	ErrUnauthorized = errors.New("caller is not authorized to change the streaming configuration")

	// ErrInvalidConfig is returned when a patch would leave the config invalid.
	ErrInvalidConfig = errors.New("invalid streaming configuration")
)

// Role is the authorization attribute supplied by the auth subsystem.
type Role string

const (
	RoleViewer    Role = "viewer"
	RolePresiding Role = "presiding"
)

// CanConfigure reports whether the role may mutate the streaming configuration.
func (r Role) CanConfigure() bool {
	return r == RolePresiding
}

// Qualities are the accepted values of StreamingConfig.Quality.
var Qualities = []string{"auto", "low", "sd", "hd"}

// DefaultConfig returns the configuration used when nothing is stored yet.
func DefaultConfig() StreamingConfig {
	return StreamingConfig{
		SourceKind: SourceNDI,
		Quality:    "auto",
		Transports: map[string]TransportSettings{
			"srt": {Enabled: false, LatencyMs: 200},
		},
	}
}

// ConfigStore holds the single active StreamingConfig. Reads are unrestricted;
// writes are role gated and merged into the current value.
type ConfigStore struct {
	mu       sync.RWMutex
	store    Store
	profiles *ProfileRegistry
	pub      Publisher
	metrics  *metrics.Metrics
}

// NewConfigStore seeds store with initial when it holds nothing yet.
// Missing fields of initial are filled from DefaultConfig. pub and m may be nil.
func NewConfigStore(store Store, initial StreamingConfig, profiles *ProfileRegistry, pub Publisher, m *metrics.Metrics) *ConfigStore {
	if _, ok := store.Load(); !ok {
		store.Save(withDefaults(initial))
	}
	return &ConfigStore{store: store, profiles: profiles, pub: pub, metrics: m}
}

// Read returns a copy of the current configuration.
func (c *ConfigStore) Read() StreamingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cfg, _ := c.store.Load()
	return cfg
}

// Write merges patch into the stored configuration when role permits it and
// broadcasts config-updated with the full result. On any error the stored
// value is untouched and nothing is broadcast.
func (c *ConfigStore) Write(patch ConfigPatch, role Role) (StreamingConfig, error) {
	if !role.CanConfigure() {
		c.metrics.IncConfigRejected()
		return StreamingConfig{}, ErrUnauthorized
	}

	c.mu.Lock()
	current, _ := c.store.Load()
	next, err := c.merge(current, patch)
	if err != nil {
		c.mu.Unlock()
		c.metrics.IncConfigRejected()
		return StreamingConfig{}, err
	}
	c.store.Save(next)
	// Publishing under the lock keeps config-updated events in write order.
	if c.pub != nil {
		c.pub.Publish(NewEvent(EventConfigUpdated, configUpdatedData{Config: next.Clone()}))
	}
	c.mu.Unlock()

	c.metrics.IncConfigUpdates()
	return next, nil
}

// merge applies patch on a copy of current and validates the result.
func (c *ConfigStore) merge(current StreamingConfig, patch ConfigPatch) (StreamingConfig, error) {
	next := current.Clone()

	if patch.SourceKind != nil {
		kind := SourceKind(strings.ToLower(strings.TrimSpace(string(*patch.SourceKind))))
		if kind == "" {
			return StreamingConfig{}, fmt.Errorf("%w: sourceKind must not be empty", ErrInvalidConfig)
		}
		if c.profiles != nil && !c.profiles.Has(kind) {
			return StreamingConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfig, ErrUnknownSource)
		}
		next.SourceKind = kind
	}
	if patch.SourceURL != nil {
		next.SourceURL = strings.TrimSpace(*patch.SourceURL)
	}
	if patch.Quality != nil {
		q := strings.ToLower(strings.TrimSpace(*patch.Quality))
		if !validQuality(q) {
			return StreamingConfig{}, fmt.Errorf("%w: quality %q", ErrInvalidConfig, *patch.Quality)
		}
		next.Quality = q
	}
	for name, settings := range patch.Transports {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			return StreamingConfig{}, fmt.Errorf("%w: empty transport name", ErrInvalidConfig)
		}
		if settings.LatencyMs < 0 {
			return StreamingConfig{}, fmt.Errorf("%w: negative latency for %s", ErrInvalidConfig, name)
		}
		next.Transports[name] = settings
	}

	return next, nil
}

func validQuality(q string) bool {
	for _, v := range Qualities {
		if v == q {
			return true
		}
	}
	return false
}

func withDefaults(cfg StreamingConfig) StreamingConfig {
	def := DefaultConfig()
	if cfg.SourceKind == "" {
		cfg.SourceKind = def.SourceKind
	}
	if cfg.Quality == "" || !validQuality(cfg.Quality) {
		cfg.Quality = def.Quality
	}
	if cfg.Transports == nil {
		cfg.Transports = def.Transports
	}
	return cfg.Clone()
}
