package livestream

// Store is the persistence abstraction for the streaming configuration.
// Implementations can be in-memory, file-based, or remote.
// ConfigStore uses Store for all reads and writes and serialises access,
// so implementations need not be safe for concurrent use.
type Store interface {
	Load() (StreamingConfig, bool)
	Save(cfg StreamingConfig)
}

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	cfg StreamingConfig
	set bool
}

// NewInMemoryStore returns an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

// Load implements Store.Load.
func (s *InMemoryStore) Load() (StreamingConfig, bool) {
	if !s.set {
		return StreamingConfig{}, false
	}
	return s.cfg.Clone(), true
}

// Save implements Store.Save.
func (s *InMemoryStore) Save(cfg StreamingConfig) {
	s.cfg = cfg.Clone()
	s.set = true
}
