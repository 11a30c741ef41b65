package config

import (
	"sync"
	"sync/atomic"

	"github.com/atmx/settlement-engine/internal/model"
)

// SettingsStore holds the runtime-mutable trade settings. Readers get an
// immutable snapshot without locking; writers are serialised and a change
// that fails validation is discarded.
type SettingsStore struct {
	mu  sync.Mutex
	cur atomic.Pointer[model.TradeSettings]
}

// NewSettingsStore seeds the store with initial.
func NewSettingsStore(initial model.TradeSettings) *SettingsStore {
	s := &SettingsStore{}
	c := initial.Clone()
	s.cur.Store(&c)
	return s
}

// Load returns a copy of the current settings.
func (s *SettingsStore) Load() model.TradeSettings {
	return s.cur.Load().Clone()
}

// Update applies fn to a copy of the current settings and publishes the
// result if it validates. The returned settings are what is now in effect.
func (s *SettingsStore) Update(fn func(*model.TradeSettings) error) (model.TradeSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cur.Load().Clone()
	if err := fn(&next); err != nil {
		return s.cur.Load().Clone(), err
	}
	if err := next.Validate(); err != nil {
		return s.cur.Load().Clone(), err
	}
	s.cur.Store(&next)
	return next.Clone(), nil
}
