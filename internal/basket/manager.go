package basket

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"pharmaweb/backend/internal/domain"
	"pharmaweb/backend/internal/store"
)

// SessionStore keeps serialized baskets for the lifetime of a login session.
type SessionStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
	Clear(ctx context.Context, key string) error
}

type Catalog interface {
	GetMedication(ctx context.Context, id string) (*domain.Medication, error)
}

// Manager owns basket mutations. Calls for the same session and kind are
// serialized so the running total never loses an update.
type Manager struct {
	catalog  Catalog
	sessions SessionStore
	ttl      time.Duration
	now      func() time.Time
	locks    *keyedMutex
}

func NewManager(catalog Catalog, sessions SessionStore, ttl time.Duration) *Manager {
	if sessions == nil {
		sessions = NewMemorySessionStore()
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &Manager{
		catalog:  catalog,
		sessions: sessions,
		ttl:      ttl,
		now:      time.Now,
		locks:    newKeyedMutex(),
	}
}

func (m *Manager) Get(ctx context.Context, sessionID string, kind Kind) (Basket, error) {
	key, err := sessionKey(sessionID, kind)
	if err != nil {
		return Basket{}, err
	}
	unlock := m.locks.Lock(key)
	defer unlock()
	return m.load(ctx, key, kind)
}

// Raw returns the stored basket document as-is, for tolerant rendering.
func (m *Manager) Raw(ctx context.Context, sessionID string, kind Kind) (json.RawMessage, error) {
	key, err := sessionKey(sessionID, kind)
	if err != nil {
		return nil, err
	}
	data, ok, err := m.sessions.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read basket: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return json.RawMessage(data), nil
}

func (m *Manager) Add(ctx context.Context, sessionID string, kind Kind, medicationID string, qty int) (Basket, error) {
	return m.Update(ctx, sessionID, kind, func(b *Basket) error {
		return m.addLine(ctx, b, medicationID, qty)
	})
}

// AddMany applies several additions as one mutation; any failure discards all of them.
func (m *Manager) AddMany(ctx context.Context, sessionID string, kind Kind, quantities []Request) (Basket, error) {
	return m.Update(ctx, sessionID, kind, func(b *Basket) error {
		for _, req := range quantities {
			if err := m.addLine(ctx, b, req.MedicationID, req.Quantity); err != nil {
				return err
			}
		}
		return nil
	})
}

func (m *Manager) Remove(ctx context.Context, sessionID string, kind Kind, index int) (Basket, error) {
	return m.Update(ctx, sessionID, kind, func(b *Basket) error {
		b.Remove(index)
		return nil
	})
}

func (m *Manager) Clear(ctx context.Context, sessionID string, kind Kind) error {
	key, err := sessionKey(sessionID, kind)
	if err != nil {
		return err
	}
	unlock := m.locks.Lock(key)
	defer unlock()
	if err := m.sessions.Clear(ctx, key); err != nil {
		return fmt.Errorf("clear basket: %w", err)
	}
	return nil
}

// Update loads the basket, applies fn and saves the result. Nothing is saved
// when fn fails.
func (m *Manager) Update(ctx context.Context, sessionID string, kind Kind, fn func(b *Basket) error) (Basket, error) {
	key, err := sessionKey(sessionID, kind)
	if err != nil {
		return Basket{}, err
	}
	unlock := m.locks.Lock(key)
	defer unlock()

	current, err := m.load(ctx, key, kind)
	if err != nil {
		return Basket{}, err
	}
	if err := fn(&current); err != nil {
		return Basket{}, err
	}
	current.UpdatedAt = m.now().UTC()
	if err := m.save(ctx, key, current); err != nil {
		return Basket{}, err
	}
	return current, nil
}

// Checkout hands the basket to fn while holding the session lock and clears
// it once fn succeeds. A failing fn leaves the basket as it was.
func (m *Manager) Checkout(ctx context.Context, sessionID string, kind Kind, fn func(b Basket) error) error {
	key, err := sessionKey(sessionID, kind)
	if err != nil {
		return err
	}
	unlock := m.locks.Lock(key)
	defer unlock()

	current, err := m.load(ctx, key, kind)
	if err != nil {
		return err
	}
	if err := fn(current); err != nil {
		return err
	}
	if err := m.sessions.Clear(ctx, key); err != nil {
		return fmt.Errorf("clear basket: %w", err)
	}
	return nil
}

type Request struct {
	MedicationID string `json:"medication_id"`
	Quantity     int    `json:"quantity"`
}

func (m *Manager) addLine(ctx context.Context, b *Basket, medicationID string, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	medicationID = strings.TrimSpace(medicationID)
	if medicationID == "" {
		return store.ErrNotFound
	}
	med, err := m.catalog.GetMedication(ctx, medicationID)
	if err != nil {
		return err
	}
	if !med.Active {
		return store.ErrNotFound
	}
	return b.Add(*med, qty)
}

func (m *Manager) load(ctx context.Context, key string, kind Kind) (Basket, error) {
	data, ok, err := m.sessions.Get(ctx, key)
	if err != nil {
		return Basket{}, fmt.Errorf("read basket: %w", err)
	}
	if !ok {
		return New(kind), nil
	}
	var b Basket
	if err := json.Unmarshal(data, &b); err != nil {
		return New(kind), nil
	}
	b.Kind = kind
	if b.Lines == nil {
		b.Lines = []Line{}
	}
	b.recompute()
	return b, nil
}

func (m *Manager) save(ctx context.Context, key string, b Basket) error {
	payload, err := json.Marshal(b)
	if err != nil {
		return err
	}
	if err := m.sessions.Set(ctx, key, payload, m.ttl); err != nil {
		return fmt.Errorf("write basket: %w", err)
	}
	return nil
}

func sessionKey(sessionID string, kind Kind) (string, error) {
	if _, err := ParseKind(string(kind)); err != nil {
		return "", err
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return "", fmt.Errorf("%w: missing session", store.ErrInvalidTransaction)
	}
	return "basket:" + string(kind) + ":" + sessionID, nil
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
