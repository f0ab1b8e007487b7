package store

import (
	"context"
	"sync"

	"streamhooks/internal/model"

	"github.com/google/uuid"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu        sync.Mutex
	subs      map[string]model.Subscription // id -> subscription
	subsByU   map[string][]string           // userId -> subscription ids
	logs      map[string]model.DeliveryRecord
	logsBySub map[string][]string // subscriptionId -> record ids, insertion order
	streams   map[string]model.Stream
	sessions  map[string]model.Session
	users     map[string]model.User
}

func NewMemory() *Memory {
	return &Memory{
		subs:      map[string]model.Subscription{},
		subsByU:   map[string][]string{},
		logs:      map[string]model.DeliveryRecord{},
		logsBySub: map[string][]string{},
		streams:   map[string]model.Stream{},
		sessions:  map[string]model.Session{},
		users:     map[string]model.User{},
	}
}

// CreateSubscription registers a subscription. Used by tests and the dev
// seeding path; production subscriptions come from the CRUD API.
func (m *Memory) CreateSubscription(ctx context.Context, s model.Subscription) (model.Subscription, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	if s.ID == "" { s.ID = uuid.New().String() }
	m.subs[s.ID] = s
	m.subsByU[s.UserID] = append(m.subsByU[s.UserID], s.ID)
	return s, nil
}

func (m *Memory) GetSubscription(ctx context.Context, id string) (model.Subscription, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok { return model.Subscription{}, ErrNotFound }
	return s, nil
}

func (m *Memory) FindSubscriptions(ctx context.Context, userID string) ([]model.Subscription, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	var out []model.Subscription
	for _, id := range m.subsByU[userID] {
		out = append(out, m.subs[id])
	}
	return out, nil
}

func (m *Memory) UpdateSubscriptionStatus(ctx context.Context, id string, status model.SubscriptionStatus) error {
	m.mu.Lock(); defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok { return ErrNotFound }
	s.Status = &status
	m.subs[id] = s
	return nil
}

func (m *Memory) CreateDeliveryRecord(ctx context.Context, rec model.DeliveryRecord) error {
	m.mu.Lock(); defer m.mu.Unlock()
	m.logs[rec.ID] = rec
	m.logsBySub[rec.SubscriptionID] = append(m.logsBySub[rec.SubscriptionID], rec.ID)
	return nil
}

func (m *Memory) GetDeliveryRecord(ctx context.Context, subscriptionID, id string) (model.DeliveryRecord, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	rec, ok := m.logs[id]
	if !ok || rec.SubscriptionID != subscriptionID { return model.DeliveryRecord{}, ErrNotFound }
	return rec, nil
}

func (m *Memory) ListDeliveryRecords(ctx context.Context, subscriptionID, cursor string, limit int) ([]model.DeliveryRecord, string, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	ids := m.logsBySub[subscriptionID]
	start := 0
	if cursor != "" {
		for i, id := range ids {
			if id == cursor { start = i + 1; break }
		}
	}
	if limit <= 0 { limit = 100 }
	out := []model.DeliveryRecord{}
	var next string
	for i := start; i < len(ids) && len(out) < limit; i++ {
		out = append(out, m.logs[ids[i]])
		next = ids[i]
	}
	if start+len(out) >= len(ids) { next = "" }
	return out, next, nil
}

// PutStream, PutSession, and PutUser seed resource snapshots.
func (m *Memory) PutStream(s model.Stream) {
	m.mu.Lock(); defer m.mu.Unlock()
	m.streams[s.ID] = s
}

func (m *Memory) PutSession(s model.Session) {
	m.mu.Lock(); defer m.mu.Unlock()
	m.sessions[s.ID] = s
}

func (m *Memory) PutUser(u model.User) {
	m.mu.Lock(); defer m.mu.Unlock()
	m.users[u.ID] = u
}

func (m *Memory) GetStream(ctx context.Context, id string) (model.Stream, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	s, ok := m.streams[id]
	if !ok { return model.Stream{}, ErrNotFound }
	return s, nil
}

func (m *Memory) GetSession(ctx context.Context, id string) (model.Session, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok { return model.Session{}, ErrNotFound }
	return s, nil
}

func (m *Memory) GetUser(ctx context.Context, id string) (model.User, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok { return model.User{}, ErrNotFound }
	return u, nil
}
