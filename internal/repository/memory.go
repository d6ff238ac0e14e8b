package repository

import (
	"context"
	"sync"

	"pushi/internal/models"
)

// Memory is an in-process Repository used for development and tests.
type Memory struct {
	mu       sync.RWMutex
	apps     map[string]models.App // by id
	subs     []models.Subscription
	personal []models.Personal
	events   []models.Event
	assocs   []assoc
}

type assoc struct {
	appID  string
	mid    string
	userID string
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{apps: make(map[string]models.App)}
}

func (m *Memory) CreateApp(ctx context.Context, app models.App) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apps[app.ID] = app
	return nil
}

func (m *Memory) AppByID(ctx context.Context, id string) (models.App, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	app, ok := m.apps[id]
	if !ok {
		return models.App{}, ErrNotFound
	}
	return app, nil
}

func (m *Memory) AppByKey(ctx context.Context, key string) (models.App, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, app := range m.apps {
		if app.Key == key {
			return app, nil
		}
	}
	return models.App{}, ErrNotFound
}

func (m *Memory) ListApps(ctx context.Context) ([]models.App, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	apps := make([]models.App, 0, len(m.apps))
	for _, app := range m.apps {
		apps = append(apps, app)
	}
	return apps, nil
}

func (m *Memory) UpdateApp(ctx context.Context, app models.App) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.apps[app.ID]; !ok {
		return ErrNotFound
	}
	m.apps[app.ID] = app
	return nil
}

func (m *Memory) AddSubscription(ctx context.Context, sub models.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.AppID == sub.AppID && s.Adapter == sub.Adapter && s.Target == sub.Target && s.Event == sub.Event {
			return nil
		}
	}
	m.subs = append(m.subs, sub)
	return nil
}

func (m *Memory) RemoveSubscription(ctx context.Context, appID, adapter, target, event string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.subs[:0]
	for _, s := range m.subs {
		match := s.AppID == appID && s.Adapter == adapter && s.Target == target &&
			(event == "" || s.Event == event)
		if !match {
			kept = append(kept, s)
		}
	}
	m.subs = kept
	return nil
}

func (m *Memory) ListSubscriptions(ctx context.Context, appID, adapter string) ([]models.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Subscription
	for _, s := range m.subs {
		if s.AppID == appID && s.Adapter == adapter {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *Memory) AllSubscriptions(ctx context.Context, adapter string) ([]models.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Subscription
	for _, s := range m.subs {
		if s.Adapter == adapter {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *Memory) AddPersonal(ctx context.Context, p models.Personal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.personal {
		if r == p {
			return nil
		}
	}
	m.personal = append(m.personal, p)
	return nil
}

func (m *Memory) RemovePersonal(ctx context.Context, appID, userID, event string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.personal[:0]
	for _, r := range m.personal {
		match := r.AppID == appID && r.UserID == userID && (event == "" || r.Event == event)
		if !match {
			kept = append(kept, r)
		}
	}
	m.personal = kept
	return nil
}

func (m *Memory) ListPersonal(ctx context.Context, appID string) ([]models.Personal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Personal
	for _, r := range m.personal {
		if r.AppID == appID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) AllPersonal(ctx context.Context) ([]models.Personal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Personal, len(m.personal))
	copy(out, m.personal)
	return out, nil
}

func (m *Memory) AppendEvent(ctx context.Context, ev models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *Memory) AppendAssoc(ctx context.Context, appID, mid, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assocs = append(m.assocs, assoc{appID: appID, mid: mid, userID: userID})
	return nil
}

func (m *Memory) RecentEvents(ctx context.Context, appID, ch string, skip, count int) ([]models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Event
	for i := len(m.events) - 1; i >= 0 && len(out) < count; i-- {
		ev := m.events[i]
		if ev.AppID != appID || ev.Channel != ch {
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}
