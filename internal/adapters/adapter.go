package adapters

import (
	"context"
	"sync"

	"pushi/internal/models"
	"pushi/internal/repository"
	"pushi/pkg/logging"
)

// Resolver is the broker surface the adapters depend on: app credentials
// and personal channel routing.
type Resolver interface {
	AppByID(appID string) (models.App, error)
	Aliases(appID, ch string) []string
	PersonalChannels(appID, ch string) []string
}

// SubscriptionIndex is the in-memory view of one adapter's subscription
// records: appID → event → target → extras. It is loaded from the
// repository at startup and kept in sync by Subscribe/Unsubscribe.
type SubscriptionIndex struct {
	mu   sync.RWMutex
	subs map[string]map[string]map[string]map[string]string
}

// NewSubscriptionIndex creates an empty index.
func NewSubscriptionIndex() *SubscriptionIndex {
	return &SubscriptionIndex{
		subs: make(map[string]map[string]map[string]map[string]string),
	}
}

// Add records a target for an event.
func (x *SubscriptionIndex) Add(rec models.Subscription) {
	x.mu.Lock()
	defer x.mu.Unlock()

	byEvent := x.subs[rec.AppID]
	if byEvent == nil {
		byEvent = make(map[string]map[string]map[string]string)
		x.subs[rec.AppID] = byEvent
	}
	byTarget := byEvent[rec.Event]
	if byTarget == nil {
		byTarget = make(map[string]map[string]string)
		byEvent[rec.Event] = byTarget
	}
	byTarget[rec.Target] = rec.Extras
}

// Remove drops a target. An empty event removes the target from every
// event of the app.
func (x *SubscriptionIndex) Remove(appID, target, event string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	byEvent := x.subs[appID]
	if byEvent == nil {
		return
	}
	if event != "" {
		delete(byEvent[event], target)
		if len(byEvent[event]) == 0 {
			delete(byEvent, event)
		}
	} else {
		for ev, byTarget := range byEvent {
			delete(byTarget, target)
			if len(byTarget) == 0 {
				delete(byEvent, ev)
			}
		}
	}
	if len(byEvent) == 0 {
		delete(x.subs, appID)
	}
}

// Targets unions the targets subscribed under any of the given events,
// deduplicating across events. The first extras seen for a target wins.
func (x *SubscriptionIndex) Targets(appID string, events []string) map[string]map[string]string {
	x.mu.RLock()
	defer x.mu.RUnlock()

	byEvent := x.subs[appID]
	if byEvent == nil {
		return nil
	}
	out := make(map[string]map[string]string)
	for _, ev := range events {
		for target, extras := range byEvent[ev] {
			if _, seen := out[target]; !seen {
				out[target] = extras
			}
		}
	}
	return out
}

// List returns the records of one app.
func (x *SubscriptionIndex) List(appID string) []models.Subscription {
	x.mu.RLock()
	defer x.mu.RUnlock()

	var out []models.Subscription
	for ev, byTarget := range x.subs[appID] {
		for target, extras := range byTarget {
			out = append(out, models.Subscription{
				AppID:  appID,
				Event:  ev,
				Target: target,
				Extras: extras,
			})
		}
	}
	return out
}

// base carries the pieces every adapter shares: its name, the repository
// backed subscription records and the broker resolver.
type base struct {
	name     string
	repo     repository.Repository
	resolver Resolver
	logger   logging.Entry
	index    *SubscriptionIndex
}

func newBase(name string, repo repository.Repository, resolver Resolver, logger logging.Logger) base {
	return base{
		name:     name,
		repo:     repo,
		resolver: resolver,
		logger:   logger.WithField("adapter", name),
		index:    NewSubscriptionIndex(),
	}
}

// Name returns the adapter identifier used in subscription records and
// API paths.
func (b *base) Name() string { return b.name }

// Load primes the index from the repository.
func (b *base) Load(ctx context.Context) error {
	recs, err := b.repo.AllSubscriptions(ctx, b.name)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		b.index.Add(rec)
	}
	return nil
}

// Subscribe persists a record and makes it live.
func (b *base) Subscribe(ctx context.Context, rec models.Subscription) error {
	rec.Adapter = b.name
	if err := b.repo.AddSubscription(ctx, rec); err != nil {
		return err
	}
	b.index.Add(rec)
	return nil
}

// Unsubscribe removes a record; empty event removes the target everywhere.
func (b *base) Unsubscribe(ctx context.Context, appID, target, event string) error {
	if err := b.repo.RemoveSubscription(ctx, appID, b.name, target, event); err != nil {
		return err
	}
	b.index.Remove(appID, target, event)
	return nil
}

// List returns the adapter's records for one app.
func (b *base) List(appID string) []models.Subscription {
	return b.index.List(appID)
}

// expand returns the event names a publish on ch addresses: the channel
// itself, its registered aliases, and the personal channels that alias it.
func (b *base) expand(appID, ch string) []string {
	events := []string{ch}
	events = append(events, b.resolver.Aliases(appID, ch)...)
	events = append(events, b.resolver.PersonalChannels(appID, ch)...)
	return events
}

// targets resolves the deduplicated delivery set for a publish.
func (b *base) targets(appID, ch string) map[string]map[string]string {
	return b.index.Targets(appID, b.expand(appID, ch))
}
