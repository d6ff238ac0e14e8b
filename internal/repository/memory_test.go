package repository

import (
	"context"
	"errors"
	"testing"

	"pushi/internal/models"
)

func TestMemoryApps(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	app := models.NewApp("shop")
	if err := m.CreateApp(ctx, app); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := m.AppByID(ctx, app.ID)
	if err != nil {
		t.Fatalf("by id: %v", err)
	}
	if got.Key != app.Key || got.Secret != app.Secret {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	if _, err := m.AppByKey(ctx, app.Key); err != nil {
		t.Fatalf("by key: %v", err)
	}
	if _, err := m.AppByID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	app.Name = "renamed"
	if err := m.UpdateApp(ctx, app); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = m.AppByID(ctx, app.ID)
	if got.Name != "renamed" {
		t.Fatalf("update lost: %+v", got)
	}

	if err := m.UpdateApp(ctx, models.App{ID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on update, got %v", err)
	}

	apps, err := m.ListApps(ctx)
	if err != nil || len(apps) != 1 {
		t.Fatalf("list: %v %v", apps, err)
	}
}

func TestMemorySubscriptions(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	sub := models.Subscription{AppID: "a", Adapter: "webhook", Target: "http://x", Event: "orders"}
	if err := m.AddSubscription(ctx, sub); err != nil {
		t.Fatalf("add: %v", err)
	}
	// Duplicate adds are idempotent.
	if err := m.AddSubscription(ctx, sub); err != nil {
		t.Fatalf("duplicate add: %v", err)
	}

	recs, err := m.ListSubscriptions(ctx, "a", "webhook")
	if err != nil || len(recs) != 1 {
		t.Fatalf("list: %v %v", recs, err)
	}

	other := sub
	other.Event = "news"
	if err := m.AddSubscription(ctx, other); err != nil {
		t.Fatalf("add second event: %v", err)
	}

	// Scoped removal only drops the named event.
	if err := m.RemoveSubscription(ctx, "a", "webhook", "http://x", "orders"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	recs, _ = m.ListSubscriptions(ctx, "a", "webhook")
	if len(recs) != 1 || recs[0].Event != "news" {
		t.Fatalf("scoped remove wrong: %v", recs)
	}

	// Unscoped removal drops the target entirely.
	if err := m.RemoveSubscription(ctx, "a", "webhook", "http://x", ""); err != nil {
		t.Fatalf("remove all: %v", err)
	}
	recs, _ = m.ListSubscriptions(ctx, "a", "webhook")
	if len(recs) != 0 {
		t.Fatalf("unscoped remove left records: %v", recs)
	}
}

func TestMemoryPersonal(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if err := m.AddPersonal(ctx, models.Personal{AppID: "a", UserID: "alice", Event: "orders"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := m.AddPersonal(ctx, models.Personal{AppID: "a", UserID: "alice", Event: "news"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := m.AddPersonal(ctx, models.Personal{AppID: "b", UserID: "bob", Event: "orders"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	recs, err := m.ListPersonal(ctx, "a")
	if err != nil || len(recs) != 2 {
		t.Fatalf("list: %v %v", recs, err)
	}
	all, err := m.AllPersonal(ctx)
	if err != nil || len(all) != 3 {
		t.Fatalf("all: %v %v", all, err)
	}

	if err := m.RemovePersonal(ctx, "a", "alice", ""); err != nil {
		t.Fatalf("remove: %v", err)
	}
	recs, _ = m.ListPersonal(ctx, "a")
	if len(recs) != 0 {
		t.Fatalf("unscoped remove left records: %v", recs)
	}
}

func TestMemoryEvents(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	ev := models.NewEvent("a", "orders", "s1", `{"id":1}`)
	if err := m.AppendEvent(ctx, ev); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := m.AppendAssoc(ctx, "a", ev.MID, "alice"); err != nil {
		t.Fatalf("append assoc: %v", err)
	}

	later := models.NewEvent("a", "orders", "s1", `{"id":2}`)
	if err := m.AppendEvent(ctx, later); err != nil {
		t.Fatalf("append event: %v", err)
	}

	events, err := m.RecentEvents(ctx, "a", "orders", 0, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(events) != 2 || events[0].MID != later.MID {
		t.Fatalf("expected newest first, got %v", events)
	}
	if events, _ := m.RecentEvents(ctx, "a", "orders", 1, 10); len(events) != 1 || events[0].MID != ev.MID {
		t.Fatalf("skip not honored: %v", events)
	}
}
