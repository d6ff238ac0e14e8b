package repository

import (
	"context"
	"errors"

	"pushi/internal/models"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Repository persists apps, adapter subscription records, personal alias
// records and the optional event log. The broker reads everything eagerly
// at startup and treats write failures during fan-out as best-effort.
type Repository interface {
	CreateApp(ctx context.Context, app models.App) error
	AppByID(ctx context.Context, id string) (models.App, error)
	AppByKey(ctx context.Context, key string) (models.App, error)
	ListApps(ctx context.Context) ([]models.App, error)
	UpdateApp(ctx context.Context, app models.App) error

	AddSubscription(ctx context.Context, sub models.Subscription) error
	// RemoveSubscription deletes the records matching the target; an empty
	// event removes every event subscription of that target.
	RemoveSubscription(ctx context.Context, appID, adapter, target, event string) error
	ListSubscriptions(ctx context.Context, appID, adapter string) ([]models.Subscription, error)
	AllSubscriptions(ctx context.Context, adapter string) ([]models.Subscription, error)

	AddPersonal(ctx context.Context, p models.Personal) error
	RemovePersonal(ctx context.Context, appID, userID, event string) error
	ListPersonal(ctx context.Context, appID string) ([]models.Personal, error)
	AllPersonal(ctx context.Context) ([]models.Personal, error)

	AppendEvent(ctx context.Context, ev models.Event) error
	AppendAssoc(ctx context.Context, appID, mid, userID string) error
	// RecentEvents returns persisted events of a channel, newest first.
	RecentEvents(ctx context.Context, appID, ch string, skip, count int) ([]models.Event, error)
}
