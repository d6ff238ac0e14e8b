package repository

import (
	"context"
	"database/sql"
	"fmt"

	"pushi/internal/models"
	"pushi/pkg/logging"
)

// Postgres is the production Repository backed by PostgreSQL.
type Postgres struct {
	db     *sql.DB
	logger logging.Logger
}

// NewPostgres wraps an open database handle.
func NewPostgres(db *sql.DB, logger logging.Logger) *Postgres {
	return &Postgres{db: db, logger: logger}
}

func (p *Postgres) CreateApp(ctx context.Context, app models.App) error {
	query := `
		INSERT INTO apps (id, key, secret, name, smtp_url, apn_key, apn_cer, vapid_key, vapid_pub, vapid_email)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := p.db.ExecContext(ctx, query,
		app.ID, app.Key, app.Secret, app.Name,
		app.SMTPURL, app.APNKey, app.APNCer, app.VapidKey, app.VapidPub, app.VapidEmail)
	if err != nil {
		return fmt.Errorf("insert app: %w", err)
	}
	return nil
}

const appColumns = `id, key, secret, name, smtp_url, apn_key, apn_cer, vapid_key, vapid_pub, vapid_email`

func scanApp(row *sql.Row) (models.App, error) {
	var app models.App
	err := row.Scan(&app.ID, &app.Key, &app.Secret, &app.Name,
		&app.SMTPURL, &app.APNKey, &app.APNCer, &app.VapidKey, &app.VapidPub, &app.VapidEmail)
	if err == sql.ErrNoRows {
		return models.App{}, ErrNotFound
	}
	if err != nil {
		return models.App{}, fmt.Errorf("scan app: %w", err)
	}
	return app, nil
}

func (p *Postgres) AppByID(ctx context.Context, id string) (models.App, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+appColumns+` FROM apps WHERE id = $1`, id)
	return scanApp(row)
}

func (p *Postgres) AppByKey(ctx context.Context, key string) (models.App, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+appColumns+` FROM apps WHERE key = $1`, key)
	return scanApp(row)
}

func (p *Postgres) ListApps(ctx context.Context) ([]models.App, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+appColumns+` FROM apps ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list apps: %w", err)
	}
	defer rows.Close()

	var apps []models.App
	for rows.Next() {
		var app models.App
		if err := rows.Scan(&app.ID, &app.Key, &app.Secret, &app.Name,
			&app.SMTPURL, &app.APNKey, &app.APNCer, &app.VapidKey, &app.VapidPub, &app.VapidEmail); err != nil {
			return nil, fmt.Errorf("scan app: %w", err)
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

func (p *Postgres) UpdateApp(ctx context.Context, app models.App) error {
	query := `
		UPDATE apps
		SET name = $2, smtp_url = $3, apn_key = $4, apn_cer = $5, vapid_key = $6, vapid_pub = $7, vapid_email = $8
		WHERE id = $1
	`
	res, err := p.db.ExecContext(ctx, query,
		app.ID, app.Name, app.SMTPURL, app.APNKey, app.APNCer, app.VapidKey, app.VapidPub, app.VapidEmail)
	if err != nil {
		return fmt.Errorf("update app: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) AddSubscription(ctx context.Context, sub models.Subscription) error {
	query := `
		INSERT INTO subs (app_id, adapter, target, event, extras)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (app_id, adapter, target, event) DO NOTHING
	`
	_, err := p.db.ExecContext(ctx, query,
		sub.AppID, sub.Adapter, sub.Target, sub.Event, encodeExtras(sub.Extras))
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

func (p *Postgres) RemoveSubscription(ctx context.Context, appID, adapter, target, event string) error {
	query := `DELETE FROM subs WHERE app_id = $1 AND adapter = $2 AND target = $3`
	args := []interface{}{appID, adapter, target}
	if event != "" {
		query += ` AND event = $4`
		args = append(args, event)
	}
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

func (p *Postgres) ListSubscriptions(ctx context.Context, appID, adapter string) ([]models.Subscription, error) {
	query := `SELECT app_id, adapter, target, event, extras FROM subs WHERE app_id = $1 AND adapter = $2`
	rows, err := p.db.QueryContext(ctx, query, appID, adapter)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

func (p *Postgres) AllSubscriptions(ctx context.Context, adapter string) ([]models.Subscription, error) {
	query := `SELECT app_id, adapter, target, event, extras FROM subs WHERE adapter = $1`
	rows, err := p.db.QueryContext(ctx, query, adapter)
	if err != nil {
		return nil, fmt.Errorf("load subscriptions: %w", err)
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

func scanSubscriptions(rows *sql.Rows) ([]models.Subscription, error) {
	var subs []models.Subscription
	for rows.Next() {
		var sub models.Subscription
		var extras sql.NullString
		if err := rows.Scan(&sub.AppID, &sub.Adapter, &sub.Target, &sub.Event, &extras); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		sub.Extras = decodeExtras(extras.String)
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (p *Postgres) AddPersonal(ctx context.Context, rec models.Personal) error {
	query := `
		INSERT INTO subs_personal (app_id, user_id, event)
		VALUES ($1, $2, $3)
		ON CONFLICT (app_id, user_id, event) DO NOTHING
	`
	if _, err := p.db.ExecContext(ctx, query, rec.AppID, rec.UserID, rec.Event); err != nil {
		return fmt.Errorf("insert personal: %w", err)
	}
	return nil
}

func (p *Postgres) RemovePersonal(ctx context.Context, appID, userID, event string) error {
	query := `DELETE FROM subs_personal WHERE app_id = $1 AND user_id = $2`
	args := []interface{}{appID, userID}
	if event != "" {
		query += ` AND event = $3`
		args = append(args, event)
	}
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete personal: %w", err)
	}
	return nil
}

func (p *Postgres) ListPersonal(ctx context.Context, appID string) ([]models.Personal, error) {
	query := `SELECT app_id, user_id, event FROM subs_personal WHERE app_id = $1`
	rows, err := p.db.QueryContext(ctx, query, appID)
	if err != nil {
		return nil, fmt.Errorf("list personal: %w", err)
	}
	defer rows.Close()
	return scanPersonal(rows)
}

func (p *Postgres) AllPersonal(ctx context.Context) ([]models.Personal, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT app_id, user_id, event FROM subs_personal`)
	if err != nil {
		return nil, fmt.Errorf("load personal: %w", err)
	}
	defer rows.Close()
	return scanPersonal(rows)
}

func scanPersonal(rows *sql.Rows) ([]models.Personal, error) {
	var recs []models.Personal
	for rows.Next() {
		var rec models.Personal
		if err := rows.Scan(&rec.AppID, &rec.UserID, &rec.Event); err != nil {
			return nil, fmt.Errorf("scan personal: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (p *Postgres) AppendEvent(ctx context.Context, ev models.Event) error {
	query := `
		INSERT INTO events (mid, app_id, channel, owner_id, timestamp, data)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := p.db.ExecContext(ctx, query,
		ev.MID, ev.AppID, ev.Channel, ev.OwnerID, ev.Timestamp, ev.Data)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (p *Postgres) AppendAssoc(ctx context.Context, appID, mid, userID string) error {
	query := `INSERT INTO assocs (app_id, mid, user_id) VALUES ($1, $2, $3)`
	if _, err := p.db.ExecContext(ctx, query, appID, mid, userID); err != nil {
		return fmt.Errorf("insert assoc: %w", err)
	}
	return nil
}

func (p *Postgres) RecentEvents(ctx context.Context, appID, ch string, skip, count int) ([]models.Event, error) {
	query := `
		SELECT mid, app_id, channel, owner_id, timestamp, data
		FROM events
		WHERE app_id = $1 AND channel = $2
		ORDER BY timestamp DESC
		LIMIT $3 OFFSET $4
	`
	rows, err := p.db.QueryContext(ctx, query, appID, ch, count, skip)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var ev models.Event
		if err := rows.Scan(&ev.MID, &ev.AppID, &ev.Channel, &ev.OwnerID, &ev.Timestamp, &ev.Data); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
