package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"streamhooks/internal/model"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

// MigrateDir applies *.sql files from dir in lexical order (dev helper).
func (p *Postgres) MigrateDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil { return err }
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") { names = append(names, e.Name()) }
	}
	sort.Strings(names)
	for _, n := range names {
		b, err := os.ReadFile(filepath.Join(dir, n))
		if err != nil { return err }
		if _, err := p.db.Exec(string(b)); err != nil {
			return fmt.Errorf("migration %s: %w", n, err)
		}
	}
	return nil
}

func (p *Postgres) GetSubscription(ctx context.Context, id string) (model.Subscription, error) {
	var s model.Subscription
	var events, status []byte
	err := p.db.QueryRowContext(ctx, `SELECT id, user_id, COALESCE(project_id,''), COALESCE(stream_id,''), COALESCE(name,''), url, COALESCE(secret,''), events, disabled, deleted, created_at, status
		FROM webhook_subscriptions WHERE id=$1`, id).
		Scan(&s.ID, &s.UserID, &s.ProjectID, &s.StreamID, &s.Name, &s.URL, &s.SharedSecret, &events, &s.Disabled, &s.Deleted, &s.CreatedAt, &status)
	if errors.Is(err, sql.ErrNoRows) { return model.Subscription{}, ErrNotFound }
	if err != nil { return model.Subscription{}, err }
	if err := json.Unmarshal(events, &s.Events); err != nil { return model.Subscription{}, err }
	if len(status) > 0 && string(status) != "null" {
		s.Status = &model.SubscriptionStatus{}
		if err := json.Unmarshal(status, s.Status); err != nil { return model.Subscription{}, err }
	}
	return s, nil
}

func (p *Postgres) FindSubscriptions(ctx context.Context, userID string) ([]model.Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, user_id, COALESCE(project_id,''), COALESCE(stream_id,''), COALESCE(name,''), url, COALESCE(secret,''), events, disabled, deleted, created_at, status
		FROM webhook_subscriptions WHERE user_id=$1 ORDER BY created_at ASC`, userID)
	if err != nil { return nil, err }
	defer rows.Close()
	var out []model.Subscription
	for rows.Next() {
		var s model.Subscription
		var events, status []byte
		if err := rows.Scan(&s.ID, &s.UserID, &s.ProjectID, &s.StreamID, &s.Name, &s.URL, &s.SharedSecret, &events, &s.Disabled, &s.Deleted, &s.CreatedAt, &status); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(events, &s.Events); err != nil { return nil, err }
		if len(status) > 0 && string(status) != "null" {
			s.Status = &model.SubscriptionStatus{}
			_ = json.Unmarshal(status, s.Status)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateSubscriptionStatus(ctx context.Context, id string, status model.SubscriptionStatus) error {
	res, err := p.db.ExecContext(ctx, `UPDATE webhook_subscriptions SET status=$2 WHERE id=$1`, id, toJSON(status))
	if err != nil { return err }
	if n, _ := res.RowsAffected(); n == 0 { return ErrNotFound }
	return nil
}

func (p *Postgres) CreateDeliveryRecord(ctx context.Context, rec model.DeliveryRecord) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO webhook_logs (id, subscription_id, event_id, user_id, status_code, response, error, duration_ms, created_at, event)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		rec.ID, rec.SubscriptionID, rec.EventID, rec.UserID, rec.StatusCode, nullIfEmpty(rec.Response), nullIfEmpty(rec.Error), rec.DurationMS, rec.CreatedAt, toJSON(rec.Event))
	return err
}

func (p *Postgres) GetDeliveryRecord(ctx context.Context, subscriptionID, id string) (model.DeliveryRecord, error) {
	var rec model.DeliveryRecord
	var event []byte
	err := p.db.QueryRowContext(ctx, `SELECT id, subscription_id, event_id, user_id, status_code, COALESCE(response,''), COALESCE(error,''), duration_ms, created_at, event
		FROM webhook_logs WHERE id=$1 AND subscription_id=$2`, id, subscriptionID).
		Scan(&rec.ID, &rec.SubscriptionID, &rec.EventID, &rec.UserID, &rec.StatusCode, &rec.Response, &rec.Error, &rec.DurationMS, &rec.CreatedAt, &event)
	if errors.Is(err, sql.ErrNoRows) { return model.DeliveryRecord{}, ErrNotFound }
	if err != nil { return model.DeliveryRecord{}, err }
	if len(event) > 0 && string(event) != "null" {
		rec.Event = &model.EventMessage{}
		if err := json.Unmarshal(event, rec.Event); err != nil { return model.DeliveryRecord{}, err }
	}
	return rec, nil
}

func (p *Postgres) ListDeliveryRecords(ctx context.Context, subscriptionID, cursor string, limit int) ([]model.DeliveryRecord, string, error) {
	if limit <= 0 { limit = 100 }
	q := `SELECT id, subscription_id, event_id, user_id, status_code, COALESCE(response,''), COALESCE(error,''), duration_ms, created_at, event
		FROM webhook_logs WHERE subscription_id=$1`
	args := []any{subscriptionID}
	if cursor != "" {
		// Keyset on (created_at, id) so records sharing the cursor row's
		// millisecond are not skipped.
		q += ` AND (created_at, id) > (SELECT created_at, id FROM webhook_logs WHERE id=$2)`
		args = append(args, cursor)
	}
	q += fmt.Sprintf(` ORDER BY created_at ASC, id ASC LIMIT %d`, limit)
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil { return nil, "", err }
	defer rows.Close()
	var out []model.DeliveryRecord
	for rows.Next() {
		var rec model.DeliveryRecord
		var event []byte
		if err := rows.Scan(&rec.ID, &rec.SubscriptionID, &rec.EventID, &rec.UserID, &rec.StatusCode, &rec.Response, &rec.Error, &rec.DurationMS, &rec.CreatedAt, &event); err != nil {
			return nil, "", err
		}
		if len(event) > 0 && string(event) != "null" {
			rec.Event = &model.EventMessage{}
			_ = json.Unmarshal(event, rec.Event)
		}
		out = append(out, rec)
	}
	next := ""
	if len(out) == limit { next = out[len(out)-1].ID }
	return out, next, rows.Err()
}

func (p *Postgres) GetStream(ctx context.Context, id string) (model.Stream, error) {
	var s model.Stream
	err := p.db.QueryRowContext(ctx, `SELECT id, user_id, COALESCE(project_id,''), COALESCE(name,''), COALESCE(playback_id,''), COALESCE(stream_key,''), is_active, record, COALESCE(last_session_id,''), created_at
		FROM streams WHERE id=$1`, id).
		Scan(&s.ID, &s.UserID, &s.ProjectID, &s.Name, &s.PlaybackID, &s.StreamKey, &s.IsActive, &s.Record, &s.LastSessionID, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) { return model.Stream{}, ErrNotFound }
	return s, err
}

func (p *Postgres) GetSession(ctx context.Context, id string) (model.Session, error) {
	var s model.Session
	err := p.db.QueryRowContext(ctx, `SELECT id, stream_id, user_id, created_at, COALESCE(last_seen,0) FROM sessions WHERE id=$1`, id).
		Scan(&s.ID, &s.StreamID, &s.UserID, &s.CreatedAt, &s.LastSeen)
	if errors.Is(err, sql.ErrNoRows) { return model.Session{}, ErrNotFound }
	return s, err
}

func (p *Postgres) GetUser(ctx context.Context, id string) (model.User, error) {
	var u model.User
	err := p.db.QueryRowContext(ctx, `SELECT id, email, admin, COALESCE(default_project_id,''), created_at FROM users WHERE id=$1`, id).
		Scan(&u.ID, &u.Email, &u.Admin, &u.DefaultProjectID, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) { return model.User{}, ErrNotFound }
	return u, err
}

func nullIfEmpty(s string) any {
	if s == "" { return nil }
	return s
}

func toJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
