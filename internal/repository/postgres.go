// Package repository provides PostgreSQL-backed persistence for native flags,
// regions and region flag values. Every mutation is recorded as a region
// event and announced with NOTIFY so that each server instance can replay it
// onto its in-memory world.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultNotifyChannel  = "region_events"
	defaultEventBatchSize = 1000
	listenRetryDelay      = time.Second
)

// Event kinds.
const (
	EventNativeFlag    = "native_flag"
	EventRegionPut     = "region_put"
	EventRegionRemoved = "region_removed"
	EventFlagSet       = "flag_set"
	EventFlagUnset     = "flag_unset"
)

// ErrConflict reports a write that contradicts persisted state.
var ErrConflict = errors.New("conflicting persisted state")

// NativeFlag is a row of the native_flags table.
type NativeFlag struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// Region is a row of the regions table. Min and Max are x, y, z.
type Region struct {
	Dimension string     `json:"dimension"`
	ID        string     `json:"id"`
	Priority  int        `json:"priority"`
	Min       [3]float64 `json:"min"`
	Max       [3]float64 `json:"max"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// RegionFlag is a flag value set on a region. RegionID may name the global
// region of the dimension.
type RegionFlag struct {
	Dimension string          `json:"dimension"`
	RegionID  string          `json:"region_id"`
	Flag      string          `json:"flag"`
	Value     json.RawMessage `json:"value"`
}

// RegionEvent is an entry of the region_events table. Payload depends on
// Kind: the flag kind, the region geometry, or the flag value.
type RegionEvent struct {
	EventID   int64           `json:"event_id"`
	Kind      string          `json:"kind"`
	Dimension string          `json:"dimension,omitempty"`
	RegionID  string          `json:"region_id,omitempty"`
	Flag      string          `json:"flag,omitempty"`
	Operator  string          `json:"operator,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Snapshot is the full persisted world as of LastEventID.
type Snapshot struct {
	NativeFlags []NativeFlag
	Regions     []Region
	Flags       []RegionFlag
	LastEventID int64
}

// PostgresRepository stores the world in PostgreSQL through a pgxpool
// connection pool.
type PostgresRepository struct {
	pool           *pgxpool.Pool
	notifyChannel  string
	eventBatchSize int
}

type Option func(*PostgresRepository)

// WithNotifyChannel sets the LISTEN/NOTIFY channel. Blank names keep the
// default "region_events".
func WithNotifyChannel(channel string) Option {
	return func(r *PostgresRepository) {
		r.notifyChannel = normalizeNotifyChannel(channel)
	}
}

// WithEventBatchSize bounds how many events ListEventsSince returns.
func WithEventBatchSize(n int) Option {
	return func(r *PostgresRepository) {
		if n > 0 {
			r.eventBatchSize = n
		}
	}
}

func NewPostgresRepository(pool *pgxpool.Pool, opts ...Option) *PostgresRepository {
	r := &PostgresRepository{
		pool:           pool,
		notifyChannel:  defaultNotifyChannel,
		eventBatchSize: defaultEventBatchSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// EventBatchSize reports the page size of ListEventsSince.
func (r *PostgresRepository) EventBatchSize() int {
	return r.eventBatchSize
}

// Ping checks database connectivity for readiness checks.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// UpsertNativeFlag records a native flag. Re-declaring a flag with the same
// kind is a no-op that records no event.
func (r *PostgresRepository) UpsertNativeFlag(ctx context.Context, operator string, flag NativeFlag) (RegionEvent, bool, error) {
	var event RegionEvent
	var created bool
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		var kind string
		err := tx.QueryRow(ctx, `SELECT kind FROM native_flags WHERE name = $1`, flag.Name).Scan(&kind)
		switch {
		case err == nil:
			if kind != flag.Kind {
				return fmt.Errorf("native flag %q is %s: %w", flag.Name, kind, ErrConflict)
			}
			return nil
		case !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("lookup native flag: %w", err)
		}

		if _, err := tx.Exec(ctx, `INSERT INTO native_flags (name, kind) VALUES ($1, $2)`, flag.Name, flag.Kind); err != nil {
			return fmt.Errorf("insert native flag: %w", err)
		}
		payload, err := json.Marshal(struct {
			Kind string `json:"kind"`
		}{flag.Kind})
		if err != nil {
			return fmt.Errorf("marshal native flag payload: %w", err)
		}
		event, err = r.publish(ctx, tx, RegionEvent{Kind: EventNativeFlag, Flag: flag.Name, Operator: operator, Payload: payload})
		created = err == nil
		return err
	})
	return event, created, err
}

// PutRegion creates or updates a region. Its flags are kept on update.
func (r *PostgresRepository) PutRegion(ctx context.Context, operator string, region Region) (RegionEvent, error) {
	var event RegionEvent
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO regions (dimension, id, priority, min_x, min_y, min_z, max_x, max_y, max_z)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (dimension, id) DO UPDATE
			SET priority = EXCLUDED.priority,
			    min_x = EXCLUDED.min_x, min_y = EXCLUDED.min_y, min_z = EXCLUDED.min_z,
			    max_x = EXCLUDED.max_x, max_y = EXCLUDED.max_y, max_z = EXCLUDED.max_z,
			    updated_at = NOW()
		`,
			region.Dimension,
			region.ID,
			region.Priority,
			region.Min[0], region.Min[1], region.Min[2],
			region.Max[0], region.Max[1], region.Max[2],
		); err != nil {
			return fmt.Errorf("upsert region: %w", err)
		}

		payload, err := marshalGeometry(region)
		if err != nil {
			return err
		}
		event, err = r.publish(ctx, tx, RegionEvent{
			Kind:      EventRegionPut,
			Dimension: region.Dimension,
			RegionID:  region.ID,
			Operator:  operator,
			Payload:   payload,
		})
		return err
	})
	return event, err
}

// DeleteRegion removes a region and its flags. Returns pgx.ErrNoRows (wrapped)
// if the region does not exist.
func (r *PostgresRepository) DeleteRegion(ctx context.Context, operator, dimension, id string) (RegionEvent, error) {
	var event RegionEvent
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM regions WHERE dimension = $1 AND id = $2`, dimension, id)
		if err != nil {
			return fmt.Errorf("delete region: %w", err)
		}
		if err := noRows(tag, "delete region"); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM region_flags WHERE dimension = $1 AND region_id = $2`, dimension, id); err != nil {
			return fmt.Errorf("delete region flags: %w", err)
		}
		event, err = r.publish(ctx, tx, RegionEvent{
			Kind:      EventRegionRemoved,
			Dimension: dimension,
			RegionID:  id,
			Operator:  operator,
		})
		return err
	})
	return event, err
}

// SetRegionFlag stores a flag value. The value is JSON and must already be
// validated against the flag kind.
func (r *PostgresRepository) SetRegionFlag(ctx context.Context, operator string, flag RegionFlag) (RegionEvent, error) {
	var event RegionEvent
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO region_flags (dimension, region_id, flag, value)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (dimension, region_id, flag) DO UPDATE
			SET value = EXCLUDED.value, updated_at = NOW()
		`, flag.Dimension, flag.RegionID, flag.Flag, ensureJSON(flag.Value, "null")); err != nil {
			return fmt.Errorf("upsert region flag: %w", err)
		}

		var err error
		event, err = r.publish(ctx, tx, RegionEvent{
			Kind:      EventFlagSet,
			Dimension: flag.Dimension,
			RegionID:  flag.RegionID,
			Flag:      flag.Flag,
			Operator:  operator,
			Payload:   ensureJSON(flag.Value, "null"),
		})
		return err
	})
	return event, err
}

// UnsetRegionFlag removes a flag value. Unsetting a flag that is not set
// still records an event.
func (r *PostgresRepository) UnsetRegionFlag(ctx context.Context, operator, dimension, regionID, flag string) (RegionEvent, error) {
	var event RegionEvent
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			DELETE FROM region_flags WHERE dimension = $1 AND region_id = $2 AND flag = $3
		`, dimension, regionID, flag); err != nil {
			return fmt.Errorf("delete region flag: %w", err)
		}

		var err error
		event, err = r.publish(ctx, tx, RegionEvent{
			Kind:      EventFlagUnset,
			Dimension: dimension,
			RegionID:  regionID,
			Flag:      flag,
			Operator:  operator,
		})
		return err
	})
	return event, err
}

// LoadSnapshot reads every native flag, region and flag value in a single
// repeatable-read transaction, along with the newest event ID it reflects.
func (r *PostgresRepository) LoadSnapshot(ctx context.Context) (Snapshot, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return Snapshot{}, fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var snap Snapshot
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(event_id), 0) FROM region_events`).Scan(&snap.LastEventID); err != nil {
		return Snapshot{}, fmt.Errorf("read last event id: %w", err)
	}

	snap.NativeFlags, err = collect(ctx, tx, `SELECT name, kind FROM native_flags ORDER BY name`, func(row pgx.Row) (NativeFlag, error) {
		var f NativeFlag
		err := row.Scan(&f.Name, &f.Kind)
		return f, err
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("list native flags: %w", err)
	}

	snap.Regions, err = collect(ctx, tx, `
		SELECT dimension, id, priority, min_x, min_y, min_z, max_x, max_y, max_z, updated_at
		FROM regions
		ORDER BY dimension, id
	`, func(row pgx.Row) (Region, error) {
		var reg Region
		err := row.Scan(
			&reg.Dimension,
			&reg.ID,
			&reg.Priority,
			&reg.Min[0], &reg.Min[1], &reg.Min[2],
			&reg.Max[0], &reg.Max[1], &reg.Max[2],
			&reg.UpdatedAt,
		)
		return reg, err
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("list regions: %w", err)
	}

	snap.Flags, err = collect(ctx, tx, `
		SELECT dimension, region_id, flag, value
		FROM region_flags
		ORDER BY dimension, region_id, flag
	`, func(row pgx.Row) (RegionFlag, error) {
		var f RegionFlag
		err := row.Scan(&f.Dimension, &f.RegionID, &f.Flag, &f.Value)
		return f, err
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("list region flags: %w", err)
	}

	return snap, nil
}

// ListEventsSince returns up to the configured batch size of events with IDs
// greater than eventID, ordered by event ID.
func (r *PostgresRepository) ListEventsSince(ctx context.Context, eventID int64) ([]RegionEvent, error) {
	events, err := collect(ctx, r.pool, `
		SELECT event_id, kind, dimension, region_id, flag, operator, payload, created_at
		FROM region_events
		WHERE event_id > $1
		ORDER BY event_id
		LIMIT $2
	`, scanEvent, eventID, r.eventBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list events since: %w", err)
	}
	return events, nil
}

// ListRecentEvents returns the newest events first, for the audit endpoint.
func (r *PostgresRepository) ListRecentEvents(ctx context.Context, limit int) ([]RegionEvent, error) {
	if limit <= 0 || limit > r.eventBatchSize {
		limit = r.eventBatchSize
	}
	events, err := collect(ctx, r.pool, `
		SELECT event_id, kind, dimension, region_id, flag, operator, payload, created_at
		FROM region_events
		ORDER BY event_id DESC
		LIMIT $1
	`, scanEvent, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent events: %w", err)
	}
	return events, nil
}

// SubscribeRegionEvents returns a channel that receives a signal whenever a
// region event notification arrives on the PostgreSQL LISTEN channel. Lost
// connections are re-established; the channel is closed when ctx ends.
func (r *PostgresRepository) SubscribeRegionEvents(ctx context.Context) (<-chan struct{}, error) {
	signals := make(chan struct{}, 1)
	go r.runListener(ctx, signals)
	return signals, nil
}

func (r *PostgresRepository) runListener(ctx context.Context, signals chan<- struct{}) {
	defer close(signals)

	for {
		err := r.listen(ctx, signals)
		if err == nil || ctx.Err() != nil {
			return
		}

		retry := time.NewTimer(listenRetryDelay)
		select {
		case <-ctx.Done():
			retry.Stop()
			return
		case <-retry.C:
		}
		// Notifications may have been missed while disconnected.
		notify(signals)
	}
}

func (r *PostgresRepository) listen(ctx context.Context, signals chan<- struct{}) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return fmt.Errorf("wait for region event notification: %w", err)
		}
		notify(signals)
	}
}

func notify(signals chan<- struct{}) {
	select {
	case signals <- struct{}{}:
	default:
	}
}

// publish inserts an event and sends NOTIFY within tx.
func (r *PostgresRepository) publish(ctx context.Context, tx pgx.Tx, event RegionEvent) (RegionEvent, error) {
	created, err := scanEvent(tx.QueryRow(ctx, `
		INSERT INTO region_events (kind, dimension, region_id, flag, operator, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING event_id, kind, dimension, region_id, flag, operator, payload, created_at
	`,
		event.Kind,
		event.Dimension,
		event.RegionID,
		event.Flag,
		event.Operator,
		ensureJSON(event.Payload, "{}"),
	))
	if err != nil {
		return RegionEvent{}, fmt.Errorf("insert region event: %w", err)
	}

	payload, err := marshalNotifyPayload(created)
	if err != nil {
		return RegionEvent{}, fmt.Errorf("marshal notify payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, payload); err != nil {
		return RegionEvent{}, fmt.Errorf("notify region event: %w", err)
	}
	return created, nil
}

func (r *PostgresRepository) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func collect[T any](ctx context.Context, q querier, sql string, scan func(pgx.Row) (T, error), args ...any) ([]T, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]T, 0)
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

func scanEvent(row pgx.Row) (RegionEvent, error) {
	var e RegionEvent
	err := row.Scan(&e.EventID, &e.Kind, &e.Dimension, &e.RegionID, &e.Flag, &e.Operator, &e.Payload, &e.CreatedAt)
	return e, err
}

func noRows(tag pgconn.CommandTag, op string) error {
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, pgx.ErrNoRows)
	}
	return nil
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}
	return defaultNotifyChannel
}

func ensureJSON(input json.RawMessage, fallback string) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(fallback)
	}
	return input
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}

type geometry struct {
	Priority int        `json:"priority"`
	Min      [3]float64 `json:"min"`
	Max      [3]float64 `json:"max"`
}

func marshalGeometry(r Region) (json.RawMessage, error) {
	payload, err := json.Marshal(geometry{Priority: r.Priority, Min: r.Min, Max: r.Max})
	if err != nil {
		return nil, fmt.Errorf("marshal region geometry: %w", err)
	}
	return payload, nil
}

// marshalNotifyPayload keeps NOTIFY payloads small: listeners re-read the
// events table rather than trusting the notification body.
func marshalNotifyPayload(event RegionEvent) (string, error) {
	serialized, err := json.Marshal(struct {
		EventID   int64  `json:"event_id"`
		Kind      string `json:"kind"`
		Dimension string `json:"dimension,omitempty"`
		RegionID  string `json:"region_id,omitempty"`
	}{
		EventID:   event.EventID,
		Kind:      event.Kind,
		Dimension: event.Dimension,
		RegionID:  event.RegionID,
	})
	if err != nil {
		return "", err
	}
	return string(serialized), nil
}
