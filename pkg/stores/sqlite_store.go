package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const memoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// An in-memory database lives and dies with its connection.
	if cfg.Path == memoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
		return &SQLiteStore{cfg: cfg}, nil
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is alive
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// isDuplicateKey reports whether err is a primary key or unique violation.
func isDuplicateKey(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		return strings.Contains(sqliteErr.Error(), "UNIQUE constraint failed")
	}
	return false
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullString(p *string) sql.NullString {
	if p == nil || *p == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

type rowScanner interface {
	Scan(dest ...any) error
}

const instanceColumns = `region, id, worker_type, instance_type, availability_zone, image_id,
	state, spot_request_id, launched_at, last_event_at`

func scanInstance(row rowScanner) (*Instance, error) {
	var (
		inst     Instance
		srid     sql.NullString
		launched int64
		last     int64
	)
	if err := row.Scan(
		&inst.Region,
		&inst.ID,
		&inst.WorkerType,
		&inst.InstanceType,
		&inst.AvailabilityZone,
		&inst.ImageID,
		&inst.State,
		&srid,
		&launched,
		&last,
	); err != nil {
		return nil, err
	}
	if srid.Valid {
		v := srid.String
		inst.SpotRequestID = &v
	}
	inst.LaunchedAt = fromNanos(launched)
	inst.LastEventAt = fromNanos(last)
	return &inst, nil
}

// InsertInstance inserts a new instance row. An existing (region, id)
// yields ErrDuplicateKey.
func (s *SQLiteStore) InsertInstance(ctx context.Context, instance *Instance) error {
	query := `
		INSERT INTO instances (` + instanceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		instance.Region,
		instance.ID,
		instance.WorkerType,
		instance.InstanceType,
		instance.AvailabilityZone,
		instance.ImageID,
		instance.State,
		nullString(instance.SpotRequestID),
		toNanos(instance.LaunchedAt),
		toNanos(instance.LastEventAt),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("instance %s/%s: %w", instance.Region, instance.ID, ErrDuplicateKey)
		}
		return fmt.Errorf("failed to insert instance: %w", err)
	}

	return nil
}

// UpsertInstance inserts the instance or overwrites the existing row when
// the new LastEventAt is strictly later. Instances that already have a
// termination record are never written. A spot request fulfilled by the
// instance is removed in the same transaction. Returns whether the
// instance row changed.
func (s *SQLiteStore) UpsertInstance(ctx context.Context, instance *Instance) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO instances (` + instanceColumns + `)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM terminations WHERE region = ? AND id = ?)
		ON CONFLICT(region, id) DO UPDATE SET
			worker_type = excluded.worker_type,
			instance_type = excluded.instance_type,
			availability_zone = excluded.availability_zone,
			image_id = excluded.image_id,
			state = excluded.state,
			spot_request_id = COALESCE(excluded.spot_request_id, instances.spot_request_id),
			launched_at = excluded.launched_at,
			last_event_at = excluded.last_event_at
		WHERE excluded.last_event_at > instances.last_event_at
	`

	result, err := tx.ExecContext(ctx, query,
		instance.Region,
		instance.ID,
		instance.WorkerType,
		instance.InstanceType,
		instance.AvailabilityZone,
		instance.ImageID,
		instance.State,
		nullString(instance.SpotRequestID),
		toNanos(instance.LaunchedAt),
		toNanos(instance.LastEventAt),
		instance.Region,
		instance.ID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to upsert instance: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if srid := nullString(instance.SpotRequestID); srid.Valid {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM spot_requests WHERE region = ? AND id = ?`,
			instance.Region, srid.String,
		); err != nil {
			return false, fmt.Errorf("failed to remove fulfilled spot request: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return rows > 0, nil
}

// ApplyInstanceEvent sets state and LastEventAt on an existing instance only
// when the stored LastEventAt is strictly earlier than at. Returns false when
// the row is missing or the event is not newer.
func (s *SQLiteStore) ApplyInstanceEvent(ctx context.Context, region, id, state string, at time.Time) (bool, error) {
	query := `
		UPDATE instances
		SET state = ?, last_event_at = ?
		WHERE region = ? AND id = ? AND last_event_at < ?
	`

	result, err := s.db.ExecContext(ctx, query, state, toNanos(at), region, id, toNanos(at))
	if err != nil {
		return false, fmt.Errorf("failed to apply instance event: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows > 0, nil
}

// InsertInstanceFromEvent inserts an instance learned from a lifecycle
// event. If the row appeared concurrently only state and LastEventAt are
// updated, and only when newer. An instance that already has a termination
// record is never resurrected.
//
// When the instance references a tracked spot request, the request is
// removed in the same transaction and an unknown worker type, instance type
// or image is taken from it. instance is updated to what was recorded.
func (s *SQLiteStore) InsertInstanceFromEvent(ctx context.Context, instance *Instance) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if srid := nullString(instance.SpotRequestID); srid.Valid {
		var workerType, instanceType, imageID string
		err := tx.QueryRowContext(ctx,
			`SELECT worker_type, instance_type, image_id FROM spot_requests WHERE region = ? AND id = ?`,
			instance.Region, srid.String,
		).Scan(&workerType, &instanceType, &imageID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return false, fmt.Errorf("failed to get spot request: %w", err)
		default:
			if instance.WorkerType == "" || instance.WorkerType == UnknownWorkerType {
				instance.WorkerType = workerType
			}
			if instance.InstanceType == "" {
				instance.InstanceType = instanceType
			}
			if instance.ImageID == "" {
				instance.ImageID = imageID
			}

			if _, err := tx.ExecContext(ctx,
				`DELETE FROM spot_requests WHERE region = ? AND id = ?`,
				instance.Region, srid.String,
			); err != nil {
				return false, fmt.Errorf("failed to remove fulfilled spot request: %w", err)
			}
		}
	}

	query := `
		INSERT INTO instances (` + instanceColumns + `)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM terminations WHERE region = ? AND id = ?)
		ON CONFLICT(region, id) DO UPDATE SET
			state = excluded.state,
			last_event_at = excluded.last_event_at
		WHERE excluded.last_event_at > instances.last_event_at
	`

	result, err := tx.ExecContext(ctx, query,
		instance.Region,
		instance.ID,
		instance.WorkerType,
		instance.InstanceType,
		instance.AvailabilityZone,
		instance.ImageID,
		instance.State,
		nullString(instance.SpotRequestID),
		toNanos(instance.LaunchedAt),
		toNanos(instance.LastEventAt),
		instance.Region,
		instance.ID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert instance from event: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return rows > 0, nil
}

// RemoveInstance deletes the instance row and records a termination in one
// transaction. A missing row is reported as (false, nil); if the instance
// has no termination record yet, a tombstone with unknown details is
// written so a later insert of the same instance is refused.
func (s *SQLiteStore) RemoveInstance(ctx context.Context, region, id, reason string, at time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE region = ? AND id = ?`,
		region, id,
	)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		if err := recordTombstone(ctx, tx, region, id, reason, at); err != nil {
			return false, err
		}
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("failed to commit transaction: %w", err)
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get instance: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM instances WHERE region = ? AND id = ?`,
		region, id,
	); err != nil {
		return false, fmt.Errorf("failed to delete instance: %w", err)
	}

	query := `
		INSERT INTO terminations (id, region, worker_type, instance_type, availability_zone,
			image_id, reason, launched_at, last_event_at, terminated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, terminated_at) DO NOTHING
	`
	if _, err := tx.ExecContext(ctx, query,
		inst.ID,
		inst.Region,
		inst.WorkerType,
		inst.InstanceType,
		inst.AvailabilityZone,
		inst.ImageID,
		reason,
		toNanos(inst.LaunchedAt),
		toNanos(inst.LastEventAt),
		toNanos(at),
	); err != nil {
		return false, fmt.Errorf("failed to record termination: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return true, nil
}

// recordTombstone records the termination of an untracked instance unless
// one is already recorded.
func recordTombstone(ctx context.Context, tx *sql.Tx, region, id, reason string, at time.Time) error {
	query := `
		INSERT INTO terminations (id, region, worker_type, instance_type, availability_zone,
			image_id, reason, launched_at, last_event_at, terminated_at)
		SELECT ?, ?, ?, '', '', '', ?, ?, ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM terminations WHERE region = ? AND id = ?)
		ON CONFLICT(id, terminated_at) DO NOTHING
	`
	nanos := toNanos(at)
	if _, err := tx.ExecContext(ctx, query,
		id, region, UnknownWorkerType, reason, nanos, nanos, nanos,
		region, id,
	); err != nil {
		return fmt.Errorf("failed to record termination: %w", err)
	}
	return nil
}

// InstanceExists reports whether an instance row is present
func (s *SQLiteStore) InstanceExists(ctx context.Context, region, id string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM instances WHERE region = ? AND id = ?)`,
		region, id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check instance: %w", err)
	}
	return exists, nil
}

// ListInstances lists instances matching the filter
func (s *SQLiteStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM instances
		WHERE (? = '' OR worker_type = ?)
		  AND (? = '' OR region = ?)
		  AND (? = '' OR id = ?)
		  AND (? = '' OR state = ?)
		ORDER BY region, id
	`

	rows, err := s.db.QueryContext(ctx, query,
		filter.WorkerType, filter.WorkerType,
		filter.Region, filter.Region,
		filter.ID, filter.ID,
		filter.State, filter.State,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	instances := []*Instance{}
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		instances = append(instances, inst)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instances: %w", err)
	}

	return instances, nil
}

// ListTerminations lists termination records, newest first
func (s *SQLiteStore) ListTerminations(ctx context.Context, filter TerminationFilter) ([]*Termination, error) {
	query := `
		SELECT id, region, worker_type, instance_type, availability_zone, image_id,
			   reason, launched_at, last_event_at, terminated_at
		FROM terminations
		WHERE (? = '' OR worker_type = ?)
		  AND (? = '' OR region = ?)
		  AND (? = '' OR id = ?)
		ORDER BY terminated_at DESC, id
	`

	rows, err := s.db.QueryContext(ctx, query,
		filter.WorkerType, filter.WorkerType,
		filter.Region, filter.Region,
		filter.ID, filter.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list terminations: %w", err)
	}
	defer rows.Close()

	terminations := []*Termination{}
	for rows.Next() {
		var (
			t                          Termination
			launched, last, terminated int64
		)
		if err := rows.Scan(
			&t.ID,
			&t.Region,
			&t.WorkerType,
			&t.InstanceType,
			&t.AvailabilityZone,
			&t.ImageID,
			&t.Reason,
			&launched,
			&last,
			&terminated,
		); err != nil {
			return nil, fmt.Errorf("failed to scan termination: %w", err)
		}
		t.LaunchedAt = fromNanos(launched)
		t.LastEventAt = fromNanos(last)
		t.TerminatedAt = fromNanos(terminated)
		terminations = append(terminations, &t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating terminations: %w", err)
	}

	return terminations, nil
}

// InsertSpotRequest inserts a new spot request row. An existing
// (region, id) yields ErrDuplicateKey.
func (s *SQLiteStore) InsertSpotRequest(ctx context.Context, request *SpotRequest) error {
	query := `
		INSERT INTO spot_requests (region, id, worker_type, instance_type, availability_zone,
			image_id, state, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		request.Region,
		request.ID,
		request.WorkerType,
		request.InstanceType,
		request.AvailabilityZone,
		request.ImageID,
		request.State,
		request.Status,
		toNanos(request.CreatedAt),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("spot request %s/%s: %w", request.Region, request.ID, ErrDuplicateKey)
		}
		return fmt.Errorf("failed to insert spot request: %w", err)
	}

	return nil
}

// RemoveSpotRequest deletes a spot request row. Reports whether a row existed.
func (s *SQLiteStore) RemoveSpotRequest(ctx context.Context, region, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM spot_requests WHERE region = ? AND id = ?`,
		region, id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to delete spot request: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows > 0, nil
}

// ListSpotRequests lists spot requests matching the filter
func (s *SQLiteStore) ListSpotRequests(ctx context.Context, filter SpotRequestFilter) ([]*SpotRequest, error) {
	query := `
		SELECT region, id, worker_type, instance_type, availability_zone, image_id,
			   state, status, created_at
		FROM spot_requests
		WHERE (? = '' OR worker_type = ?)
		  AND (? = '' OR region = ?)
		  AND (? = '' OR id = ?)
		  AND (? = '' OR state = ?)
		ORDER BY region, id
	`

	rows, err := s.db.QueryContext(ctx, query,
		filter.WorkerType, filter.WorkerType,
		filter.Region, filter.Region,
		filter.ID, filter.ID,
		filter.State, filter.State,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list spot requests: %w", err)
	}
	defer rows.Close()

	requests := []*SpotRequest{}
	for rows.Next() {
		var (
			sr      SpotRequest
			created int64
		)
		if err := rows.Scan(
			&sr.Region,
			&sr.ID,
			&sr.WorkerType,
			&sr.InstanceType,
			&sr.AvailabilityZone,
			&sr.ImageID,
			&sr.State,
			&sr.Status,
			&created,
		); err != nil {
			return nil, fmt.Errorf("failed to scan spot request: %w", err)
		}
		sr.CreatedAt = fromNanos(created)
		requests = append(requests, &sr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating spot requests: %w", err)
	}

	return requests, nil
}

// InstanceCounts returns pending and running capacity for a worker type.
// Pending instances and open spot requests are pending; running instances
// are running.
func (s *SQLiteStore) InstanceCounts(ctx context.Context, workerType string) (*InstanceCounts, error) {
	counts := &InstanceCounts{
		Pending: []CapacityCount{},
		Running: []CapacityCount{},
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT state, instance_type, COUNT(*)
		FROM instances
		WHERE worker_type = ? AND state IN (?, ?)
		GROUP BY state, instance_type
		ORDER BY instance_type
	`, workerType, StatePending, StateRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to count instances: %w", err)
	}

	for rows.Next() {
		var (
			state string
			item  = CapacityCount{Type: CountTypeInstance}
		)
		if err := rows.Scan(&state, &item.InstanceType, &item.Count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan instance count: %w", err)
		}
		if state == StateRunning {
			counts.Running = append(counts.Running, item)
		} else {
			counts.Pending = append(counts.Pending, item)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating instance counts: %w", err)
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `
		SELECT instance_type, COUNT(*)
		FROM spot_requests
		WHERE worker_type = ? AND state = ?
		GROUP BY instance_type
		ORDER BY instance_type
	`, workerType, SpotStateOpen)
	if err != nil {
		return nil, fmt.Errorf("failed to count spot requests: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		item := CapacityCount{Type: CountTypeSpotRequest}
		if err := rows.Scan(&item.InstanceType, &item.Count); err != nil {
			return nil, fmt.Errorf("failed to scan spot request count: %w", err)
		}
		counts.Pending = append(counts.Pending, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating spot request counts: %w", err)
	}

	return counts, nil
}

// ListWorkerTypes returns the sorted worker types present in either the
// instance or the spot request table.
func (s *SQLiteStore) ListWorkerTypes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT worker_type FROM instances
		UNION
		SELECT worker_type FROM spot_requests
		ORDER BY worker_type
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list worker types: %w", err)
	}
	defer rows.Close()

	workerTypes := []string{}
	for rows.Next() {
		var wt string
		if err := rows.Scan(&wt); err != nil {
			return nil, fmt.Errorf("failed to scan worker type: %w", err)
		}
		workerTypes = append(workerTypes, wt)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating worker types: %w", err)
	}

	return workerTypes, nil
}

// ReportAmiUsage records that an image was used. The stored timestamp never
// moves backwards.
func (s *SQLiteStore) ReportAmiUsage(ctx context.Context, region, imageID string, at time.Time) error {
	query := `
		INSERT INTO ami_usage (region, image_id, last_used_at)
		VALUES (?, ?, ?)
		ON CONFLICT(region, image_id) DO UPDATE SET
			last_used_at = MAX(ami_usage.last_used_at, excluded.last_used_at)
	`

	if _, err := s.db.ExecContext(ctx, query, region, imageID, toNanos(at)); err != nil {
		return fmt.Errorf("failed to report ami usage: %w", err)
	}

	return nil
}

// ListAmiUsage lists image usage records
func (s *SQLiteStore) ListAmiUsage(ctx context.Context) ([]*AmiUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT region, image_id, last_used_at
		FROM ami_usage
		ORDER BY region, image_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list ami usage: %w", err)
	}
	defer rows.Close()

	usage := []*AmiUsage{}
	for rows.Next() {
		var (
			u    AmiUsage
			last int64
		)
		if err := rows.Scan(&u.Region, &u.ImageID, &last); err != nil {
			return nil, fmt.Errorf("failed to scan ami usage: %w", err)
		}
		u.LastUsedAt = fromNanos(last)
		usage = append(usage, &u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ami usage: %w", err)
	}

	return usage, nil
}

// ReportEbsUsage replaces the volume counters of a region with the given
// snapshot. Buckets absent from the snapshot are dropped.
func (s *SQLiteStore) ReportEbsUsage(ctx context.Context, region string, usage []EbsUsage, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO ebs_usage (region, volume_type, state, total_count, total_gb, touched_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(region, volume_type, state) DO UPDATE SET
			total_count = excluded.total_count,
			total_gb = excluded.total_gb,
			touched_at = excluded.touched_at
	`
	for _, u := range usage {
		if _, err := tx.ExecContext(ctx, query,
			region, u.VolumeType, u.State, u.TotalCount, u.TotalGB, toNanos(at),
		); err != nil {
			return fmt.Errorf("failed to report ebs usage: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM ebs_usage WHERE region = ? AND touched_at < ?`,
		region, toNanos(at),
	); err != nil {
		return fmt.Errorf("failed to prune ebs usage: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// ListEbsUsage lists volume counters
func (s *SQLiteStore) ListEbsUsage(ctx context.Context) ([]*EbsUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT region, volume_type, state, total_count, total_gb, touched_at
		FROM ebs_usage
		ORDER BY region, volume_type, state
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list ebs usage: %w", err)
	}
	defer rows.Close()

	usage := []*EbsUsage{}
	for rows.Next() {
		var (
			u       EbsUsage
			touched int64
		)
		if err := rows.Scan(&u.Region, &u.VolumeType, &u.State, &u.TotalCount, &u.TotalGB, &touched); err != nil {
			return nil, fmt.Errorf("failed to scan ebs usage: %w", err)
		}
		u.TouchedAt = fromNanos(touched)
		usage = append(usage, &u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ebs usage: %w", err)
	}

	return usage, nil
}

// RecordError appends a provider failure record
func (s *SQLiteStore) RecordError(ctx context.Context, record *ErrorRecord) error {
	query := `
		INSERT INTO cloud_errors (worker_type, region, availability_zone, instance_type, code, message, time)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		record.WorkerType,
		record.Region,
		record.AvailabilityZone,
		record.InstanceType,
		record.Code,
		record.Message,
		toNanos(record.Time),
	)
	if err != nil {
		return fmt.Errorf("failed to record error: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get error ID: %w", err)
	}

	record.ID = id
	return nil
}

// GetRecentErrors returns the newest error records, optionally for one
// worker type. A non-positive limit defaults to 100.
func (s *SQLiteStore) GetRecentErrors(ctx context.Context, workerType string, limit int) ([]*ErrorRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, worker_type, region, availability_zone, instance_type, code, message, time
		FROM cloud_errors
		WHERE (? = '' OR worker_type = ?)
		ORDER BY time DESC, id DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, workerType, workerType, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent errors: %w", err)
	}
	defer rows.Close()

	records := []*ErrorRecord{}
	for rows.Next() {
		var (
			r  ErrorRecord
			ts int64
		)
		if err := rows.Scan(
			&r.ID,
			&r.WorkerType,
			&r.Region,
			&r.AvailabilityZone,
			&r.InstanceType,
			&r.Code,
			&r.Message,
			&ts,
		); err != nil {
			return nil, fmt.Errorf("failed to scan error record: %w", err)
		}
		r.Time = fromNanos(ts)
		records = append(records, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating error records: %w", err)
	}

	return records, nil
}

// GetHealth summarises running capacity, terminations and provider errors
// since the given time, optionally for one worker type.
func (s *SQLiteStore) GetHealth(ctx context.Context, workerType string, since time.Time) (*Health, error) {
	health := &Health{
		Since:        since.UTC(),
		Running:      []RunningHealth{},
		Terminations: []TerminationHealth{},
		Errors:       []ErrorHealth{},
	}

	if err := s.queryEach(ctx, func(row rowScanner) error {
		var h RunningHealth
		if err := row.Scan(&h.Region, &h.AvailabilityZone, &h.InstanceType, &h.Running); err != nil {
			return err
		}
		health.Running = append(health.Running, h)
		return nil
	}, `
		SELECT region, availability_zone, instance_type, COUNT(*)
		FROM instances
		WHERE state = ? AND (? = '' OR worker_type = ?)
		GROUP BY region, availability_zone, instance_type
		ORDER BY region, availability_zone, instance_type
	`, StateRunning, workerType, workerType); err != nil {
		return nil, fmt.Errorf("failed to get running health: %w", err)
	}

	if err := s.queryEach(ctx, func(row rowScanner) error {
		var h TerminationHealth
		if err := row.Scan(&h.Region, &h.InstanceType, &h.Reason, &h.Count); err != nil {
			return err
		}
		health.Terminations = append(health.Terminations, h)
		return nil
	}, `
		SELECT region, instance_type, reason, COUNT(*)
		FROM terminations
		WHERE terminated_at >= ? AND (? = '' OR worker_type = ?)
		GROUP BY region, instance_type, reason
		ORDER BY region, instance_type, reason
	`, toNanos(since), workerType, workerType); err != nil {
		return nil, fmt.Errorf("failed to get termination health: %w", err)
	}

	if err := s.queryEach(ctx, func(row rowScanner) error {
		var h ErrorHealth
		if err := row.Scan(&h.Region, &h.Code, &h.Count); err != nil {
			return err
		}
		health.Errors = append(health.Errors, h)
		return nil
	}, `
		SELECT region, code, COUNT(*)
		FROM cloud_errors
		WHERE time >= ? AND (? = '' OR worker_type = ?)
		GROUP BY region, code
		ORDER BY region, code
	`, toNanos(since), workerType, workerType); err != nil {
		return nil, fmt.Errorf("failed to get error health: %w", err)
	}

	return health, nil
}

// queryEach runs query and calls fn for every row
func (s *SQLiteStore) queryEach(ctx context.Context, fn func(rowScanner) error, query string, args ...any) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

var _ Store = (*SQLiteStore)(nil)
