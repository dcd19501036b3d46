// Package sql implements the storage.Storage contract on a relational
// database through sqlx. The default driver is SQLite; the SQL sticks
// to portable single-row statements so other drivers stay in reach.
package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/procflow/procflow/pkg/storage"
)

type Store struct {
	db     *sqlx.DB
	logger hclog.Logger
}

var _ storage.Storage = &Store{}

// NewStore wraps an open connection and ensures the schema exists.
func NewStore(db *sqlx.DB, logger hclog.Logger) (*Store, error) {
	s := Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	s.logger.Debug("database schema ensured")
	return &s, nil
}

// Connect opens the database, applies the connection pragmas and
// ensures the schema.
func Connect(driver string, dsn string, logger hclog.Logger) (*Store, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if driver == "sqlite3" {
		if err := configureSQLite(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to configure sqlite: %w", err)
		}
	}
	return NewStore(db, logger)
}

func configureSQLite(db *sqlx.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=30000;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return err
		}
	}
	// claims are single-row transactions; one writer at a time is enough
	db.SetMaxOpenConns(1)
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS process_definitions (
		id      TEXT    NOT NULL,
		version INTEGER NOT NULL,
		name    TEXT    NOT NULL,
		data    BLOB    NOT NULL,
		PRIMARY KEY (id, version)
	);

	CREATE TABLE IF NOT EXISTS process_instances (
		id                 TEXT PRIMARY KEY,
		definition_id      TEXT    NOT NULL,
		definition_version INTEGER NOT NULL,
		data               BLOB    NOT NULL,
		status             INTEGER NOT NULL,
		next_execution     DATETIME,
		lock_name          TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_process_instances_due
		ON process_instances (status, next_execution);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) CreateProcessDefinition(ctx context.Context, definition storage.ProcessDefinition) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO process_definitions (id, version, name, data)
		VALUES (:id, :version, :name, :data)`, definition)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("definition %s version %d: %w", definition.Id, definition.Version, storage.ErrDefinitionExists)
		}
		return err
	}
	return nil
}

func (s *Store) FindProcessDefinition(ctx context.Context, id uuid.UUID, version int32) (storage.ProcessDefinition, error) {
	var def storage.ProcessDefinition
	err := s.db.GetContext(ctx, &def, `
		SELECT id, version, name, data FROM process_definitions
		WHERE id = ? AND version = ?`, id, version)
	if errors.Is(err, sql.ErrNoRows) {
		return def, fmt.Errorf("definition %s version %d: %w", id, version, storage.ErrNotFound)
	}
	return def, err
}

func (s *Store) FindLatestProcessDefinition(ctx context.Context, id uuid.UUID) (storage.ProcessDefinition, error) {
	var def storage.ProcessDefinition
	err := s.db.GetContext(ctx, &def, `
		SELECT id, version, name, data FROM process_definitions
		WHERE id = ? ORDER BY version DESC LIMIT 1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return def, fmt.Errorf("definition %s: %w", id, storage.ErrNotFound)
	}
	return def, err
}

func (s *Store) FindProcessDefinitions(ctx context.Context, id uuid.UUID) ([]storage.ProcessDefinition, error) {
	var defs []storage.ProcessDefinition
	err := s.db.SelectContext(ctx, &defs, `
		SELECT id, version, name, data FROM process_definitions
		WHERE id = ? ORDER BY version ASC`, id)
	return defs, err
}

func (s *Store) DeleteProcessDefinitions(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM process_definitions WHERE id = ?`, id)
	return err
}

func (s *Store) CreateProcessInstance(ctx context.Context, instance storage.ProcessInstance) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO process_instances (id, definition_id, definition_version, data, status, next_execution, lock_name)
		VALUES (:id, :definition_id, :definition_version, :data, :status, :next_execution, :lock_name)`, instance)
	return err
}

func (s *Store) FindProcessInstance(ctx context.Context, id uuid.UUID) (storage.ProcessInstance, error) {
	var inst storage.ProcessInstance
	err := s.db.GetContext(ctx, &inst, `
		SELECT id, definition_id, definition_version, data, status, next_execution, lock_name
		FROM process_instances WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return inst, fmt.Errorf("instance %s: %w", id, storage.ErrNotFound)
	}
	return inst, err
}

func (s *Store) ListProcessInstances(ctx context.Context, status storage.InstanceStatus) ([]storage.ProcessInstance, error) {
	var instances []storage.ProcessInstance
	if status == storage.InstanceStatusAny {
		err := s.db.SelectContext(ctx, &instances, `
			SELECT id, definition_id, definition_version, data, status, next_execution, lock_name
			FROM process_instances ORDER BY id`)
		return instances, err
	}
	err := s.db.SelectContext(ctx, &instances, `
		SELECT id, definition_id, definition_version, data, status, next_execution, lock_name
		FROM process_instances WHERE status = ? ORDER BY id`, status)
	return instances, err
}

func (s *Store) DeleteProcessInstance(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM process_instances WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("instance %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// ClaimNextDue selects one due instance and flips it to EXECUTING inside
// a single transaction. The UPDATE re-checks the SCHEDULED status, so a
// racing claim that got there first makes this one a no-op.
func (s *Store) ClaimNextDue(ctx context.Context, lockName string, now time.Time) (*storage.ProcessInstance, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var inst storage.ProcessInstance
	err = tx.GetContext(ctx, &inst, `
		SELECT id, definition_id, definition_version, data, status, next_execution, lock_name
		FROM process_instances
		WHERE status = ? AND next_execution IS NOT NULL AND next_execution <= ?
		ORDER BY next_execution ASC LIMIT 1`,
		storage.InstanceStatusScheduled, now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE process_instances
		SET status = ?, lock_name = ?, next_execution = NULL
		WHERE id = ? AND status = ?`,
		storage.InstanceStatusExecuting, lockName, inst.Id, storage.InstanceStatusScheduled)
	if err != nil {
		return nil, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	inst.Status = storage.InstanceStatusExecuting
	inst.LockName = &lockName
	inst.NextExecution = nil
	return &inst, nil
}

func (s *Store) PersistInstanceData(ctx context.Context, id uuid.UUID, data []byte) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE process_instances SET data = ?
		WHERE id = ? AND status = ?`,
		data, id, storage.InstanceStatusExecuting)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return s.instanceConflict(ctx, id, storage.ErrNotLocked)
	}
	return nil
}

func (s *Store) UpdateScheduledInstance(ctx context.Context, id uuid.UUID, data []byte, nextExecution *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE process_instances SET data = ?, next_execution = ?
		WHERE id = ? AND status = ?`,
		data, nextExecution, id, storage.InstanceStatusScheduled)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return s.instanceConflict(ctx, id, storage.ErrLocked)
	}
	return nil
}

func (s *Store) Release(ctx context.Context, id uuid.UUID, newStatus storage.InstanceStatus, nextExecution *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE process_instances SET status = ?, lock_name = NULL, next_execution = ?
		WHERE id = ? AND status = ?`,
		newStatus, nextExecution, id, storage.InstanceStatusExecuting)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return s.instanceConflict(ctx, id, storage.ErrNotLocked)
	}
	return nil
}

func (s *Store) ResetInstanceLocks(ctx context.Context, lockName string, fromStatus storage.InstanceStatus, toStatus storage.InstanceStatus) (int64, error) {
	var res sql.Result
	var err error
	if toStatus == storage.InstanceStatusScheduled {
		res, err = s.db.ExecContext(ctx, `
			UPDATE process_instances SET status = ?, lock_name = NULL, next_execution = ?
			WHERE status = ? AND lock_name = ?`,
			toStatus, time.Now(), fromStatus, lockName)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE process_instances SET status = ?, lock_name = NULL
			WHERE status = ? AND lock_name = ?`,
			toStatus, fromStatus, lockName)
	}
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// instanceConflict distinguishes a missing instance from one in the
// wrong state after an affected-zero-rows update.
func (s *Store) instanceConflict(ctx context.Context, id uuid.UUID, stateErr error) error {
	var count int
	if err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM process_instances WHERE id = ?`, id); err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("instance %s: %w", id, storage.ErrNotFound)
	}
	return fmt.Errorf("instance %s: %w", id, stateErr)
}

func isUniqueViolation(err error) bool {
	// both go-sqlite3 and mysql drivers spell this out in the message;
	// matching the text avoids a hard dependency on driver error types
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "Duplicate entry")
}
