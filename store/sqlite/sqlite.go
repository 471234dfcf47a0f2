// Package sqlite is Loom's default embedded Store, backed by the pure-Go
// modernc.org/sqlite driver so the module has no cgo dependency: same
// pragma handling, an UPDATE ... RETURNING claim idiom, and one
// transaction per bundle of events, tasks and status changes.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migsqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/loomrun/loom/core"
	"github.com/loomrun/loom/log"
	"github.com/loomrun/loom/store"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Backend is the sqlite-backed Store implementation.
type Backend struct {
	db       *sql.DB
	workerID string
	logger   *slog.Logger
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger overrides the backend's logger. The default discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) { b.logger = logger }
}

// NewInMemory opens an in-process, non-persistent database. Intended for
// tests and the tester package.
func NewInMemory(opts ...Option) (*Backend, error) {
	return open("file::memory:?cache=shared", true, opts...)
}

// New opens (creating if necessary) a sqlite database file at path.
func New(path string, opts ...Option) (*Backend, error) {
	return open(fmt.Sprintf("file:%s", path), false, opts...)
}

func open(dsn string, inMemory bool, opts ...Option) (*Backend, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening sqlite database")
	}

	if inMemory {
		db.SetMaxOpenConns(1)
	} else {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			return nil, errors.Wrap(err, "setting journal_mode")
		}
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, errors.Wrap(err, "setting busy_timeout")
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, errors.Wrap(err, "enabling foreign keys")
	}

	b := &Backend{
		db:       db,
		workerID: fmt.Sprintf("worker-%s", uuid.NewString()),
		logger:   slog.New(slog.DiscardHandler),
	}

	for _, opt := range opts {
		opt(b)
	}

	if err := b.migrate(); err != nil {
		return nil, err
	}

	return b, nil
}

func (b *Backend) migrate() error {
	driver, err := migsqlite.WithInstance(b.db, &migsqlite.Config{})
	if err != nil {
		return errors.Wrap(err, "creating migration driver")
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return errors.Wrap(err, "creating migration source")
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return errors.Wrap(err, "creating migrator")
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "applying migrations")
	}

	return nil
}

func (b *Backend) Close() error {
	return b.db.Close()
}

func (b *Backend) CreateWorkflow(ctx context.Context, wf *core.WorkflowInstance, initialState json.RawMessage) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	wf.CreatedAt, wf.UpdatedAt = now, now
	wf.Status = core.WorkflowStatusRunning

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO workflows (id, name, version, status, input, created_at, updated_at, parent_workflow_id) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.Name, wf.Version, wf.Status, string(wf.Input), wf.CreatedAt, wf.UpdatedAt, wf.ParentWorkflowID,
	)
	if err != nil {
		return errors.Wrap(err, "inserting workflow row")
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return store.ErrInstanceAlreadyExists
	}

	startedPayload, err := json.Marshal(core.WorkflowStartedPayload{Input: wf.Input})
	if err != nil {
		return errors.Wrap(err, "encoding WORKFLOW_STARTED payload")
	}

	if err := insertEvents(ctx, tx, wf.ID, []core.Event{{
		Type:      core.EventWorkflowStarted,
		Payload:   startedPayload,
		CreatedAt: now,
	}}); err != nil {
		return err
	}

	if err := insertTask(ctx, tx, core.Task{
		ID:          uuid.NewString(),
		WorkflowID:  wf.ID,
		Kind:        core.TaskStep,
		Target:      "",
		RunAt:       now,
		Status:      core.TaskPending,
		MaxAttempts: 1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "committing CreateWorkflow")
	}

	return nil
}

func insertEvents(ctx context.Context, tx *sql.Tx, workflowID string, events []core.Event) error {
	for _, e := range events {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO events (workflow_id, type, payload, created_at) VALUES (?, ?, ?, ?)`,
			workflowID, string(e.Type), string(e.Payload), e.CreatedAt,
		); err != nil {
			return errors.Wrap(err, "inserting event")
		}
	}
	return nil
}

func insertTask(ctx context.Context, tx *sql.Tx, t core.Task) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO tasks (id, workflow_id, kind, target, run_at, status, attempts, max_attempts, last_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.WorkflowID, string(t.Kind), t.Target, t.RunAt, string(t.Status), t.Attempts, t.MaxAttempts, t.LastError, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "inserting task")
	}
	return nil
}

func (b *Backend) CommitStep(ctx context.Context, workflowID string, events []core.Event, tasks []core.Task, newStatus *core.WorkflowStatus) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for i := range events {
		if events[i].CreatedAt.IsZero() {
			events[i].CreatedAt = now
		}
	}

	if err := insertEvents(ctx, tx, workflowID, events); err != nil {
		return err
	}

	for _, t := range tasks {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if t.WorkflowID == "" {
			t.WorkflowID = workflowID
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt, t.UpdatedAt = now, now
		}
		if t.Status == "" {
			t.Status = core.TaskPending
		}
		if t.MaxAttempts == 0 {
			t.MaxAttempts = 1
		}
		if err := insertTask(ctx, tx, t); err != nil {
			return err
		}
	}

	if newStatus != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE workflows SET status = ?, updated_at = ? WHERE id = ?`,
			string(*newStatus), now, workflowID,
		); err != nil {
			return errors.Wrap(err, "updating workflow status")
		}
	} else {
		if _, err := tx.ExecContext(ctx, `UPDATE workflows SET updated_at = ? WHERE id = ?`, now, workflowID); err != nil {
			return errors.Wrap(err, "touching workflow row")
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "committing step")
	}

	return nil
}

func (b *Backend) LoadHistory(ctx context.Context, workflowID string) ([]core.Event, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, workflow_id, type, payload, created_at FROM events WHERE workflow_id = ? ORDER BY id ASC`,
		workflowID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "querying history")
	}
	defer rows.Close()

	var events []core.Event
	for rows.Next() {
		var e core.Event
		var typ string
		var payload string
		if err := rows.Scan(&e.Ordinal, &e.WorkflowID, &typ, &payload, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scanning event")
		}
		e.Type = core.EventType(typ)
		e.Payload = json.RawMessage(payload)
		events = append(events, e)
	}

	return events, rows.Err()
}

func (b *Backend) GetWorkflow(ctx context.Context, workflowID string) (*core.WorkflowInstance, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT id, name, version, status, input, created_at, updated_at, parent_workflow_id FROM workflows WHERE id = ?`,
		workflowID,
	)

	var wf core.WorkflowInstance
	var status, input string
	if err := row.Scan(&wf.ID, &wf.Name, &wf.Version, &status, &input, &wf.CreatedAt, &wf.UpdatedAt, &wf.ParentWorkflowID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrInstanceNotFound
		}
		return nil, errors.Wrap(err, "scanning workflow")
	}
	wf.Status = core.WorkflowStatus(status)
	wf.Input = json.RawMessage(input)

	return &wf, nil
}

func (b *Backend) ListWorkflows(ctx context.Context, status core.WorkflowStatus, limit int) ([]*core.WorkflowInstance, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = b.db.QueryContext(ctx,
			`SELECT id, name, version, status, input, created_at, updated_at, parent_workflow_id FROM workflows ORDER BY created_at DESC LIMIT ?`,
			limit,
		)
	} else {
		rows, err = b.db.QueryContext(ctx,
			`SELECT id, name, version, status, input, created_at, updated_at, parent_workflow_id FROM workflows WHERE status = ? ORDER BY created_at DESC LIMIT ?`,
			string(status), limit,
		)
	}
	if err != nil {
		return nil, errors.Wrap(err, "listing workflows")
	}
	defer rows.Close()

	var out []*core.WorkflowInstance
	for rows.Next() {
		wf := &core.WorkflowInstance{}
		var s, input string
		if err := rows.Scan(&wf.ID, &wf.Name, &wf.Version, &s, &input, &wf.CreatedAt, &wf.UpdatedAt, &wf.ParentWorkflowID); err != nil {
			return nil, errors.Wrap(err, "scanning workflow")
		}
		wf.Status = core.WorkflowStatus(s)
		wf.Input = json.RawMessage(input)
		out = append(out, wf)
	}

	return out, rows.Err()
}

// ClaimNextTask picks the oldest claimable PENDING task in a single
// UPDATE ... RETURNING statement. A STEP task is only claimable when the
// owning workflow has no STEP task currently RUNNING (invariants O3/T4);
// ACTIVITY and TIMER tasks have no such restriction.
func (b *Backend) ClaimNextTask(ctx context.Context, workerID string, now time.Time) (*core.Task, error) {
	row := b.db.QueryRowContext(ctx, `
		UPDATE tasks
		SET status = 'RUNNING', attempts = attempts + 1, worker_id = ?, updated_at = ?
		WHERE id = (
			SELECT t.id FROM tasks t
			WHERE t.status = 'PENDING'
			  AND t.run_at <= ?
			  AND (
			    t.kind != 'STEP'
			    OR NOT EXISTS (
			        SELECT 1 FROM tasks r
			        WHERE r.workflow_id = t.workflow_id AND r.kind = 'STEP' AND r.status = 'RUNNING'
			    )
			  )
			ORDER BY t.run_at ASC
			LIMIT 1
		)
		RETURNING id, workflow_id, kind, target, run_at, status, attempts, max_attempts, last_error, created_at, updated_at
	`, workerID, now, now)

	var t core.Task
	var kind, status string
	var lastError sql.NullString
	err := row.Scan(&t.ID, &t.WorkflowID, &kind, &t.Target, &t.RunAt, &status, &t.Attempts, &t.MaxAttempts, &lastError, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "claiming task")
	}

	t.Kind = core.TaskKind(kind)
	t.Status = core.TaskStatus(status)
	t.LastError = lastError.String

	return &t, nil
}

func (b *Backend) CompleteTask(ctx context.Context, taskID string) error {
	res, err := b.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'COMPLETED', updated_at = ? WHERE id = ? AND status = 'RUNNING'`,
		time.Now().UTC(), taskID,
	)
	if err != nil {
		return errors.Wrap(err, "completing task")
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return store.ErrTaskNotClaimable
	}
	return nil
}

func (b *Backend) FailTask(ctx context.Context, taskID string, errMsg string, retryAt *time.Time) error {
	now := time.Now().UTC()

	if retryAt != nil {
		res, err := b.db.ExecContext(ctx,
			`UPDATE tasks SET status = 'PENDING', run_at = ?, last_error = ?, updated_at = ? WHERE id = ? AND status = 'RUNNING'`,
			*retryAt, errMsg, now, taskID,
		)
		if err != nil {
			return errors.Wrap(err, "scheduling task retry")
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return store.ErrTaskNotClaimable
		}
		return nil
	}

	res, err := b.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'FAILED', last_error = ?, updated_at = ? WHERE id = ? AND status = 'RUNNING'`,
		errMsg, now, taskID,
	)
	if err != nil {
		return errors.Wrap(err, "failing task")
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return store.ErrTaskNotClaimable
	}
	return nil
}

func (b *Backend) AppendSignal(ctx context.Context, workflowID, name string, payload json.RawMessage) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM workflows WHERE id = ?`, workflowID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrInstanceNotFound
		}
		return errors.Wrap(err, "checking workflow existence")
	}

	now := time.Now().UTC()
	signalPayload, err := json.Marshal(core.SignalReceivedPayload{Name: name, Payload: payload})
	if err != nil {
		return errors.Wrap(err, "encoding signal payload")
	}

	if err := insertEvents(ctx, tx, workflowID, []core.Event{{
		Type:      core.EventSignalReceived,
		Payload:   signalPayload,
		CreatedAt: now,
	}}); err != nil {
		return err
	}

	var pendingStep int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM tasks WHERE workflow_id = ? AND kind = 'STEP' AND status IN ('PENDING', 'RUNNING') LIMIT 1`,
		workflowID,
	).Scan(&pendingStep)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return errors.Wrap(err, "checking pending step task")
	}
	if errors.Is(err, sql.ErrNoRows) {
		if err := insertTask(ctx, tx, core.Task{
			ID:          uuid.NewString(),
			WorkflowID:  workflowID,
			Kind:        core.TaskStep,
			RunAt:       now,
			Status:      core.TaskPending,
			MaxAttempts: 1,
			CreatedAt:   now,
			UpdatedAt:   now,
		}); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "committing signal")
	}
	b.logger.DebugContext(ctx, "signal delivered", log.SignalNameKey, name, log.WorkflowIDKey, workflowID)
	return nil
}

func (b *Backend) CancelWorkflow(ctx context.Context, workflowID, reason string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback()

	var status, parentID string
	if err := tx.QueryRowContext(ctx, `SELECT status, parent_workflow_id FROM workflows WHERE id = ?`, workflowID).Scan(&status, &parentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrInstanceNotFound
		}
		return errors.Wrap(err, "loading workflow status")
	}
	if core.WorkflowStatus(status).IsTerminal() {
		return store.ErrWorkflowTerminal
	}

	now := time.Now().UTC()
	cancelPayload, err := json.Marshal(core.WorkflowCancelledPayload{Reason: reason})
	if err != nil {
		return errors.Wrap(err, "encoding cancellation payload")
	}

	if err := insertEvents(ctx, tx, workflowID, []core.Event{{
		Type:      core.EventWorkflowCancelled,
		Payload:   cancelPayload,
		CreatedAt: now,
	}}); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE workflows SET status = 'CANCELLED', updated_at = ? WHERE id = ?`,
		now, workflowID,
	); err != nil {
		return errors.Wrap(err, "marking workflow cancelled")
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "committing cancellation")
	}

	if parentID != "" {
		childPayload, err := json.Marshal(core.ChildCompletedPayload{Status: core.WorkflowStatusCancelled, Error: reason})
		if err != nil {
			b.logger.ErrorContext(ctx, "encoding child cancellation signal failed", "error", err)
			return nil
		}
		if err := b.AppendSignal(ctx, parentID, core.ChildCompletedSignal(workflowID), childPayload); err != nil {
			b.logger.ErrorContext(ctx, "notifying parent of child cancellation failed", "error", err, "parent_workflow_id", parentID, log.WorkflowIDKey, workflowID)
		}
	}

	return nil
}

func (b *Backend) AppendLog(ctx context.Context, workflowID, level, message string) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO logs (workflow_id, level, message, created_at) VALUES (?, ?, ?, ?)`,
		workflowID, strings.ToUpper(level), message, time.Now().UTC(),
	)
	if err != nil {
		return errors.Wrap(err, "appending log")
	}
	return nil
}

var _ store.Store = (*Backend)(nil)
