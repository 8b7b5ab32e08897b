package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/govflow/pkg/schema"
)

// LibSQLStore implements Store on libSQL (embedded SQLite fork). Status and
// ownership changes are conditional UPDATEs; a single connection serializes
// writers inside one process and SQLite locking serializes them across
// processes sharing the file.
type LibSQLStore struct {
	db *sql.DB
}

var (
	_ Store      = (*LibSQLStore)(nil)
	_ GraphStore = (*MemoryGraph)(nil)
)

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/govflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so they go through QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Hosts ---

func (s *LibSQLStore) RegisterHost(ctx context.Context, h *Host) error {
	engines, err := marshalList(h.Engines)
	if err != nil {
		return fmt.Errorf("marshal host engines: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO hosts (id, name, engines, metadata, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, engines=excluded.engines, metadata=excluded.metadata`,
		h.ID, h.Name, engines, nullRaw(h.Metadata), timeOrNow(h.CreatedAt),
	)
	return storeErr("register host", err)
}

func (s *LibSQLStore) GetHost(ctx context.Context, id string) (*Host, error) {
	h := &Host{}
	var engines string
	var metadata sql.NullString
	var lastSeen sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, engines, metadata, created_at, last_seen_at FROM hosts WHERE id = ?`, id,
	).Scan(&h.ID, &h.Name, &engines, &metadata, &h.CreatedAt, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("host", id)
	}
	if err != nil {
		return nil, storeErr("get host", err)
	}
	h.Engines = unmarshalList(engines)
	h.Metadata = rawOrNil(metadata)
	if lastSeen.Valid {
		h.LastSeenAt = &lastSeen.Time
	}
	return h, nil
}

func (s *LibSQLStore) UpdateHostSeen(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE hosts SET last_seen_at = ? WHERE id = ?`, time.Now().UTC(), id,
	)
	if err != nil {
		return storeErr("update host", err)
	}
	return checkRowsAffected(res, "host", id)
}

func (s *LibSQLStore) ListHosts(ctx context.Context) ([]*Host, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, engines, metadata, created_at, last_seen_at FROM hosts ORDER BY created_at ASC`)
	if err != nil {
		return nil, storeErr("list hosts", err)
	}
	defer rows.Close()

	var hosts []*Host
	for rows.Next() {
		h := &Host{}
		var engines string
		var metadata sql.NullString
		var lastSeen sql.NullTime
		if err := rows.Scan(&h.ID, &h.Name, &engines, &metadata, &h.CreatedAt, &lastSeen); err != nil {
			return nil, storeErr("scan host", err)
		}
		h.Engines = unmarshalList(engines)
		h.Metadata = rawOrNil(metadata)
		if lastSeen.Valid {
			h.LastSeenAt = &lastSeen.Time
		}
		hosts = append(hosts, h)
	}
	return hosts, storeErr("list hosts", rows.Err())
}

// --- Scheduled Jobs ---

func (s *LibSQLStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	params, err := marshalParams(job.Params)
	if err != nil {
		return fmt.Errorf("marshal job params: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (id, process_name, cron_expression, params, requested_by, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.ProcessName, job.CronExpression, params, job.RequestedBy, boolInt(job.Enabled),
		nullTime(job.LastRunAt), nullTime(job.NextRunAt), nullStr(job.LastRunStatus), timeOrNow(job.CreatedAt),
	)
	return storeErr("create scheduled job", err)
}

const jobColumns = `id, process_name, cron_expression, params, requested_by, enabled, last_run_at, next_run_at, last_run_status, created_at`

func scanJob(scan func(dest ...any) error) (*ScheduledJob, error) {
	job := &ScheduledJob{}
	var params string
	var enabled int
	var lastRun, nextRun sql.NullTime
	var lastStatus sql.NullString
	if err := scan(&job.ID, &job.ProcessName, &job.CronExpression, &params, &job.RequestedBy, &enabled,
		&lastRun, &nextRun, &lastStatus, &job.CreatedAt); err != nil {
		return nil, err
	}
	job.Params = unmarshalParams(params)
	job.Enabled = enabled != 0
	job.LastRunStatus = lastStatus.String
	if lastRun.Valid {
		job.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		job.NextRunAt = &nextRun.Time
	}
	return job, nil
}

func (s *LibSQLStore) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = ?`, id)
	job, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled_job", id)
	}
	if err != nil {
		return nil, storeErr("get scheduled job", err)
	}
	return job, nil
}

func (s *LibSQLStore) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_jobs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storeErr("update scheduled job", err)
	}
	return checkRowsAffected(res, "scheduled_job", id)
}

func (s *LibSQLStore) ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*filter.Enabled))
	}
	if filter.ProcessName != "" {
		where = append(where, "process_name = ?")
		args = append(args, filter.ProcessName)
	}

	query := `SELECT ` + jobColumns + ` FROM scheduled_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list scheduled jobs", err)
	}
	defer rows.Close()

	var jobs []*ScheduledJob
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, storeErr("scan scheduled job", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, storeErr("list scheduled jobs", rows.Err())
}

func (s *LibSQLStore) DeleteScheduledJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return storeErr("delete scheduled job", err)
	}
	return checkRowsAffected(res, "scheduled_job", id)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.GovError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id).
		WithDetails(map[string]any{"resource": resource, "id": id})
}

// storeErr wraps driver errors as STORE_UNAVAILABLE; nil stays nil.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return schema.StoreUnavailable(op, err)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("rows affected", err)
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func rowsChanged(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("rows affected", err)
	}
	return n > 0, nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalList(v []string) (string, error) {
	if len(v) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(v)
	return string(b), err
}

func unmarshalList(s string) []string {
	var out []string
	if s == "" {
		return nil
	}
	_ = json.Unmarshal([]byte(s), &out)
	if len(out) == 0 {
		return nil
	}
	return out
}

func marshalParams(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func unmarshalParams(s string) map[string]string {
	if s == "" || s == "{}" {
		return nil
	}
	var out map[string]string
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func statusArgs(statuses []schema.ActionStatus) (string, []any) {
	ph := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		ph[i] = "?"
		args[i] = string(st)
	}
	return strings.Join(ph, ", "), args
}
