package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/govflow/pkg/schema"
)

const actionColumns = `guid, qualified_name, domain, display_name, description, engine_name, request_type,
	request_parameters, mandatory_guards, received_guards, status, start_at_ms, owner, completion_time,
	completion_guards, completion_message, process_step_guid, process_step_name, process_name, anchor_guid,
	ignore_multiple, created_at, updated_at`

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *LibSQLStore) CreateAction(ctx context.Context, a *EngineAction) error {
	params, err := marshalParams(a.RequestParameters)
	if err != nil {
		return fmt.Errorf("marshal request parameters: %w", err)
	}
	mandatory, _ := marshalList(a.MandatoryGuards)
	received, _ := marshalList(a.ReceivedGuards)
	completion, _ := marshalList(a.CompletionGuards)

	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = a.CreatedAt

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin create action", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO engine_actions (`+actionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.GUID, a.QualifiedName, a.Domain, nullStr(a.DisplayName), nullStr(a.Description), a.EngineName, a.RequestType,
		params, mandatory, received, string(a.Status), toMillis(a.StartTime), nullStr(a.ProcessingEngineUserID),
		nullTime(a.CompletionTime), completion, nullStr(a.CompletionMessage), nullStr(a.ProcessStepGUID),
		nullStr(a.ProcessStepName), nullStr(a.ProcessName), nullStr(a.AnchorGUID), boolInt(a.IgnoreMultipleTriggers),
		a.CreatedAt, a.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return RequestedConflict(a).WithCause(err)
	}
	if err != nil {
		return storeErr("insert action", err)
	}

	for i := range a.Targets {
		a.Targets[i].ActionGUID = a.GUID
		if err := insertTarget(ctx, tx, &a.Targets[i]); err != nil {
			return err
		}
	}
	for i := range a.Sources {
		a.Sources[i].ActionGUID = a.GUID
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO request_sources (action_guid, source_name, element_guid) VALUES (?, ?, ?)`,
			a.GUID, a.Sources[i].SourceName, a.Sources[i].ElementGUID); err != nil {
			return storeErr("insert request source", err)
		}
	}

	return storeErr("commit create action", tx.Commit())
}

func insertTarget(ctx context.Context, q queryer, t *ActionTarget) error {
	if t.GUID == "" {
		t.GUID = uuid.New().String()
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO action_targets (guid, action_guid, target_name, element_guid, status, start_time, completion_time, completion_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.GUID, t.ActionGUID, t.TargetName, t.ElementGUID, nullStr(string(t.Status)),
		nullTime(t.StartTime), nullTime(t.CompletionTime), nullStr(t.CompletionMessage),
	)
	return storeErr("insert action target", err)
}

func (s *LibSQLStore) GetAction(ctx context.Context, guid string) (*EngineAction, error) {
	return getAction(ctx, s.db, guid)
}

func getAction(ctx context.Context, q queryer, guid string) (*EngineAction, error) {
	row := q.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM engine_actions WHERE guid = ?`, guid)
	a, err := scanAction(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("engine action", guid).WithReason(schema.ReasonUnknownAction)
	}
	if err != nil {
		return nil, storeErr("get action", err)
	}
	if err := loadRelations(ctx, q, a); err != nil {
		return nil, err
	}
	return a, nil
}

func scanAction(scan func(dest ...any) error) (*EngineAction, error) {
	a := &EngineAction{}
	var (
		display, desc, owner, message            sql.NullString
		stepGUID, stepName, processName, anchor  sql.NullString
		params, mandatory, received, completion string
		status                                  string
		startMs                                 int64
		completedAt                             sql.NullTime
		ignore                                  int
	)
	if err := scan(&a.GUID, &a.QualifiedName, &a.Domain, &display, &desc, &a.EngineName, &a.RequestType,
		&params, &mandatory, &received, &status, &startMs, &owner, &completedAt,
		&completion, &message, &stepGUID, &stepName, &processName, &anchor,
		&ignore, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.DisplayName = display.String
	a.Description = desc.String
	a.RequestParameters = unmarshalParams(params)
	a.MandatoryGuards = unmarshalList(mandatory)
	a.ReceivedGuards = unmarshalList(received)
	a.Status = schema.ActionStatus(status)
	a.StartTime = fromMillis(startMs)
	a.ProcessingEngineUserID = owner.String
	if completedAt.Valid {
		a.CompletionTime = &completedAt.Time
	}
	a.CompletionGuards = unmarshalList(completion)
	a.CompletionMessage = message.String
	a.ProcessStepGUID = stepGUID.String
	a.ProcessStepName = stepName.String
	a.ProcessName = processName.String
	a.AnchorGUID = anchor.String
	a.IgnoreMultipleTriggers = ignore != 0
	return a, nil
}

func loadRelations(ctx context.Context, q queryer, a *EngineAction) error {
	rows, err := q.QueryContext(ctx,
		`SELECT guid, action_guid, target_name, element_guid, status, start_time, completion_time, completion_message
		 FROM action_targets WHERE action_guid = ? ORDER BY rowid`, a.GUID)
	if err != nil {
		return storeErr("list action targets", err)
	}
	for rows.Next() {
		var t ActionTarget
		var status, message sql.NullString
		var started, completed sql.NullTime
		if err := rows.Scan(&t.GUID, &t.ActionGUID, &t.TargetName, &t.ElementGUID, &status, &started, &completed, &message); err != nil {
			rows.Close()
			return storeErr("scan action target", err)
		}
		t.Status = schema.ActionStatus(status.String)
		t.CompletionMessage = message.String
		if started.Valid {
			t.StartTime = &started.Time
		}
		if completed.Valid {
			t.CompletionTime = &completed.Time
		}
		a.Targets = append(a.Targets, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return storeErr("list action targets", err)
	}

	srcRows, err := q.QueryContext(ctx,
		`SELECT action_guid, source_name, element_guid FROM request_sources WHERE action_guid = ? ORDER BY rowid`, a.GUID)
	if err != nil {
		return storeErr("list request sources", err)
	}
	defer srcRows.Close()
	for srcRows.Next() {
		var src RequestSource
		if err := srcRows.Scan(&src.ActionGUID, &src.SourceName, &src.ElementGUID); err != nil {
			return storeErr("scan request source", err)
		}
		a.Sources = append(a.Sources, src)
	}
	return storeErr("list request sources", srcRows.Err())
}

func (s *LibSQLStore) FindRequestedActionForStep(ctx context.Context, processName, stepGUID string) (string, error) {
	var guid string
	err := s.db.QueryRowContext(ctx,
		`SELECT guid FROM engine_actions
		 WHERE process_name = ? AND process_step_guid = ? AND status = ?
		 ORDER BY created_at ASC LIMIT 1`,
		processName, stepGUID, string(schema.ActionStatusRequested)).Scan(&guid)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", storeErr("find requested action", err)
	}
	return guid, nil
}

func (s *LibSQLStore) FindRequestedJoinAction(ctx context.Context, processName, stepGUID, anchorGUID string) (string, error) {
	var guid string
	err := s.db.QueryRowContext(ctx,
		`SELECT guid FROM engine_actions
		 WHERE process_name = ? AND process_step_guid = ? AND anchor_guid = ?
		   AND status = ? AND ignore_multiple = 0
		 ORDER BY created_at ASC LIMIT 1`,
		processName, stepGUID, anchorGUID, string(schema.ActionStatusRequested)).Scan(&guid)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", storeErr("find requested join", err)
	}
	return guid, nil
}

func (s *LibSQLStore) LinkActions(ctx context.Context, link ActionLink) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO action_links (from_action_guid, to_action_guid, guard, mandatory, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		link.FromActionGUID, link.ToActionGUID, nullStr(link.Guard), boolInt(link.Mandatory), timeOrNow(link.CreatedAt),
	)
	return storeErr("link actions", err)
}

func (s *LibSQLStore) AddReceivedGuard(ctx context.Context, actionGUID string, link ActionLink) (*EngineAction, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, storeErr("begin add guard", err)
	}
	defer tx.Rollback()

	a, err := getAction(ctx, tx, actionGUID)
	if err != nil {
		return nil, false, err
	}
	if a.Status != schema.ActionStatusRequested {
		return a, false, nil
	}

	delivered := true
	if link.FromActionGUID != "" {
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO action_links (from_action_guid, to_action_guid, guard, mandatory, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			link.FromActionGUID, actionGUID, nullStr(link.Guard), boolInt(link.Mandatory), timeOrNow(link.CreatedAt))
		if err != nil {
			return nil, false, storeErr("link actions", err)
		}
		if delivered, err = rowsChanged(res); err != nil {
			return nil, false, err
		}
	}

	if delivered && link.Guard != "" {
		a.ReceivedGuards = append(a.ReceivedGuards, link.Guard)
		received, _ := marshalList(a.ReceivedGuards)
		a.UpdatedAt = time.Now().UTC()
		res, err := tx.ExecContext(ctx,
			`UPDATE engine_actions SET received_guards = ?, updated_at = ? WHERE guid = ? AND status = ?`,
			received, a.UpdatedAt, actionGUID, string(schema.ActionStatusRequested))
		if err != nil {
			return nil, false, storeErr("add received guard", err)
		}
		ok, err := rowsChanged(res)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return a, false, nil
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, storeErr("commit add guard", err)
	}
	return a, true, nil
}

// ownerClause matches an owner column against expect, treating "" as NULL.
func ownerClause(expect string) (string, []any) {
	if expect == "" {
		return "owner IS NULL", nil
	}
	return "owner = ?", []any{expect}
}

func (s *LibSQLStore) CASUpdateStatus(ctx context.Context, guid string, expectStatus schema.ActionStatus, expectOwner string, newStatus schema.ActionStatus, newOwner string) (bool, error) {
	clause, ownerArgs := ownerClause(expectOwner)
	args := []any{string(newStatus), nullStr(newOwner), time.Now().UTC(), guid, string(expectStatus)}
	args = append(args, ownerArgs...)
	res, err := s.db.ExecContext(ctx,
		`UPDATE engine_actions SET status = ?, owner = ?, updated_at = ?
		 WHERE guid = ? AND status = ? AND `+clause, args...)
	if isUniqueViolation(err) {
		// Returning to REQUESTED would collide with a newer REQUESTED sibling.
		return false, nil
	}
	if err != nil {
		return false, storeErr("update action status", err)
	}
	return rowsChanged(res)
}

func (s *LibSQLStore) RecordCompletion(ctx context.Context, guid string, expectStatus schema.ActionStatus, expectOwner string, c Completion) (bool, error) {
	guards, _ := marshalList(c.Guards)
	completedAt := timeOrNow(c.CompletionTime)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, storeErr("begin record completion", err)
	}
	defer tx.Rollback()

	clause, ownerArgs := ownerClause(expectOwner)
	args := []any{string(c.Status), completedAt, guards, nullStr(c.Message), completedAt, guid, string(expectStatus)}
	args = append(args, ownerArgs...)
	res, err := tx.ExecContext(ctx,
		`UPDATE engine_actions SET status = ?, completion_time = ?, completion_guards = ?, completion_message = ?, updated_at = ?
		 WHERE guid = ? AND status = ? AND `+clause, args...)
	if err != nil {
		return false, storeErr("record completion", err)
	}
	ok, err := rowsChanged(res)
	if err != nil || !ok {
		return false, err
	}

	for i := range c.NewTargets {
		c.NewTargets[i].ActionGUID = guid
		if err := insertTarget(ctx, tx, &c.NewTargets[i]); err != nil {
			return false, err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE action_targets SET status = ?, completion_time = COALESCE(completion_time, ?)
		 WHERE action_guid = ? AND (status IS NULL OR status = '')`,
		string(c.Status), completedAt, guid); err != nil {
		return false, storeErr("propagate target status", err)
	}

	if err := tx.Commit(); err != nil {
		return false, storeErr("commit record completion", err)
	}
	return true, nil
}

func (s *LibSQLStore) UpdateTargetStatus(ctx context.Context, actionGUID, targetGUID, owner string, u TargetUpdate) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE action_targets SET status = ?, start_time = COALESCE(?, start_time),
		   completion_time = COALESCE(?, completion_time), completion_message = COALESCE(?, completion_message)
		 WHERE guid = ? AND action_guid = ?
		   AND EXISTS (SELECT 1 FROM engine_actions WHERE guid = ? AND owner = ?)`,
		string(u.Status), nullTime(u.StartTime), nullTime(u.CompletionTime), nullStr(u.CompletionMessage),
		targetGUID, actionGUID, actionGUID, owner,
	)
	if err != nil {
		return false, storeErr("update target status", err)
	}
	return rowsChanged(res)
}

func (s *LibSQLStore) ListByOwner(ctx context.Context, owner string, statuses []schema.ActionStatus) ([]*EngineAction, error) {
	where := []string{"owner = ?"}
	args := []any{owner}
	if len(statuses) > 0 {
		ph, sargs := statusArgs(statuses)
		where = append(where, "status IN ("+ph+")")
		args = append(args, sargs...)
	}
	return s.listActions(ctx, "list actions by owner",
		`SELECT `+actionColumns+` FROM engine_actions WHERE `+strings.Join(where, " AND ")+` ORDER BY start_at_ms ASC`,
		args...)
}

func (s *LibSQLStore) ListByStatuses(ctx context.Context, statuses []schema.ActionStatus, filter ActionFilter) ([]*EngineAction, error) {
	var where []string
	var args []any
	if len(statuses) > 0 {
		ph, sargs := statusArgs(statuses)
		where = append(where, "status IN ("+ph+")")
		args = append(args, sargs...)
	}
	if len(filter.EngineNames) > 0 {
		ph := strings.TrimSuffix(strings.Repeat("?, ", len(filter.EngineNames)), ", ")
		where = append(where, "engine_name IN ("+ph+")")
		for _, e := range filter.EngineNames {
			args = append(args, e)
		}
	}
	if filter.StartBefore != nil {
		where = append(where, "start_at_ms <= ?")
		args = append(args, toMillis(*filter.StartBefore))
	}

	query := `SELECT ` + actionColumns + ` FROM engine_actions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY start_at_ms ASC, created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	return s.listActions(ctx, "list actions by status", query, args...)
}

func (s *LibSQLStore) FindByName(ctx context.Context, qualifiedName string) ([]*EngineAction, error) {
	return s.listActions(ctx, "find actions by name",
		`SELECT `+actionColumns+` FROM engine_actions WHERE qualified_name = ? ORDER BY created_at ASC`, qualifiedName)
}

func (s *LibSQLStore) FindByNameSubstring(ctx context.Context, fragment string) ([]*EngineAction, error) {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(fragment)
	return s.listActions(ctx, "find actions by name fragment",
		`SELECT `+actionColumns+` FROM engine_actions WHERE qualified_name LIKE ? ESCAPE '\' ORDER BY created_at ASC`,
		"%"+escaped+"%")
}

func (s *LibSQLStore) listActions(ctx context.Context, op, query string, args ...any) ([]*EngineAction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(op, err)
	}
	var actions []*EngineAction
	for rows.Next() {
		a, err := scanAction(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, storeErr(op, err)
		}
		actions = append(actions, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, storeErr(op, err)
	}
	// Relations are loaded after the cursor is closed: the pool holds one connection.
	for _, a := range actions {
		if err := loadRelations(ctx, s.db, a); err != nil {
			return nil, err
		}
	}
	return actions, nil
}

func (s *LibSQLStore) ListLinks(ctx context.Context, toActionGUID string) ([]ActionLink, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT from_action_guid, to_action_guid, guard, mandatory, created_at
		 FROM action_links WHERE to_action_guid = ? ORDER BY created_at ASC`, toActionGUID)
	if err != nil {
		return nil, storeErr("list links", err)
	}
	defer rows.Close()

	var links []ActionLink
	for rows.Next() {
		var l ActionLink
		var guard sql.NullString
		var mandatory int
		if err := rows.Scan(&l.FromActionGUID, &l.ToActionGUID, &guard, &mandatory, &l.CreatedAt); err != nil {
			return nil, storeErr("scan link", err)
		}
		l.Guard = guard.String
		l.Mandatory = mandatory != 0
		links = append(links, l)
	}
	return links, storeErr("list links", rows.Err())
}
