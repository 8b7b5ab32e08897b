package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/govflow/pkg/schema"
)

// AppendEvent appends an event with a monotonically increasing per-action
// sequence. Sequence read and insert share one transaction.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin append event", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE action_id = ?`, event.ActionID,
	).Scan(&seq)
	if err != nil {
		return storeErr("next event sequence", err)
	}
	event.Sequence = seq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (action_id, process_name, event_type, payload, worker_id, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ActionID, nullStr(event.ProcessName), event.Type, nullRaw(event.Payload), nullStr(event.WorkerID),
		event.Timestamp, seq,
	)
	if err != nil {
		return storeErr("insert event", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return storeErr("commit event", tx.Commit())
}

// GetEvents returns events for an action with sequence > since, in order.
func (s *LibSQLStore) GetEvents(ctx context.Context, actionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action_id, process_name, event_type, payload, worker_id, timestamp, sequence
		 FROM events WHERE action_id = ? AND sequence > ? ORDER BY sequence ASC`,
		actionID, since,
	)
	if err != nil {
		return nil, storeErr("get events", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListEvents returns the newest events matching the filter.
func (s *LibSQLStore) ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error) {
	var where []string
	var args []any

	if filter.ActionID != "" {
		where = append(where, "action_id = ?")
		args = append(args, filter.ActionID)
	}
	if filter.ProcessName != "" {
		where = append(where, "process_name = ?")
		args = append(args, filter.ProcessName)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, action_id, process_name, event_type, payload, worker_id, timestamp, sequence FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list events", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var processName, workerID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ActionID, &processName, &e.Type, &payload, &workerID, &e.Timestamp, &e.Sequence); err != nil {
			return nil, storeErr("scan event", err)
		}
		e.ProcessName = processName.String
		e.WorkerID = workerID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, storeErr("scan events", rows.Err())
}

// StatusChange is one entry of an action's replayed status history.
type StatusChange struct {
	Sequence int64               `json:"sequence"`
	Event    string              `json:"event"`
	From     schema.ActionStatus `json:"from,omitempty"`
	To       schema.ActionStatus `json:"to"`
	WorkerID string              `json:"worker_id,omitempty"`
	At       time.Time           `json:"at"`
}

// TransitionPayload is the payload of status-changing audit events.
type TransitionPayload struct {
	From    schema.ActionStatus `json:"from,omitempty"`
	To      schema.ActionStatus `json:"to"`
	Guards  []string            `json:"guards,omitempty"`
	Message string              `json:"message,omitempty"`
}

// EventLog replays the audit log of any EventReader.
type EventLog struct {
	reader EventReader
}

// NewEventLog wraps an EventReader.
func NewEventLog(r EventReader) *EventLog {
	return &EventLog{reader: r}
}

// History replays an action's events into its status history. A gap in the
// sequence is reported as a CONFLICT error.
func (el *EventLog) History(ctx context.Context, actionID string) ([]StatusChange, error) {
	events, err := el.reader.GetEvents(ctx, actionID, 0)
	if err != nil {
		return nil, err
	}

	var history []StatusChange
	for i, e := range events {
		if expected := int64(i + 1); e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeConflict,
				"sequence gap in action %s: expected %d, got %d", actionID, expected, e.Sequence)
		}
		if len(e.Payload) == 0 {
			continue
		}
		var p TransitionPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil || p.To == "" {
			continue
		}
		history = append(history, StatusChange{
			Sequence: e.Sequence,
			Event:    e.Type,
			From:     p.From,
			To:       p.To,
			WorkerID: e.WorkerID,
			At:       e.Timestamp,
		})
	}
	return history, nil
}
