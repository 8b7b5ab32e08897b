package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rendis/govflow/pkg/schema"
)

// --- Processes ---

func (s *LibSQLStore) SaveProcess(ctx context.Context, p *schema.ProcessDefinition) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO processes (guid, qualified_name, display_name, description, first_step_guid, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(guid) DO UPDATE SET qualified_name=excluded.qualified_name, display_name=excluded.display_name,
		   description=excluded.description, first_step_guid=COALESCE(excluded.first_step_guid, processes.first_step_guid)`,
		p.GUID, p.QualifiedName, nullStr(p.DisplayName), nullStr(p.Description), nullStr(p.FirstStepGUID), timeOrNow(p.CreatedAt),
	)
	if isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "process %q already exists", p.QualifiedName).WithCause(err)
	}
	return storeErr("save process", err)
}

func (s *LibSQLStore) GetProcessDefinition(ctx context.Context, qualifiedName string) (*schema.ProcessDefinition, error) {
	p := &schema.ProcessDefinition{}
	var display, desc, first sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT guid, qualified_name, display_name, description, first_step_guid, created_at
		 FROM processes WHERE qualified_name = ?`, qualifiedName,
	).Scan(&p.GUID, &p.QualifiedName, &display, &desc, &first, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("process", qualifiedName).WithReason(schema.ReasonUnknownProcess)
	}
	if err != nil {
		return nil, storeErr("get process", err)
	}
	p.DisplayName = display.String
	p.Description = desc.String
	p.FirstStepGUID = first.String
	return p, nil
}

func (s *LibSQLStore) SetFirstStep(ctx context.Context, processGUID, stepGUID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE processes SET first_step_guid = ? WHERE guid = ?`, stepGUID, processGUID)
	if err != nil {
		return storeErr("set first step", err)
	}
	return checkRowsAffected(res, "process", processGUID)
}

func (s *LibSQLStore) GetFirstStep(ctx context.Context, processGUID string) (*schema.ProcessStep, error) {
	var first sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT first_step_guid FROM processes WHERE guid = ?`, processGUID).Scan(&first)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("process", processGUID).WithReason(schema.ReasonUnknownProcess)
	}
	if err != nil {
		return nil, storeErr("get first step", err)
	}
	if !first.Valid || first.String == "" {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "process %q has no first step", processGUID).
			WithReason(schema.ReasonNoFirstStep)
	}
	step, err := s.GetStep(ctx, first.String)
	if schema.IsCode(err, schema.ErrCodeNotFound) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "first step %q of process %q does not exist", first.String, processGUID).
			WithReason(schema.ReasonNoFirstStep).WithCause(err)
	}
	return step, err
}

// --- Steps ---

func (s *LibSQLStore) SaveStep(ctx context.Context, step *schema.ProcessStep) error {
	params, err := marshalParams(step.Executor.RequestParameters)
	if err != nil {
		return fmt.Errorf("marshal step parameters: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO process_steps (guid, process_guid, qualified_name, domain, display_name, description,
		   engine_name, request_type, request_parameters, wait_time_ms, ignore_multiple)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(guid) DO UPDATE SET qualified_name=excluded.qualified_name, domain=excluded.domain,
		   display_name=excluded.display_name, description=excluded.description, engine_name=excluded.engine_name,
		   request_type=excluded.request_type, request_parameters=excluded.request_parameters,
		   wait_time_ms=excluded.wait_time_ms, ignore_multiple=excluded.ignore_multiple`,
		step.GUID, step.ProcessGUID, step.QualifiedName, step.Domain, nullStr(step.DisplayName), nullStr(step.Description),
		nullStr(step.Executor.EngineName), nullStr(step.Executor.RequestType), params,
		step.WaitTime.Milliseconds(), boolInt(step.IgnoreMultipleTriggers),
	)
	return storeErr("save step", err)
}

func (s *LibSQLStore) GetStep(ctx context.Context, stepGUID string) (*schema.ProcessStep, error) {
	step := &schema.ProcessStep{}
	var display, desc, engine, reqType sql.NullString
	var params string
	var waitMs int64
	var ignore int
	err := s.db.QueryRowContext(ctx,
		`SELECT guid, process_guid, qualified_name, domain, display_name, description,
		   engine_name, request_type, request_parameters, wait_time_ms, ignore_multiple
		 FROM process_steps WHERE guid = ?`, stepGUID,
	).Scan(&step.GUID, &step.ProcessGUID, &step.QualifiedName, &step.Domain, &display, &desc,
		&engine, &reqType, &params, &waitMs, &ignore)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("step", stepGUID).WithReason(schema.ReasonUnknownStep)
	}
	if err != nil {
		return nil, storeErr("get step", err)
	}
	step.DisplayName = display.String
	step.Description = desc.String
	step.Executor = schema.ExecutorRef{
		EngineName:        engine.String,
		RequestType:       reqType.String,
		RequestParameters: unmarshalParams(params),
	}
	step.WaitTime = time.Duration(waitMs) * time.Millisecond
	step.IgnoreMultipleTriggers = ignore != 0
	return step, nil
}

// --- Edges ---

func (s *LibSQLStore) SaveEdge(ctx context.Context, edge *schema.StepEdge) error {
	var guard any
	if edge.Guard != nil {
		guard = *edge.Guard
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_edges (guid, from_step_guid, to_step_guid, guard, mandatory) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(guid) DO UPDATE SET from_step_guid=excluded.from_step_guid, to_step_guid=excluded.to_step_guid,
		   guard=excluded.guard, mandatory=excluded.mandatory`,
		edge.GUID, edge.FromStepGUID, edge.ToStepGUID, guard, boolInt(edge.Mandatory),
	)
	return storeErr("save edge", err)
}

func (s *LibSQLStore) GetOutgoingEdges(ctx context.Context, stepGUID string) ([]schema.StepEdge, error) {
	return s.queryEdges(ctx, "get outgoing edges",
		`SELECT guid, from_step_guid, to_step_guid, guard, mandatory FROM step_edges
		 WHERE from_step_guid = ? ORDER BY guid`, stepGUID)
}

func (s *LibSQLStore) GetIncomingMandatoryEdges(ctx context.Context, stepGUID string) ([]schema.StepEdge, error) {
	return s.queryEdges(ctx, "get incoming mandatory edges",
		`SELECT guid, from_step_guid, to_step_guid, guard, mandatory FROM step_edges
		 WHERE to_step_guid = ? AND mandatory = 1 ORDER BY guid`, stepGUID)
}

func (s *LibSQLStore) queryEdges(ctx context.Context, op, query string, args ...any) ([]schema.StepEdge, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer rows.Close()

	var edges []schema.StepEdge
	for rows.Next() {
		var e schema.StepEdge
		var guard sql.NullString
		var mandatory int
		if err := rows.Scan(&e.GUID, &e.FromStepGUID, &e.ToStepGUID, &guard, &mandatory); err != nil {
			return nil, storeErr(op, err)
		}
		if guard.Valid {
			e.Guard = schema.Guard(guard.String)
		}
		e.Mandatory = mandatory != 0
		edges = append(edges, e)
	}
	return edges, storeErr(op, rows.Err())
}

// --- Executor catalog ---

func (s *LibSQLStore) RegisterExecutor(ctx context.Context, ref schema.ExecutorRef) error {
	params, err := marshalParams(ref.RequestParameters)
	if err != nil {
		return fmt.Errorf("marshal executor parameters: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executors (engine_name, request_type, request_parameters) VALUES (?, ?, ?)
		 ON CONFLICT(engine_name, request_type) DO UPDATE SET request_parameters=excluded.request_parameters`,
		ref.EngineName, ref.RequestType, params,
	)
	return storeErr("register executor", err)
}

func (s *LibSQLStore) ResolveExecutor(ctx context.Context, engineName, requestType string) (*schema.ExecutorRef, error) {
	var params string
	err := s.db.QueryRowContext(ctx,
		`SELECT request_parameters FROM executors WHERE engine_name = ? AND request_type = ?`,
		engineName, requestType).Scan(&params)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("executor", schema.ExecutorKey(engineName, requestType)).
			WithReason(schema.ReasonUnknownExecutor)
	}
	if err != nil {
		return nil, storeErr("resolve executor", err)
	}
	return &schema.ExecutorRef{
		EngineName:        engineName,
		RequestType:       requestType,
		RequestParameters: unmarshalParams(params),
	}, nil
}
