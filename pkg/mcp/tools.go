package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/govflow/internal/engine"
	"github.com/rendis/govflow/internal/scheduler"
	"github.com/rendis/govflow/internal/store"
	"github.com/rendis/govflow/pkg/schema"
)

const (
	defaultQueryLimit = 50
	defaultEventLimit = 100
)

// handleDefine validates a process document and, unless dry_run is set,
// loads it into the graph store.
func (s *Server) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.loader == nil {
		return mcp.NewToolResultError("process loading is not configured"), nil
	}
	var args struct {
		Definition *schema.ProcessDocument `json:"definition"`
		DryRun     bool                    `json:"dry_run"`
	}
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.Definition == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	if args.DryRun {
		return marshalResult(s.loader.Validate(args.Definition))
	}
	res, err := s.loader.Load(ctx, args.Definition)
	if err != nil {
		return errorResult("load failed", err), nil
	}
	return marshalResult(res)
}

func (s *Server) handleInitiate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var r engine.InitiateRequest
	if err := req.BindArguments(&r); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if r.ProcessName == "" {
		return mcp.NewToolResultError("process_name is required"), nil
	}
	res, err := s.engine.InitiateProcess(ctx, r)
	if err != nil {
		return errorResult("initiate failed", err), nil
	}
	return marshalResult(res)
}

func (s *Server) handleCreateAction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var r engine.CreateActionRequest
	if err := req.BindArguments(&r); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	a, err := s.engine.CreateEngineAction(ctx, r)
	if err != nil {
		return errorResult("create failed", err), nil
	}
	return marshalResult(a)
}

func (s *Server) handlePrepare(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var r engine.PrepareRequest
	if err := req.BindArguments(&r); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	res, err := s.engine.PrepareFromStep(ctx, r)
	if err != nil {
		return errorResult("prepare failed", err), nil
	}
	return marshalResult(res)
}

func (s *Server) handleClaim(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actionGUID, err := req.RequireString("action_guid")
	if err != nil {
		return mcp.NewToolResultError("action_guid is required"), nil
	}
	workerID, err := req.RequireString("worker_id")
	if err != nil {
		return mcp.NewToolResultError("worker_id is required"), nil
	}
	s.captureSession(ctx, workerID)

	a, err := s.engine.Claim(ctx, actionGUID, workerID)
	if err != nil {
		return errorResult("claim failed", err), nil
	}
	return marshalResult(a)
}

func (s *Server) handleUpdateStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var r engine.StatusUpdate
	if err := req.BindArguments(&r); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if r.WorkerID != "" {
		s.captureSession(ctx, r.WorkerID)
	}
	a, err := s.engine.UpdateStatus(ctx, r)
	if err != nil {
		return errorResult("status update failed", err), nil
	}
	return marshalResult(a)
}

// handleComplete records a terminal outcome. A partial fan-out is reported
// as a successful result listing the failed edges, since the completion
// itself was stored.
func (s *Server) handleComplete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var r engine.CompletionRequest
	if err := req.BindArguments(&r); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	s.captureSession(ctx, r.WorkerID)

	res, err := s.engine.RecordCompletion(ctx, r)
	if err != nil && (res == nil || !schema.IsCode(err, schema.ErrCodePartialFanOut)) {
		return errorResult("completion failed", err), nil
	}

	out := map[string]any{"action": res.Action, "edges": res.Edges}
	if err != nil {
		failed := make(map[string]string)
		for _, o := range res.Failed() {
			failed[o.EdgeGUID] = o.Err.Error()
		}
		if res.FanOutErr != nil {
			out["fanout_error"] = res.FanOutErr.Error()
		}
		out["partial"] = true
		out["failed_edges"] = failed
	}
	return marshalResult(out)
}

func (s *Server) handleUpdateTarget(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var r engine.TargetStatusUpdate
	if err := req.BindArguments(&r); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	s.captureSession(ctx, r.WorkerID)

	a, err := s.engine.UpdateActionTargetStatus(ctx, r)
	if err != nil {
		return errorResult("target update failed", err), nil
	}
	return marshalResult(a)
}

// queryFilter is the union of the filters accepted by govflow.query.
type queryFilter struct {
	ActionGUID  string     `json:"action_guid"`
	WorkerID    string     `json:"worker_id"`
	Name        string     `json:"name"`
	Fragment    string     `json:"fragment"`
	EngineNames []string   `json:"engine_names"`
	ReadyOnly   bool       `json:"ready_only"`
	ProcessName string     `json:"process_name"`
	Since       *time.Time `json:"since"`
	Limit       int        `json:"limit"`
}

func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		Resource string      `json:"resource"`
		Filter   queryFilter `json:"filter"`
	}
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	f := args.Filter

	switch args.Resource {
	case "action":
		if f.ActionGUID == "" {
			return mcp.NewToolResultError("action query requires action_guid in filter"), nil
		}
		a, err := s.engine.GetAction(ctx, f.ActionGUID)
		if err != nil {
			return errorResult("query failed", err), nil
		}
		return marshalResult(a)
	case "active":
		list, err := s.engine.ListActive(ctx, engine.ActiveFilter{
			EngineNames: f.EngineNames,
			ReadyOnly:   f.ReadyOnly,
			Limit:       limitOr(f.Limit, defaultQueryLimit),
		})
		return actionsResult(list, err)
	case "claimed":
		if f.WorkerID == "" {
			return mcp.NewToolResultError("claimed query requires worker_id in filter"), nil
		}
		list, err := s.engine.ListActiveClaimedBy(ctx, f.WorkerID)
		return actionsResult(list, err)
	case "by_name":
		list, err := s.engine.FindByName(ctx, f.Name)
		return actionsResult(list, err)
	case "by_substring":
		list, err := s.engine.FindBySubstring(ctx, f.Fragment)
		return actionsResult(list, err)
	case "history":
		return s.queryHistory(ctx, f)
	case "events":
		return s.queryEvents(ctx, f)
	case "executors":
		if s.registry == nil {
			return mcp.NewToolResultError("executor registry is not configured"), nil
		}
		return marshalResult(map[string]any{"executors": s.registry.List()})
	case "jobs":
		if s.scheduler == nil {
			return mcp.NewToolResultError("scheduler is not configured"), nil
		}
		jobs, err := s.scheduler.List(ctx, store.ScheduledJobFilter{
			ProcessName: f.ProcessName,
			Limit:       limitOr(f.Limit, defaultQueryLimit),
		})
		if err != nil {
			return errorResult("query failed", err), nil
		}
		return marshalResult(map[string]any{"jobs": jobs})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", args.Resource)), nil
	}
}

func (s *Server) queryHistory(ctx context.Context, f queryFilter) (*mcp.CallToolResult, error) {
	if s.events == nil {
		return mcp.NewToolResultError("audit log is not configured"), nil
	}
	if f.ActionGUID == "" {
		return mcp.NewToolResultError("history query requires action_guid in filter"), nil
	}
	history, err := store.NewEventLog(s.events).History(ctx, f.ActionGUID)
	if err != nil {
		return errorResult("query failed", err), nil
	}
	return marshalResult(map[string]any{"history": history})
}

func (s *Server) queryEvents(ctx context.Context, f queryFilter) (*mcp.CallToolResult, error) {
	if s.events == nil {
		return mcp.NewToolResultError("audit log is not configured"), nil
	}
	events, err := s.events.ListEvents(ctx, store.EventFilter{
		ActionID:    f.ActionGUID,
		ProcessName: f.ProcessName,
		Since:       f.Since,
		Limit:       limitOr(f.Limit, defaultEventLimit),
	})
	if err != nil {
		return errorResult("query failed", err), nil
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *Server) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.scheduler == nil {
		return mcp.NewToolResultError("scheduler is not configured"), nil
	}
	var args struct {
		Operation string `json:"operation"`
		JobID     string `json:"job_id"`
		scheduler.ScheduleRequest
	}
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	if args.Operation == "create" {
		job, err := s.scheduler.Schedule(ctx, args.ScheduleRequest)
		if err != nil {
			return errorResult("schedule failed", err), nil
		}
		return marshalResult(job)
	}

	if args.JobID == "" {
		return mcp.NewToolResultError("job_id is required"), nil
	}
	var err error
	switch args.Operation {
	case "pause":
		err = s.scheduler.SetEnabled(ctx, args.JobID, false)
	case "resume":
		err = s.scheduler.SetEnabled(ctx, args.JobID, true)
	case "delete":
		err = s.scheduler.Unschedule(ctx, args.JobID)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown operation: %s", args.Operation)), nil
	}
	if err != nil {
		return errorResult(args.Operation+" failed", err), nil
	}
	return marshalResult(map[string]any{"ok": true, "job_id": args.JobID, "operation": args.Operation})
}

// --- Internal helpers ---

func limitOr(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}

func actionsResult(list []*store.EngineAction, err error) (*mcp.CallToolResult, error) {
	if err != nil {
		return errorResult("query failed", err), nil
	}
	if list == nil {
		list = []*store.EngineAction{}
	}
	return marshalResult(map[string]any{"actions": list})
}

// captureSession maps the worker ID to its current MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, workerID string) {
	if workerID == "" {
		return
	}
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(workerID, session.SessionID())
	}
}

// errorResult renders err as a tool error. Structured errors keep their
// code and reason so callers can branch on them.
func errorResult(prefix string, err error) *mcp.CallToolResult {
	var gerr *schema.GovError
	if errors.As(err, &gerr) {
		if data, mErr := json.Marshal(gerr); mErr == nil {
			return mcp.NewToolResultError(fmt.Sprintf("%s: %s", prefix, data))
		}
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
