// Package redisstore is an ActionStore for engine hosts spread across
// machines. Conditional writes run as Lua scripts so each one is atomic on
// the server.
//
// The scripts touch index keys they derive from the action hash (status,
// owner, name and step indexes, the dedupe key) besides the keys they
// declare, so the store targets a single Redis node or a primary with
// replicas. Redis Cluster is not supported; NewFromClient only accepts a
// single-node client.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	backend "github.com/redis/go-redis/v9"

	"github.com/rendis/govflow/internal/store"
	"github.com/rendis/govflow/pkg/schema"
)

var (
	_ store.ActionStore   = (*Store)(nil)
	_ store.EventAppender = (*Store)(nil)
	_ store.EventReader   = (*Store)(nil)
)

// recentEvents caps the cross-action event list used by ListEvents.
const recentEvents = 10000

// Store implements store.ActionStore and the audit log on Redis.
type Store struct {
	client *backend.Client
	prefix string
}

type Option func(*Store)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// New creates a Redis store with options.
func New(address, password string, db int, opts ...Option) *Store {
	return NewFromClient(backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	}), opts...)
}

// NewFromClient creates a Redis store from an existing client.
func NewFromClient(client *backend.Client, opts ...Option) *Store {
	s := &Store{client: client, prefix: "govflow:"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return unavailable("ping", s.client.Ping(ctx).Err())
}

// Close closes the redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) actionKey(guid string) string  { return s.prefix + "action:" + guid }
func (s *Store) guardsKey(guid string) string  { return s.prefix + "guards:" + guid }
func (s *Store) linksKey(guid string) string   { return s.prefix + "links:" + guid }
func (s *Store) targetsKey(guid string) string { return s.prefix + "targets:" + guid }
func (s *Store) tstatusKey(guid string) string { return s.prefix + "tstatus:" + guid }
func (s *Store) statusKey(st schema.ActionStatus) string {
	return s.prefix + "status:" + string(st)
}

// actionDoc holds the fields of an action that never change after creation.
type actionDoc struct {
	GUID                   string                `json:"guid"`
	QualifiedName          string                `json:"qualified_name"`
	Domain                 int                   `json:"domain"`
	DisplayName            string                `json:"display_name,omitempty"`
	Description            string                `json:"description,omitempty"`
	EngineName             string                `json:"engine_name"`
	RequestType            string                `json:"request_type"`
	RequestParameters      map[string]string     `json:"request_parameters,omitempty"`
	MandatoryGuards        []string              `json:"mandatory_guards,omitempty"`
	InitialGuards          []string              `json:"initial_guards,omitempty"`
	ProcessStepGUID        string                `json:"process_step_guid,omitempty"`
	ProcessStepName        string                `json:"process_step_name,omitempty"`
	ProcessName            string                `json:"process_name,omitempty"`
	AnchorGUID             string                `json:"anchor_guid,omitempty"`
	IgnoreMultipleTriggers bool                  `json:"ignore_multiple_triggers,omitempty"`
	Sources                []store.RequestSource `json:"sources,omitempty"`
}

func (s *Store) CreateAction(ctx context.Context, a *store.EngineAction) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = a.CreatedAt
	for i := range a.Sources {
		a.Sources[i].ActionGUID = a.GUID
	}

	doc, err := json.Marshal(actionDoc{
		GUID: a.GUID, QualifiedName: a.QualifiedName, Domain: a.Domain,
		DisplayName: a.DisplayName, Description: a.Description,
		EngineName: a.EngineName, RequestType: a.RequestType, RequestParameters: a.RequestParameters,
		MandatoryGuards: a.MandatoryGuards, InitialGuards: a.ReceivedGuards,
		ProcessStepGUID: a.ProcessStepGUID, ProcessStepName: a.ProcessStepName,
		ProcessName: a.ProcessName, AnchorGUID: a.AnchorGUID,
		IgnoreMultipleTriggers: a.IgnoreMultipleTriggers, Sources: a.Sources,
	})
	if err != nil {
		return fmt.Errorf("marshal action: %w", err)
	}

	args := []any{
		s.prefix, a.GUID, string(a.Status), a.ProcessingEngineUserID, a.StartTime.UnixMilli(),
		a.ProcessName, a.ProcessStepGUID, flag(a.IgnoreMultipleTriggers), a.QualifiedName,
		string(doc), a.CreatedAt.UnixMilli(),
	}
	targetArgs, err := targetTriples(a.GUID, a.Targets)
	if err != nil {
		return err
	}
	args = append(args, targetArgs...)

	keys := []string{s.actionKey(a.GUID)}
	if k := s.dedupeKey(a); k != "" {
		keys = append(keys, k)
	}
	res, err := createScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return unavailable("create action", err)
	}
	if res == 0 {
		return store.RequestedConflict(a)
	}
	return nil
}

// dedupeKey names the key the action holds while REQUESTED, or "" when any
// number of REQUESTED actions may coexist for its step.
func (s *Store) dedupeKey(a *store.EngineAction) string {
	switch {
	case a.IgnoreMultipleTriggers && a.ProcessStepGUID != "":
		return s.prefix + "requested:" + a.ProcessName + ":" + a.ProcessStepGUID
	case a.CollectsJoinTriggers():
		return s.joinKey(a.ProcessName, a.ProcessStepGUID, a.AnchorGUID)
	}
	return ""
}

func (s *Store) joinKey(processName, stepGUID, anchorGUID string) string {
	return s.prefix + "join:" + processName + ":" + stepGUID + ":" + anchorGUID
}

// targetTriples assigns GUIDs and flattens targets into guid/json/status
// script arguments. Status is stored apart from the JSON document.
func targetTriples(actionGUID string, targets []store.ActionTarget) ([]any, error) {
	var args []any
	for i := range targets {
		t := &targets[i]
		t.ActionGUID = actionGUID
		if t.GUID == "" {
			t.GUID = uuid.New().String()
		}
		body := *t
		body.Status = ""
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal target: %w", err)
		}
		args = append(args, t.GUID, string(b), string(t.Status))
	}
	return args, nil
}

func (s *Store) GetAction(ctx context.Context, guid string) (*store.EngineAction, error) {
	pipe := s.client.Pipeline()
	fields := pipe.HGetAll(ctx, s.actionKey(guid))
	guards := pipe.LRange(ctx, s.guardsKey(guid), 0, -1)
	targets := pipe.HGetAll(ctx, s.targetsKey(guid))
	tstatus := pipe.HGetAll(ctx, s.tstatusKey(guid))
	if _, err := pipe.Exec(ctx); err != nil && err != backend.Nil {
		return nil, unavailable("get action", err)
	}

	h := fields.Val()
	if len(h) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "engine action %q not found", guid).
			WithReason(schema.ReasonUnknownAction)
	}

	var doc actionDoc
	if err := json.Unmarshal([]byte(h["doc"]), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal action %s: %w", guid, err)
	}
	a := &store.EngineAction{
		GUID: doc.GUID, QualifiedName: doc.QualifiedName, Domain: doc.Domain,
		DisplayName: doc.DisplayName, Description: doc.Description,
		EngineName: doc.EngineName, RequestType: doc.RequestType, RequestParameters: doc.RequestParameters,
		MandatoryGuards: doc.MandatoryGuards,
		ProcessStepGUID: doc.ProcessStepGUID, ProcessStepName: doc.ProcessStepName,
		ProcessName: doc.ProcessName, AnchorGUID: doc.AnchorGUID,
		IgnoreMultipleTriggers: doc.IgnoreMultipleTriggers, Sources: doc.Sources,
		Status:                 schema.ActionStatus(h["status"]),
		ProcessingEngineUserID: h["owner"],
		CompletionMessage:      h["completion_message"],
		StartTime:              millis(h["start_ms"]),
		CreatedAt:              millis(h["created_ms"]),
		UpdatedAt:              millis(h["updated_ms"]),
	}
	a.ReceivedGuards = append(append([]string(nil), doc.InitialGuards...), guards.Val()...)
	if len(a.ReceivedGuards) == 0 {
		a.ReceivedGuards = nil
	}
	if v := h["completed_ms"]; v != "" {
		t := millis(v)
		a.CompletionTime = &t
	}
	if v := h["completion_guards"]; v != "" {
		_ = json.Unmarshal([]byte(v), &a.CompletionGuards)
		if len(a.CompletionGuards) == 0 {
			a.CompletionGuards = nil
		}
	}

	statuses := tstatus.Val()
	for tid, raw := range targets.Val() {
		var t store.ActionTarget
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("unmarshal target %s: %w", tid, err)
		}
		t.Status = schema.ActionStatus(statuses[tid])
		a.Targets = append(a.Targets, t)
	}
	sort.Slice(a.Targets, func(i, j int) bool {
		if a.Targets[i].TargetName != a.Targets[j].TargetName {
			return a.Targets[i].TargetName < a.Targets[j].TargetName
		}
		return a.Targets[i].ElementGUID < a.Targets[j].ElementGUID
	})
	return a, nil
}

func (s *Store) FindRequestedActionForStep(ctx context.Context, processName, stepGUID string) (string, error) {
	guids, err := s.client.ZRange(ctx, s.prefix+"step:"+processName+":"+stepGUID, 0, -1).Result()
	if err != nil {
		return "", unavailable("find requested action", err)
	}
	for _, guid := range guids {
		st, err := s.client.HGet(ctx, s.actionKey(guid), "status").Result()
		if err == backend.Nil {
			continue
		}
		if err != nil {
			return "", unavailable("find requested action", err)
		}
		if st == string(schema.ActionStatusRequested) {
			return guid, nil
		}
	}
	return "", nil
}

func (s *Store) FindRequestedJoinAction(ctx context.Context, processName, stepGUID, anchorGUID string) (string, error) {
	guid, err := s.client.Get(ctx, s.joinKey(processName, stepGUID, anchorGUID)).Result()
	if err == backend.Nil {
		return "", nil
	}
	if err != nil {
		return "", unavailable("find requested join", err)
	}
	st, err := s.client.HGet(ctx, s.actionKey(guid), "status").Result()
	if err == backend.Nil {
		return "", nil
	}
	if err != nil {
		return "", unavailable("find requested join", err)
	}
	if st != string(schema.ActionStatusRequested) {
		return "", nil
	}
	return guid, nil
}

func (s *Store) LinkActions(ctx context.Context, link store.ActionLink) error {
	if link.CreatedAt.IsZero() {
		link.CreatedAt = time.Now().UTC()
	}
	b, err := json.Marshal(link)
	if err != nil {
		return fmt.Errorf("marshal link: %w", err)
	}
	return unavailable("link actions", s.client.HSetNX(ctx, s.linksKey(link.ToActionGUID), link.FromActionGUID, b).Err())
}

func (s *Store) AddReceivedGuard(ctx context.Context, actionGUID string, link store.ActionLink) (*store.EngineAction, bool, error) {
	link.ToActionGUID = actionGUID
	if link.CreatedAt.IsZero() {
		link.CreatedAt = time.Now().UTC()
	}
	b, err := json.Marshal(link)
	if err != nil {
		return nil, false, fmt.Errorf("marshal link: %w", err)
	}
	res, err := guardScript.Run(ctx, s.client,
		[]string{s.actionKey(actionGUID), s.linksKey(actionGUID), s.guardsKey(actionGUID)},
		link.FromActionGUID, string(b), link.Guard, time.Now().UnixMilli()).Int()
	if err != nil {
		return nil, false, unavailable("add received guard", err)
	}
	if res == -1 {
		return nil, false, schema.NewErrorf(schema.ErrCodeNotFound, "engine action %q not found", actionGUID).
			WithReason(schema.ReasonUnknownAction)
	}
	a, err := s.GetAction(ctx, actionGUID)
	if err != nil {
		return nil, false, err
	}
	return a, res != 0, nil
}

func (s *Store) CASUpdateStatus(ctx context.Context, guid string, expectStatus schema.ActionStatus, expectOwner string, newStatus schema.ActionStatus, newOwner string) (bool, error) {
	res, err := moveScript.Run(ctx, s.client, []string{s.actionKey(guid)},
		s.prefix, guid, string(expectStatus), expectOwner, string(newStatus), newOwner, time.Now().UnixMilli()).Int()
	if err != nil {
		return false, unavailable("update action status", err)
	}
	return res == 1, nil
}

func (s *Store) RecordCompletion(ctx context.Context, guid string, expectStatus schema.ActionStatus, expectOwner string, c store.Completion) (bool, error) {
	completedAt := c.CompletionTime
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}
	guards, err := json.Marshal(c.Guards)
	if err != nil {
		return false, fmt.Errorf("marshal completion guards: %w", err)
	}
	args := []any{s.prefix, guid, string(expectStatus), expectOwner, string(c.Status),
		completedAt.UnixMilli(), string(guards), c.Message}
	targetArgs, err := targetTriples(guid, c.NewTargets)
	if err != nil {
		return false, err
	}
	args = append(args, targetArgs...)

	res, err := completeScript.Run(ctx, s.client, []string{s.actionKey(guid)}, args...).Int()
	if err != nil {
		return false, unavailable("record completion", err)
	}
	return res == 1, nil
}

func (s *Store) UpdateTargetStatus(ctx context.Context, actionGUID, targetGUID, owner string, u store.TargetUpdate) (bool, error) {
	raw, err := s.client.HGet(ctx, s.targetsKey(actionGUID), targetGUID).Result()
	if err == backend.Nil {
		return false, nil
	}
	if err != nil {
		return false, unavailable("get target", err)
	}
	var t store.ActionTarget
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return false, fmt.Errorf("unmarshal target: %w", err)
	}
	if u.StartTime != nil {
		t.StartTime = u.StartTime
	}
	if u.CompletionTime != nil {
		t.CompletionTime = u.CompletionTime
	}
	if u.CompletionMessage != "" {
		t.CompletionMessage = u.CompletionMessage
	}
	b, err := json.Marshal(t)
	if err != nil {
		return false, fmt.Errorf("marshal target: %w", err)
	}

	res, err := targetScript.Run(ctx, s.client,
		[]string{s.actionKey(actionGUID), s.targetsKey(actionGUID), s.tstatusKey(actionGUID)},
		owner, targetGUID, string(u.Status), string(b)).Int()
	if err != nil {
		return false, unavailable("update target status", err)
	}
	return res == 1, nil
}

func (s *Store) ListByOwner(ctx context.Context, owner string, statuses []schema.ActionStatus) ([]*store.EngineAction, error) {
	guids, err := s.client.SMembers(ctx, s.prefix+"owner:"+owner).Result()
	if err != nil {
		return nil, unavailable("list actions by owner", err)
	}
	actions, err := s.load(ctx, guids)
	if err != nil {
		return nil, err
	}
	out := actions[:0]
	for _, a := range actions {
		if a.Owner() == owner && (len(statuses) == 0 || hasStatus(statuses, a.Status)) {
			out = append(out, a)
		}
	}
	sortByStart(out)
	return out, nil
}

func (s *Store) ListByStatuses(ctx context.Context, statuses []schema.ActionStatus, filter store.ActionFilter) ([]*store.EngineAction, error) {
	if len(statuses) == 0 {
		statuses = schema.AllActionStatuses
	}
	max := "+inf"
	if filter.StartBefore != nil {
		max = strconv.FormatInt(filter.StartBefore.UnixMilli(), 10)
	}

	var guids []string
	for _, st := range statuses {
		ids, err := s.client.ZRangeByScore(ctx, s.statusKey(st), &backend.ZRangeBy{Min: "-inf", Max: max}).Result()
		if err != nil {
			return nil, unavailable("list actions by status", err)
		}
		guids = append(guids, ids...)
	}
	actions, err := s.load(ctx, guids)
	if err != nil {
		return nil, err
	}

	out := actions[:0]
	for _, a := range actions {
		if !hasStatus(statuses, a.Status) {
			continue
		}
		if len(filter.EngineNames) > 0 && !contains(filter.EngineNames, a.EngineName) {
			continue
		}
		out = append(out, a)
	}
	sortByStart(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) FindByName(ctx context.Context, qualifiedName string) ([]*store.EngineAction, error) {
	guids, err := s.client.SMembers(ctx, s.prefix+"name:"+qualifiedName).Result()
	if err != nil {
		return nil, unavailable("find actions by name", err)
	}
	actions, err := s.load(ctx, guids)
	if err != nil {
		return nil, err
	}
	sortByCreated(actions)
	return actions, nil
}

func (s *Store) FindByNameSubstring(ctx context.Context, fragment string) ([]*store.EngineAction, error) {
	names, err := s.client.SMembers(ctx, s.prefix+"names").Result()
	if err != nil {
		return nil, unavailable("find actions by name fragment", err)
	}
	var guids []string
	for _, name := range names {
		if !strings.Contains(name, fragment) {
			continue
		}
		ids, err := s.client.SMembers(ctx, s.prefix+"name:"+name).Result()
		if err != nil {
			return nil, unavailable("find actions by name fragment", err)
		}
		guids = append(guids, ids...)
	}
	actions, err := s.load(ctx, guids)
	if err != nil {
		return nil, err
	}
	sortByCreated(actions)
	return actions, nil
}

func (s *Store) ListLinks(ctx context.Context, toActionGUID string) ([]store.ActionLink, error) {
	raw, err := s.client.HVals(ctx, s.linksKey(toActionGUID)).Result()
	if err != nil {
		return nil, unavailable("list links", err)
	}
	links := make([]store.ActionLink, 0, len(raw))
	for _, r := range raw {
		var l store.ActionLink
		if err := json.Unmarshal([]byte(r), &l); err != nil {
			return nil, fmt.Errorf("unmarshal link: %w", err)
		}
		links = append(links, l)
	}
	sort.Slice(links, func(i, j int) bool { return links[i].CreatedAt.Before(links[j].CreatedAt) })
	return links, nil
}

// load fetches actions by GUID, skipping any that vanished and duplicates.
func (s *Store) load(ctx context.Context, guids []string) ([]*store.EngineAction, error) {
	seen := make(map[string]bool, len(guids))
	var out []*store.EngineAction
	for _, guid := range guids {
		if seen[guid] {
			continue
		}
		seen[guid] = true
		a, err := s.GetAction(ctx, guid)
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// --- Events ---

func (s *Store) AppendEvent(ctx context.Context, event *store.Event) error {
	seq, err := s.client.Incr(ctx, s.prefix+"events:seq:"+event.ActionID).Result()
	if err != nil {
		return unavailable("next event sequence", err)
	}
	id, err := s.client.Incr(ctx, s.prefix+"events:id").Result()
	if err != nil {
		return unavailable("next event id", err)
	}
	event.Sequence = seq
	event.ID = id
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	b, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.prefix+"events:"+event.ActionID, b)
	pipe.LPush(ctx, s.prefix+"events:recent", b)
	pipe.LTrim(ctx, s.prefix+"events:recent", 0, recentEvents-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("append event", err)
	}
	return nil
}

func (s *Store) GetEvents(ctx context.Context, actionID string, since int64) ([]*store.Event, error) {
	raw, err := s.client.LRange(ctx, s.prefix+"events:"+actionID, 0, -1).Result()
	if err != nil {
		return nil, unavailable("get events", err)
	}
	events, err := decodeEvents(raw)
	if err != nil {
		return nil, err
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Sequence < events[j].Sequence })
	out := events[:0]
	for _, e := range events {
		if e.Sequence > since {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) ListEvents(ctx context.Context, filter store.EventFilter) ([]*store.Event, error) {
	raw, err := s.client.LRange(ctx, s.prefix+"events:recent", 0, -1).Result()
	if err != nil {
		return nil, unavailable("list events", err)
	}
	events, err := decodeEvents(raw)
	if err != nil {
		return nil, err
	}
	var out []*store.Event
	for _, e := range events {
		if filter.ActionID != "" && e.ActionID != filter.ActionID {
			continue
		}
		if filter.ProcessName != "" && e.ProcessName != filter.ProcessName {
			continue
		}
		if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func decodeEvents(raw []string) ([]*store.Event, error) {
	events := make([]*store.Event, 0, len(raw))
	for _, r := range raw {
		e := &store.Event{}
		if err := json.Unmarshal([]byte(r), e); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		events = append(events, e)
	}
	return events, nil
}

// --- Helpers ---

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return schema.StoreUnavailable(op, err)
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func millis(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func hasStatus(statuses []schema.ActionStatus, st schema.ActionStatus) bool {
	for _, s := range statuses {
		if s == st {
			return true
		}
	}
	return false
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

func sortByStart(actions []*store.EngineAction) {
	sort.SliceStable(actions, func(i, j int) bool {
		if !actions[i].StartTime.Equal(actions[j].StartTime) {
			return actions[i].StartTime.Before(actions[j].StartTime)
		}
		return actions[i].CreatedAt.Before(actions[j].CreatedAt)
	})
}

func sortByCreated(actions []*store.EngineAction) {
	sort.SliceStable(actions, func(i, j int) bool { return actions[i].CreatedAt.Before(actions[j].CreatedAt) })
}
