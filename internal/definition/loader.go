// Package definition loads process definition documents (YAML or JSON) into
// a graph store after validating them.
package definition

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/rendis/govflow/internal/logging"
	"github.com/rendis/govflow/internal/store"
	"github.com/rendis/govflow/internal/validation"
	"github.com/rendis/govflow/pkg/schema"
)

// Format is the encoding of a definition document.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatOf picks the format from a file extension. Anything that is not
// .json is read as YAML.
func FormatOf(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// Parse decodes a process document. Unknown fields are rejected.
func Parse(data []byte, format Format) (*schema.ProcessDocument, error) {
	doc := &schema.ProcessDocument{}
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(doc); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse JSON definition: %s", err.Error()).WithCause(err)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(doc); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse YAML definition: %s", err.Error()).WithCause(err)
		}
	}
	return doc, nil
}

// ParseFile reads and decodes a definition file.
func ParseFile(path string) (*schema.ProcessDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition %s: %w", path, err)
	}
	return Parse(data, FormatOf(path))
}

// Result describes a loaded process.
type Result struct {
	Process *schema.ProcessDefinition `json:"process"`
	// Steps maps document step IDs to stored step GUIDs.
	Steps    map[string]string        `json:"steps"`
	Edges    int                      `json:"edges"`
	Warnings []schema.ValidationIssue `json:"warnings,omitempty"`
	// Skipped is set when the process already existed and the loader was
	// created WithSkipExisting.
	Skipped bool `json:"skipped,omitempty"`
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithSkipExisting makes Load return the stored process instead of a
// CONFLICT when a process of the same name exists. The stored graph is left
// untouched.
func WithSkipExisting() LoaderOption {
	return func(l *Loader) { l.skipExisting = true }
}

// Loader validates documents and writes them to a graph store.
type Loader struct {
	graph     store.GraphStore
	validator *validation.ProcessValidator
	logger    *slog.Logger

	skipExisting bool
}

// NewLoader creates a Loader.
func NewLoader(graph store.GraphStore, validator *validation.ProcessValidator, logger *slog.Logger, opts ...LoaderOption) *Loader {
	l := &Loader{graph: graph, validator: validator, logger: logging.OrDefault(logger)}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Validate runs the validation pipeline without writing anything.
func (l *Loader) Validate(doc *schema.ProcessDocument) *schema.ValidationResult {
	return l.validator.Validate(doc)
}

// Load validates doc and stores it as a new process. Process definitions are
// immutable once stored, so loading an existing name returns CONFLICT unless
// the loader skips existing processes.
func (l *Loader) Load(ctx context.Context, doc *schema.ProcessDocument) (*Result, error) {
	vr := l.validator.Validate(doc)
	if err := vr.ToError(); err != nil {
		return nil, err
	}

	if existing, err := l.graph.GetProcessDefinition(ctx, doc.Name); err == nil {
		if l.skipExisting {
			l.logger.DebugContext(ctx, "process definition already loaded", "process", doc.Name)
			return &Result{Process: existing, Warnings: vr.Warnings, Skipped: true}, nil
		}
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "process %q already exists", doc.Name)
	} else if !schema.IsCode(err, schema.ErrCodeNotFound) {
		return nil, err
	}

	proc := &schema.ProcessDefinition{
		GUID:          uuid.New().String(),
		QualifiedName: doc.Name,
		DisplayName:   doc.DisplayName,
		Description:   doc.Description,
	}
	if err := l.graph.SaveProcess(ctx, proc); err != nil {
		return nil, err
	}

	res := &Result{Process: proc, Steps: make(map[string]string, len(doc.Steps)), Warnings: vr.Warnings}
	for _, sd := range doc.Steps {
		step, err := stepFrom(proc.GUID, sd)
		if err != nil {
			return nil, err
		}
		if err := l.graph.SaveStep(ctx, step); err != nil {
			return nil, err
		}
		res.Steps[sd.ID] = step.GUID
	}

	for _, ed := range doc.Edges {
		edge := &schema.StepEdge{
			GUID:         uuid.New().String(),
			FromStepGUID: res.Steps[ed.From],
			ToStepGUID:   res.Steps[ed.To],
			Guard:        ed.Guard,
			Mandatory:    ed.Mandatory,
		}
		if err := l.graph.SaveEdge(ctx, edge); err != nil {
			return nil, err
		}
		res.Edges++
	}

	if err := l.graph.SetFirstStep(ctx, proc.GUID, res.Steps[doc.FirstStep]); err != nil {
		return nil, err
	}
	proc.FirstStepGUID = res.Steps[doc.FirstStep]

	l.logger.InfoContext(logging.WithProcess(ctx, doc.Name), "process definition loaded",
		"steps", len(res.Steps), "edges", res.Edges, "warnings", len(res.Warnings))
	for _, w := range res.Warnings {
		l.logger.WarnContext(ctx, "process definition warning", "process", doc.Name, "path", w.Path, "message", w.Message)
	}
	return res, nil
}

// LoadFile parses and loads one definition file.
func (l *Loader) LoadFile(ctx context.Context, path string) (*Result, error) {
	doc, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	return l.Load(ctx, doc)
}

// LoadDir loads every .yaml, .yml and .json file in dir, in name order. It
// stops at the first failure.
func (l *Loader) LoadDir(ctx context.Context, dir string) ([]*Result, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read definition dir %s: %w", dir, err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)

	results := make([]*Result, 0, len(paths))
	for _, p := range paths {
		res, err := l.LoadFile(ctx, p)
		if err != nil {
			return results, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		results = append(results, res)
	}
	return results, nil
}

func stepFrom(processGUID string, sd schema.StepDocument) (*schema.ProcessStep, error) {
	var wait time.Duration
	if sd.WaitTime != "" {
		d, err := time.ParseDuration(sd.WaitTime)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s: invalid wait time %q", sd.ID, sd.WaitTime)
		}
		wait = d
	}
	step := &schema.ProcessStep{
		GUID:                   uuid.New().String(),
		ProcessGUID:            processGUID,
		QualifiedName:          sd.ID,
		Domain:                 sd.Domain,
		DisplayName:            sd.DisplayName,
		Description:            sd.Description,
		WaitTime:               wait,
		IgnoreMultipleTriggers: sd.IgnoreMultipleTriggers,
	}
	if sd.Executor != nil {
		step.Executor = *sd.Executor
	}
	return step, nil
}
