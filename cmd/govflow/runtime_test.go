package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/govflow/internal/engine"
)

const reviewYAML = `
name: review
first_step: check
steps:
  - id: check
    executor:
      engine: rules
      request_type: cel
      request_parameters:
        expression: "true"
  - id: publish
    executor:
      engine: rules
      request_type: jq
edges:
  - {from: check, to: publish, guard: "true"}
`

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	defs := filepath.Join(dir, "defs")
	require.NoError(t, os.MkdirAll(defs, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(defs, "review.yaml"), []byte(reviewYAML), 0o600))

	cfg := defaultConfig()
	cfg.DBPath = filepath.Join(dir, "data", "govflow.db")
	cfg.MetricsAddr = ""
	cfg.DefinitionsDir = defs
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpenRuntime_LoadsDefinitionsAndInitiates(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	rt, err := openRuntime(ctx, cfg, quietLogger())
	require.NoError(t, err)
	defer rt.Close(ctx)

	res, err := rt.engine.InitiateProcess(ctx, engine.InitiateRequest{ProcessName: "review", Originator: "cli"})
	require.NoError(t, err)
	assert.True(t, res.Created)

	active, err := rt.engine.ListActive(ctx, engine.ActiveFilter{})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, res.ActionGUID, active[0].GUID)
	assert.NotEmpty(t, rt.registry.List())
}

func TestOpenRuntime_ReopenSkipsLoadedDefinitions(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	first, err := openRuntime(ctx, cfg, quietLogger())
	require.NoError(t, err)
	first.Close(ctx)

	second, err := openRuntime(ctx, cfg, quietLogger())
	require.NoError(t, err)
	second.Close(ctx)
}

func TestOpenRuntime_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backend = "postgres"

	_, err := openRuntime(context.Background(), cfg, quietLogger())
	assert.Error(t, err)
}

func TestLoadPaths_DryRunWritesNothing(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	file := filepath.Join(cfg.DefinitionsDir, "review.yaml")
	cfg.DefinitionsDir = ""

	rt, err := openRuntime(ctx, cfg, quietLogger())
	require.NoError(t, err)
	defer rt.Close(ctx)

	var out bytes.Buffer
	require.NoError(t, loadPaths(ctx, &out, rt.loader, []string{file}, true))
	assert.Contains(t, out.String(), "valid (2 steps, 1 edges)")

	_, err = rt.engine.InitiateProcess(ctx, engine.InitiateRequest{ProcessName: "review"})
	assert.Error(t, err)

	out.Reset()
	require.NoError(t, loadPaths(ctx, &out, rt.loader, []string{file}, false))
	assert.Contains(t, out.String(), "review: loaded 2 steps, 1 edges")
}
