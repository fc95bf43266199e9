package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"evigraph/internal/config"
	"evigraph/internal/engine"
	"evigraph/internal/schedule"
	"evigraph/internal/validate"
)

func TestParseParamPairs(t *testing.T) {
	got, err := parseParamPairs([]string{"kind=claim", " state = draft ", ""})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := map[string]any{"kind": "claim", "state": "draft"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for _, bad := range []string{"novalue", "=x"} {
		if _, err := parseParamPairs([]string{bad}); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestOpenBackend(t *testing.T) {
	ctx := context.Background()

	backend, err := openBackend(ctx, "memory://", nil)
	if err != nil || backend != nil {
		t.Fatalf("memory dsn: got %v, %v", backend, err)
	}

	dir := t.TempDir()
	backend, err = openBackend(ctx, "sqlite://"+filepath.Join(dir, "nested", "evigraph.db"), nil)
	if err != nil {
		t.Fatalf("sqlite dsn: %v", err)
	}
	backend.Close(ctx)
	if _, err := os.Stat(filepath.Join(dir, "nested")); err != nil {
		t.Fatalf("expected database directory to be created: %v", err)
	}

	backend, err = openBackend(ctx, "badger://:memory:", nil)
	if err != nil {
		t.Fatalf("badger dsn: %v", err)
	}
	backend.Close(ctx)

	for _, dsn := range []string{"evigraph.db", "mysql://localhost/db"} {
		if _, err := openBackend(ctx, dsn, nil); err == nil {
			t.Fatalf("expected error for %q", dsn)
		}
	}
}

func TestLoadEngineMemory(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "evigraph.yaml")
	cfg := config.Default("cli-test")
	cfg.Database.DSN = "memory://"
	data, err := cfg.Marshal()
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	old := configPath
	configPath = path
	t.Cleanup(func() { configPath = old })

	eng, backend, err := loadEngine(ctx)
	if err != nil {
		t.Fatalf("load engine: %v", err)
	}
	defer eng.Close(ctx)
	if backend != nil {
		t.Fatalf("expected no backend for memory dsn")
	}
	if seq, _ := eng.Store.Head(); seq != 0 {
		t.Fatalf("expected empty journal, got seq %d", seq)
	}
}

func TestPrintIssues(t *testing.T) {
	var buf bytes.Buffer
	printIssues(&buf, []validate.Issue{
		{Severity: validate.SeverityError, Code: "requires_cycle", Message: "requires edges form a cycle"},
		{Severity: validate.SeverityWarn, Code: "stale_artifact", Message: "artifact is stale", Artifact: "claim-1"},
	})
	out := buf.String()
	if !strings.Contains(out, "graph: requires edges form a cycle (requires_cycle)") {
		t.Fatalf("missing graph-level issue in %q", out)
	}
	if !strings.Contains(out, "claim-1: artifact is stale (stale_artifact)") {
		t.Fatalf("missing artifact issue in %q", out)
	}
}

func TestMetricsServer(t *testing.T) {
	srv := metricsServer(":0")
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatalf("expected default collectors in output")
	}
}

const runContract = `version: 1
steps:
  - kind: assertion
    assertion:
      alias: revenue
      id: claim-revenue
      kind: claim
      sources: ["ledger:q1"]
  - kind: task
    task:
      id: verify
      task: verify revenue
      target: revenue
`

func TestDeclareContract(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "contract.yaml")
	if err := os.WriteFile(path, []byte(runContract), 0o600); err != nil {
		t.Fatalf("write contract: %v", err)
	}

	planned, err := engine.New(ctx, config.Default("cli-test"), engine.Options{})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer planned.Close(ctx)
	res, err := declareContract(ctx, planned, path, false, "cli")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(res.Actions) != 1 {
		t.Fatalf("expected one action, got %+v", res.Actions)
	}
	if seq, _ := planned.Store.Head(); seq != 0 {
		t.Fatalf("planning wrote to the journal: seq %d", seq)
	}

	applied, err := engine.New(ctx, config.Default("cli-test"), engine.Options{})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer applied.Close(ctx)
	res, err = declareContract(ctx, applied, path, true, "cli")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, ok := applied.Store.Snapshot().Artifact("claim-revenue"); !ok {
		t.Fatalf("expected the assertion to be applied")
	}

	var buf bytes.Buffer
	printStatuses(&buf, applied.Scheduler, res.Actions)
	if !strings.Contains(buf.String(), "verify (verify revenue)") || !strings.Contains(buf.String(), string(schedule.StatusPending)) {
		t.Fatalf("unexpected status listing %q", buf.String())
	}

	if _, err := declareContract(ctx, applied, filepath.Join(t.TempDir(), "missing.yaml"), false, "cli"); err == nil {
		t.Fatalf("expected error for missing contract")
	}
}
