package mcp

import (
	"context"
	"testing"
	"time"

	"evigraph/internal/config"
	"evigraph/internal/engine"
	"evigraph/internal/schedule"
	"evigraph/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	eng, err := engine.New(context.Background(), config.Default("mcp-test"), engine.Options{
		Clock: func() time.Time { now = now.Add(time.Second); return now },
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close(context.Background()) })
	return NewServer(eng, "test", nil)
}

func createClaim(t *testing.T, server *Server, id, text string) {
	t.Helper()
	_, _, err := server.handleCreateArtifact(context.Background(), nil, CreateArtifactInput{
		ID: id, Kind: "claim", Sources: []string{"doc:" + id}, Content: map[string]any{"text": text},
	})
	if err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
}

func TestCreateArtifact_RequiresKind(t *testing.T) {
	server := newTestServer(t)

	_, _, err := server.handleCreateArtifact(context.Background(), nil, CreateArtifactInput{ID: "claim-1"})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestCreateArtifact_RejectsBadTime(t *testing.T) {
	server := newTestServer(t)

	_, _, err := server.handleCreateArtifact(context.Background(), nil, CreateArtifactInput{
		ID: "claim-1", Kind: "claim", Sources: []string{"doc:1"}, ValidTo: "next tuesday",
	})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestCreateArtifact_SourcelessClaimRejected(t *testing.T) {
	server := newTestServer(t)

	_, _, err := server.handleCreateArtifact(context.Background(), nil, CreateArtifactInput{ID: "claim-1", Kind: "claim"})
	if err == nil {
		t.Fatalf("expected error")
	}
	_, out, err := server.handleVerifyJournal(context.Background(), nil, VerifyJournalInput{})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !out.OK || out.Seq != 1 {
		t.Fatalf("expected the rejection to be journaled, got %+v", out)
	}
}

func TestEvidenceEdgesAndGetArtifact(t *testing.T) {
	server := newTestServer(t)
	ctx := context.Background()
	createClaim(t, server, "claim-1", "revenue grew")
	createClaim(t, server, "claim-2", "margin held")

	_, commit, err := server.handleAddEvidence(ctx, nil, AddEvidenceInput{
		ID: "ev-1", ArtifactID: "claim-1", Level: "empirical", Weight: 1,
		Locator: "https://ledger.example/q1", ObservedAt: "2025-05-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("add evidence: %v", err)
	}
	if commit.Validity["claim-1"] <= 0 {
		t.Fatalf("expected validity for claim-1, got %+v", commit.Validity)
	}
	if _, _, err := server.handleConnectEdge(ctx, nil, ConnectEdgeInput{Src: "claim-2", Dst: "claim-1", Type: "supports"}); err != nil {
		t.Fatalf("connect edge: %v", err)
	}

	_, art, err := server.handleGetArtifact(ctx, nil, GetArtifactInput{ID: "claim-1"})
	if err != nil {
		t.Fatalf("get artifact: %v", err)
	}
	if art.State != "draft" || art.V <= 0 {
		t.Fatalf("unexpected artifact %+v", art)
	}
	if len(art.Evidence) != 1 || art.Evidence[0].ID != "ev-1" {
		t.Fatalf("unexpected evidence %+v", art.Evidence)
	}
	if len(art.Edges) != 1 || art.Edges[0].Src != "claim-2" {
		t.Fatalf("unexpected edges %+v", art.Edges)
	}

	if _, _, err := server.handleRetractEvidence(ctx, nil, RetractEvidenceInput{EvidenceID: "ev-1", Reason: "ledger restated"}); err != nil {
		t.Fatalf("retract: %v", err)
	}
	_, art, err = server.handleGetArtifact(ctx, nil, GetArtifactInput{ID: "claim-1"})
	if err != nil {
		t.Fatalf("get artifact: %v", err)
	}
	if art.State != "invalidated" || !art.Evidence[0].Retracted {
		t.Fatalf("expected invalidated artifact with retracted evidence, got %+v", art)
	}
}

func TestGetArtifact_NotFound(t *testing.T) {
	server := newTestServer(t)

	_, _, err := server.handleGetArtifact(context.Background(), nil, GetArtifactInput{ID: "missing"})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestSearchArtifacts(t *testing.T) {
	server := newTestServer(t)
	createClaim(t, server, "claim-rev", "revenue grew")
	createClaim(t, server, "claim-cost", "costs fell")

	_, out, err := server.handleSearchArtifacts(context.Background(), nil, SearchArtifactsInput{Query: "revenue", Kind: "claim"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(out.Results) != 1 || out.Results[0].ID != "claim-rev" {
		t.Fatalf("unexpected results %+v", out.Results)
	}

	if _, _, err := server.handleSearchArtifacts(context.Background(), nil, SearchArtifactsInput{}); err == nil {
		t.Fatalf("expected error for empty query")
	}
}

func TestNextActionAndReportResult(t *testing.T) {
	server := newTestServer(t)
	ctx := context.Background()

	_, next, err := server.handleNextAction(ctx, nil, NextActionInput{})
	if err != nil {
		t.Fatalf("next action: %v", err)
	}
	if next.Available {
		t.Fatalf("expected empty frontier")
	}

	createClaim(t, server, "claim-1", "revenue grew")
	if _, err := server.eng.Scheduler.Declare(schedule.Action{
		ID: "verify-revenue", Task: "verify", Target: "claim-1", Utility: 1, Cost: 1,
	}); err != nil {
		t.Fatalf("declare: %v", err)
	}

	_, next, err = server.handleNextAction(ctx, nil, NextActionInput{})
	if err != nil {
		t.Fatalf("next action: %v", err)
	}
	if !next.Available || next.ActionID != "verify-revenue" || next.Attempt != 1 {
		t.Fatalf("unexpected dispatch %+v", next)
	}

	_, rep, err := server.handleReportResult(ctx, nil, ReportResultInput{
		ActionID: "verify-revenue",
		MutationsJSON: `[{"op":"add_evidence","evidence":{"id":"ev-9","artifact_id":"claim-1",` +
			`"level":"citation","weight":0.8,"locator":"https://example.org/filing"}}]`,
	})
	if err != nil {
		t.Fatalf("report result: %v", err)
	}
	if rep.Status != string(schedule.StatusDone) || len(rep.Commits) != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if _, ok := server.eng.Store.Snapshot().EvidenceItem("ev-9"); !ok {
		t.Fatalf("expected evidence from the reported mutation")
	}
}

func TestReportResult_BadJSON(t *testing.T) {
	server := newTestServer(t)

	_, _, err := server.handleReportResult(context.Background(), nil, ReportResultInput{ActionID: "a", MutationsJSON: "{"})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestEndMirror(t *testing.T) {
	server := newTestServer(t)
	ctx := context.Background()
	minV := 0.5
	if _, err := server.eng.Gate.DeclareAnchor(ctx, store.EndAnchor{
		ID: "final", TargetKind: store.KindReport, Rules: store.AnchorRules{MinValidity: &minV},
	}, "tester"); err != nil {
		t.Fatalf("declare anchor: %v", err)
	}

	_, out, err := server.handleEndMirror(ctx, nil, EndMirrorInput{})
	if err != nil {
		t.Fatalf("end mirror: %v", err)
	}
	if len(out.Anchors) != 1 || out.Anchors[0].AnchorID != "final" || out.Anchors[0].Pass {
		t.Fatalf("unexpected mirror %+v", out.Anchors)
	}
}

const verifyContract = `version: 1
steps:
  - kind: assertion
    assertion:
      alias: revenue
      id: claim-1
      kind: claim
      sources: ["ledger:q1"]
  - kind: task
    task:
      id: verify-revenue
      task: verify
      target: revenue
`

func TestDeclareContract_ApplyThenDispatch(t *testing.T) {
	server := newTestServer(t)
	ctx := context.Background()

	_, out, err := server.handleDeclareContract(ctx, nil, DeclareContractInput{Contract: verifyContract, Apply: true})
	if err != nil {
		t.Fatalf("declare contract: %v", err)
	}
	if out.Error != "" || out.Steps != 2 || len(out.Actions) != 1 || out.Actions[0] != "verify-revenue" {
		t.Fatalf("unexpected output %+v", out)
	}
	if out.Aliases["revenue"] != "claim-1" {
		t.Fatalf("expected alias to resolve, got %v", out.Aliases)
	}

	_, next, err := server.handleNextAction(ctx, nil, NextActionInput{})
	if err != nil {
		t.Fatalf("next action: %v", err)
	}
	if !next.Available || next.ActionID != "verify-revenue" || next.Target != "claim-1" {
		t.Fatalf("unexpected dispatch %+v", next)
	}
}

func TestDeclareContract_PlanWritesNothing(t *testing.T) {
	server := newTestServer(t)
	ctx := context.Background()
	createClaim(t, server, "claim-1", "Revenue grew")
	before, _ := server.eng.Store.Head()

	_, out, err := server.handleDeclareContract(ctx, nil, DeclareContractInput{Contract: verifyContract})
	if err != nil {
		t.Fatalf("declare contract: %v", err)
	}
	if len(out.Actions) != 1 {
		t.Fatalf("expected one action, got %+v", out)
	}
	if after, _ := server.eng.Store.Head(); after != before {
		t.Fatalf("planning advanced the journal from %d to %d", before, after)
	}
	if _, status, ok := server.eng.Scheduler.Action("verify-revenue"); !ok || status != schedule.StatusPending {
		t.Fatalf("expected pending action, got %q %v", status, ok)
	}
}

func TestDeclareContract_Rejected(t *testing.T) {
	server := newTestServer(t)
	ctx := context.Background()

	if _, _, err := server.handleDeclareContract(ctx, nil, DeclareContractInput{Contract: " "}); err == nil {
		t.Fatalf("expected error for empty contract")
	}
	if _, _, err := server.handleDeclareContract(ctx, nil, DeclareContractInput{Contract: "steps: [\n"}); err == nil {
		t.Fatalf("expected error for malformed contract")
	}
}

func TestReportResult_BlockedOutcomeCommitsNothing(t *testing.T) {
	server := newTestServer(t)
	ctx := context.Background()
	createClaim(t, server, "claim-1", "Revenue grew")
	_, _, err := server.handleCreateArtifact(ctx, nil, CreateArtifactInput{ID: "report-1", Kind: "report"})
	if err != nil {
		t.Fatalf("create report: %v", err)
	}
	if _, _, err := server.handleConnectEdge(ctx, nil, ConnectEdgeInput{Src: "report-1", Dst: "claim-1", Type: "requires"}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	minV := 0.3
	if _, err := server.eng.Gate.DeclareAnchor(ctx, store.EndAnchor{
		ID: "final", TargetKind: store.KindReport, Rules: store.AnchorRules{MinValidity: &minV},
	}, "test"); err != nil {
		t.Fatalf("declare anchor: %v", err)
	}
	if _, err := server.eng.Scheduler.Declare(schedule.Action{ID: "finish", Task: "finish", Target: "report-1"}); err != nil {
		t.Fatalf("declare: %v", err)
	}
	if _, _, err := server.handleNextAction(ctx, nil, NextActionInput{}); err != nil {
		t.Fatalf("next action: %v", err)
	}

	_, rep, err := server.handleReportResult(ctx, nil, ReportResultInput{
		ActionID: "finish",
		MutationsJSON: `[{"op":"create_artifact","create":{"id":"side","kind":"table"}},` +
			`{"op":"transition_state","transition":{"artifact_id":"report-1","target":"resolved"}}]`,
	})
	if err != nil {
		t.Fatalf("report result: %v", err)
	}
	if rep.Status != string(schedule.StatusBlocked) || len(rep.Commits) != 0 || rep.Question == "" {
		t.Fatalf("unexpected report %+v", rep)
	}
	if _, ok := server.eng.Store.Snapshot().Artifact("side"); ok {
		t.Fatalf("mutation before the blocked one was committed")
	}
}
