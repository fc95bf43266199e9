package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"evigraph/internal/contract"
	"evigraph/internal/engine"
	"evigraph/internal/graph"
	"evigraph/internal/schedule"
	"evigraph/internal/store"
	"evigraph/internal/teleo"
)

type CreateArtifactInput struct {
	ID           string         `json:"id,omitempty" jsonschema:"artifact id, generated when empty"`
	Kind         string         `json:"kind" jsonschema:"claim, number, table, report, decision or latent_risk"`
	Content      map[string]any `json:"content,omitempty" jsonschema:"free-form artifact body"`
	Unit         string         `json:"unit,omitempty" jsonschema:"unit of a number artifact"`
	Sources      []string       `json:"sources,omitempty" jsonschema:"source references, required for claims and numbers"`
	Owner        string         `json:"owner,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	Stage        string         `json:"stage,omitempty"`
	Risk         float64        `json:"risk,omitempty" jsonschema:"risk in [0,1]"`
	ValidFrom    string         `json:"valid_from,omitempty" jsonschema:"RFC 3339 start of the validity window"`
	ValidTo      string         `json:"valid_to,omitempty" jsonschema:"RFC 3339 end of the validity window"`
	AltGroup     string         `json:"alt_group,omitempty" jsonschema:"mutually exclusive alternative group"`
	Actor        string         `json:"actor,omitempty" jsonschema:"who proposes the write"`
	Utility      float64        `json:"utility,omitempty" jsonschema:"expected utility of the write for the gate"`
	Irreversible bool           `json:"irreversible,omitempty" jsonschema:"route the write through the alignment gate"`
}

type AddEvidenceInput struct {
	ID         string  `json:"id,omitempty" jsonschema:"evidence id, generated when empty"`
	ArtifactID string  `json:"artifact_id" jsonschema:"artifact the evidence supports"`
	Level      string  `json:"level" jsonschema:"evidence level, e.g. anecdotal, citation, empirical, formal_proof"`
	Weight     float64 `json:"weight" jsonschema:"weight in (0,1]"`
	Locator    string  `json:"locator" jsonschema:"where the evidence can be found"`
	Content    string  `json:"content,omitempty" jsonschema:"source content, hashed and not stored"`
	Author     string  `json:"author,omitempty"`
	ObservedAt string  `json:"observed_at,omitempty" jsonschema:"RFC 3339 observation time"`
	Actor      string  `json:"actor,omitempty"`
}

type ConnectEdgeInput struct {
	Src   string `json:"src" jsonschema:"source artifact id"`
	Dst   string `json:"dst" jsonschema:"target artifact id"`
	Type  string `json:"type" jsonschema:"supports, contradicts, requires, refines or alternative_of"`
	Actor string `json:"actor,omitempty"`
}

type TransitionStateInput struct {
	ArtifactID   string  `json:"artifact_id"`
	Target       string  `json:"target" jsonschema:"draft, resolved, stale or invalidated"`
	Actor        string  `json:"actor,omitempty"`
	Utility      float64 `json:"utility,omitempty"`
	Irreversible bool    `json:"irreversible,omitempty"`
	Terminal     bool    `json:"terminal,omitempty" jsonschema:"force evaluation by the alignment gate"`
}

type RetractEvidenceInput struct {
	EvidenceID string `json:"evidence_id"`
	Reason     string `json:"reason,omitempty"`
	Actor      string `json:"actor,omitempty"`
}

type DeclareContractInput struct {
	Contract string `json:"contract" jsonschema:"contract document, YAML or JSON"`
	Apply    bool   `json:"apply,omitempty" jsonschema:"apply every step instead of declaring only the task steps"`
	Actor    string `json:"actor,omitempty"`
}

type NextActionInput struct{}

type ReportResultInput struct {
	ActionID      string `json:"action_id" jsonschema:"action id from next_action"`
	MutationsJSON string `json:"mutations_json,omitempty" jsonschema:"JSON array of mutations produced by the action"`
	Error         string `json:"error,omitempty" jsonschema:"failure message when the action did not succeed"`
}

type EndMirrorInput struct{}

type GetArtifactInput struct {
	ID string `json:"id" jsonschema:"artifact id"`
}

type SearchArtifactsInput struct {
	Query string `json:"query" jsonschema:"search terms"`
	Kind  string `json:"kind,omitempty" jsonschema:"restrict to one artifact kind"`
}

type VerifyJournalInput struct{}

type CommitOutput struct {
	Seq         int64              `json:"seq"`
	Op          string             `json:"op"`
	ID          string             `json:"id,omitempty"`
	Transitions []TransitionOutput `json:"transitions,omitempty"`
	Validity    map[string]float64 `json:"validity,omitempty"`
	Disposition string             `json:"disposition,omitempty"`
	IAG         float64            `json:"iag,omitempty"`
	Advice      string             `json:"advice,omitempty"`
}

type TransitionOutput struct {
	ArtifactID string `json:"artifact_id"`
	From       string `json:"from"`
	To         string `json:"to"`
	Cause      string `json:"cause"`
}

type DeclareContractOutput struct {
	Steps       int               `json:"steps"`
	Actions     []string          `json:"actions"`
	Aliases     map[string]string `json:"aliases,omitempty"`
	Artifacts   []string          `json:"artifacts,omitempty"`
	Anchors     []string          `json:"anchors,omitempty"`
	Constraints []string          `json:"constraints,omitempty"`
	Error       string            `json:"error,omitempty"`
}

type NextActionOutput struct {
	Available bool     `json:"available"`
	ActionID  string   `json:"action_id,omitempty"`
	Name      string   `json:"name,omitempty"`
	Task      string   `json:"task,omitempty"`
	Target    string   `json:"target,omitempty"`
	Prereqs   []string `json:"prereqs,omitempty"`
	Attempt   int      `json:"attempt,omitempty"`
	Deadline  string   `json:"deadline,omitempty"`
}

type ReportResultOutput struct {
	Status     string         `json:"status"`
	Commits    []CommitOutput `json:"commits,omitempty"`
	RetryAt    string         `json:"retry_at,omitempty"`
	LatentRisk string         `json:"latent_risk,omitempty"`
	Question   string         `json:"question,omitempty"`
	Error      string         `json:"error,omitempty"`
}

type RuleOutput struct {
	Rule   string  `json:"rule"`
	Need   float64 `json:"need"`
	Have   float64 `json:"have"`
	Margin float64 `json:"margin"`
}

type MirrorOutput struct {
	AnchorID  string       `json:"anchor_id"`
	Pass      bool         `json:"pass"`
	Margin    float64      `json:"margin"`
	Candidate string       `json:"candidate,omitempty"`
	Rules     []RuleOutput `json:"rules,omitempty"`
}

type EndMirrorOutput struct {
	Anchors []MirrorOutput `json:"anchors"`
}

type EvidenceOutput struct {
	ID        string  `json:"id"`
	Level     string  `json:"level"`
	Weight    float64 `json:"weight"`
	Locator   string  `json:"locator"`
	Retracted bool    `json:"retracted,omitempty"`
}

type EdgeOutput struct {
	Src  string `json:"src"`
	Dst  string `json:"dst"`
	Type string `json:"type"`
}

type ArtifactOutput struct {
	ID         string           `json:"id"`
	Kind       string           `json:"kind"`
	State      string           `json:"state"`
	V          float64          `json:"v"`
	EffectiveV float64          `json:"effective_v"`
	R          float64          `json:"r"`
	Unit       string           `json:"unit,omitempty"`
	Sources    []string         `json:"sources"`
	Owner      string           `json:"owner,omitempty"`
	Tags       []string         `json:"tags"`
	Stage      string           `json:"stage,omitempty"`
	AltGroup   string           `json:"alt_group,omitempty"`
	ValidFrom  string           `json:"valid_from,omitempty"`
	ValidTo    string           `json:"valid_to,omitempty"`
	Revision   int64            `json:"revision"`
	Content    map[string]any   `json:"content"`
	Evidence   []EvidenceOutput `json:"evidence"`
	Edges      []EdgeOutput     `json:"edges"`
}

type SearchResultOutput struct {
	ID      string   `json:"id"`
	Kind    string   `json:"kind"`
	State   string   `json:"state"`
	Tags    []string `json:"tags"`
	Score   float64  `json:"score"`
	Snippet string   `json:"snippet,omitempty"`
}

type SearchArtifactsOutput struct {
	Results []SearchResultOutput `json:"results"`
}

type VerifyJournalOutput struct {
	OK    bool   `json:"ok"`
	Seq   int64  `json:"seq"`
	Head  string `json:"head"`
	Error string `json:"error,omitempty"`
}

func (s *Server) registerTools() {
	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "create_artifact",
		Description: "Create a draft artifact in the evidence graph",
	}, s.handleCreateArtifact)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "add_evidence",
		Description: "Attach an evidence item to an artifact and recompute its validity",
	}, s.handleAddEvidence)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "connect_edge",
		Description: "Connect two artifacts with a typed edge",
	}, s.handleConnectEdge)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "transition_state",
		Description: "Move an artifact to another lifecycle state",
	}, s.handleTransitionState)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "retract_evidence",
		Description: "Retract an evidence item and invalidate the artifact it supported",
	}, s.handleRetractEvidence)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "declare_contract",
		Description: "Register a contract's policies and declare its tasks as schedulable actions",
	}, s.handleDeclareContract)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "next_action",
		Description: "Dispatch the highest-priority eligible action",
	}, s.handleNextAction)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "report_result",
		Description: "Report the outcome of a dispatched action",
	}, s.handleReportResult)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "end_mirror",
		Description: "Evaluate every end anchor against the current graph",
	}, s.handleEndMirror)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "get_artifact",
		Description: "Retrieve an artifact with its evidence and edges",
	}, s.handleGetArtifact)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "search_artifacts",
		Description: "Search artifacts by id, tags and content",
	}, s.handleSearchArtifacts)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "verify_journal",
		Description: "Recompute the journal hash chain",
	}, s.handleVerifyJournal)
}

func (s *Server) handleCreateArtifact(ctx context.Context, req *sdk.CallToolRequest, input CreateArtifactInput) (*sdk.CallToolResult, CommitOutput, error) {
	if input.Kind == "" {
		return nil, CommitOutput{}, fmt.Errorf("kind is required")
	}
	validFrom, err := parseTime("valid_from", input.ValidFrom)
	if err != nil {
		return nil, CommitOutput{}, err
	}
	validTo, err := parseTime("valid_to", input.ValidTo)
	if err != nil {
		return nil, CommitOutput{}, err
	}
	m := graph.Mutation{Op: graph.OpCreateArtifact, Create: &graph.CreateArtifactInput{
		ID:        input.ID,
		Kind:      store.Kind(input.Kind),
		Content:   input.Content,
		Unit:      input.Unit,
		Sources:   input.Sources,
		Owner:     input.Owner,
		Tags:      input.Tags,
		Stage:     input.Stage,
		Risk:      input.Risk,
		ValidFrom: validFrom,
		ValidTo:   validTo,
		AltGroup:  input.AltGroup,
	}}
	return s.propose(ctx, m, engine.ProposalMeta{Actor: input.Actor, Utility: input.Utility, Irreversible: input.Irreversible})
}

func (s *Server) handleAddEvidence(ctx context.Context, req *sdk.CallToolRequest, input AddEvidenceInput) (*sdk.CallToolResult, CommitOutput, error) {
	if input.ArtifactID == "" {
		return nil, CommitOutput{}, fmt.Errorf("artifact_id is required")
	}
	observed, err := parseTime("observed_at", input.ObservedAt)
	if err != nil {
		return nil, CommitOutput{}, err
	}
	ev := &graph.AddEvidenceInput{
		ID:            input.ID,
		ArtifactID:    input.ArtifactID,
		Level:         store.Level(input.Level),
		Weight:        input.Weight,
		Locator:       input.Locator,
		SourceContent: input.Content,
		Author:        input.Author,
	}
	if observed != nil {
		ev.ObservedAt = *observed
	}
	return s.propose(ctx, graph.Mutation{Op: graph.OpAddEvidence, Evidence: ev}, engine.ProposalMeta{Actor: input.Actor})
}

func (s *Server) handleConnectEdge(ctx context.Context, req *sdk.CallToolRequest, input ConnectEdgeInput) (*sdk.CallToolResult, CommitOutput, error) {
	if input.Src == "" || input.Dst == "" {
		return nil, CommitOutput{}, fmt.Errorf("src and dst are required")
	}
	m := graph.Mutation{Op: graph.OpConnectEdge, Edge: &graph.ConnectEdgeInput{
		Src: input.Src, Dst: input.Dst, Type: store.EdgeType(input.Type),
	}}
	return s.propose(ctx, m, engine.ProposalMeta{Actor: input.Actor})
}

func (s *Server) handleTransitionState(ctx context.Context, req *sdk.CallToolRequest, input TransitionStateInput) (*sdk.CallToolResult, CommitOutput, error) {
	if input.ArtifactID == "" {
		return nil, CommitOutput{}, fmt.Errorf("artifact_id is required")
	}
	m := graph.Mutation{Op: graph.OpTransitionState, Transition: &graph.TransitionInput{
		ArtifactID: input.ArtifactID, Target: store.State(input.Target),
	}}
	return s.propose(ctx, m, engine.ProposalMeta{
		Actor:        input.Actor,
		Utility:      input.Utility,
		Irreversible: input.Irreversible,
		Terminal:     input.Terminal,
	})
}

func (s *Server) handleRetractEvidence(ctx context.Context, req *sdk.CallToolRequest, input RetractEvidenceInput) (*sdk.CallToolResult, CommitOutput, error) {
	if input.EvidenceID == "" {
		return nil, CommitOutput{}, fmt.Errorf("evidence_id is required")
	}
	m := graph.Mutation{Op: graph.OpRetractEvidence, Retract: &graph.RetractInput{
		EvidenceID: input.EvidenceID, Reason: input.Reason,
	}}
	return s.propose(ctx, m, engine.ProposalMeta{Actor: input.Actor})
}

func (s *Server) propose(ctx context.Context, m graph.Mutation, meta engine.ProposalMeta) (*sdk.CallToolResult, CommitOutput, error) {
	res, err := s.eng.Propose(ctx, m, meta)
	if err != nil {
		return nil, CommitOutput{}, err
	}
	return nil, commitOutput(res.Commit, res.Evaluation), nil
}

func (s *Server) handleDeclareContract(ctx context.Context, req *sdk.CallToolRequest, input DeclareContractInput) (*sdk.CallToolResult, DeclareContractOutput, error) {
	if strings.TrimSpace(input.Contract) == "" {
		return nil, DeclareContractOutput{}, fmt.Errorf("contract is required")
	}
	c, err := contract.Decode(strings.NewReader(input.Contract))
	if err != nil {
		return nil, DeclareContractOutput{}, err
	}
	var res *contract.Result
	if input.Apply {
		res, err = contract.Apply(ctx, s.eng, c, input.Actor, s.log)
	} else {
		res, err = contract.Plan(s.eng, c, s.log)
	}
	if res == nil {
		return nil, DeclareContractOutput{}, err
	}
	out := DeclareContractOutput{
		Steps:       res.Steps,
		Actions:     make([]string, 0, len(res.Actions)),
		Aliases:     res.Aliases,
		Artifacts:   res.Artifacts,
		Anchors:     res.Anchors,
		Constraints: res.Constraints,
	}
	for _, a := range res.Actions {
		out.Actions = append(out.Actions, a.ID)
	}
	if err != nil {
		out.Error = err.Error()
	}
	return nil, out, nil
}

func (s *Server) handleNextAction(ctx context.Context, req *sdk.CallToolRequest, input NextActionInput) (*sdk.CallToolResult, NextActionOutput, error) {
	d, err := s.eng.Scheduler.NextAction(ctx)
	if errors.Is(err, schedule.ErrEmpty) {
		return nil, NextActionOutput{Available: false}, nil
	}
	if err != nil {
		return nil, NextActionOutput{}, err
	}
	return nil, NextActionOutput{
		Available: true,
		ActionID:  d.Action.ID,
		Name:      d.Action.Name,
		Task:      d.Action.Task,
		Target:    d.Action.Target,
		Prereqs:   append([]string{}, d.Action.Prereqs...),
		Attempt:   d.Attempt,
		Deadline:  d.Deadline.UTC().Format(time.RFC3339),
	}, nil
}

func (s *Server) handleReportResult(ctx context.Context, req *sdk.CallToolRequest, input ReportResultInput) (*sdk.CallToolResult, ReportResultOutput, error) {
	if input.ActionID == "" {
		return nil, ReportResultOutput{}, fmt.Errorf("action_id is required")
	}
	var out schedule.Outcome
	if strings.TrimSpace(input.MutationsJSON) != "" {
		if err := json.Unmarshal([]byte(input.MutationsJSON), &out.Mutations); err != nil {
			return nil, ReportResultOutput{}, fmt.Errorf("decoding mutations_json: %w", err)
		}
	}
	if input.Error != "" {
		out.Err = errors.New(input.Error)
	}

	rep, err := s.eng.Scheduler.ReportResult(ctx, input.ActionID, out)
	if rep == nil {
		return nil, ReportResultOutput{}, err
	}
	output := ReportResultOutput{
		Status:     string(rep.Status),
		LatentRisk: rep.LatentRisk,
		Question:   rep.Question,
	}
	if !rep.RetryAt.IsZero() {
		output.RetryAt = rep.RetryAt.UTC().Format(time.RFC3339)
	}
	for _, c := range rep.Commits {
		output.Commits = append(output.Commits, commitOutput(c, nil))
	}
	if err != nil {
		output.Error = err.Error()
	}
	return nil, output, nil
}

func (s *Server) handleEndMirror(ctx context.Context, req *sdk.CallToolRequest, input EndMirrorInput) (*sdk.CallToolResult, EndMirrorOutput, error) {
	results := s.eng.Mirror()
	out := EndMirrorOutput{Anchors: make([]MirrorOutput, 0, len(results))}
	for _, r := range results {
		out.Anchors = append(out.Anchors, mirrorOutput(r))
	}
	return nil, out, nil
}

func (s *Server) handleGetArtifact(ctx context.Context, req *sdk.CallToolRequest, input GetArtifactInput) (*sdk.CallToolResult, ArtifactOutput, error) {
	if input.ID == "" {
		return nil, ArtifactOutput{}, fmt.Errorf("id is required")
	}
	snap := s.eng.Store.Snapshot()
	a, ok := snap.Artifact(input.ID)
	if !ok {
		return nil, ArtifactOutput{}, fmt.Errorf("artifact %s: %w", input.ID, store.ErrNotFound)
	}
	return nil, artifactOutput(snap, a), nil
}

func (s *Server) handleSearchArtifacts(ctx context.Context, req *sdk.CallToolRequest, input SearchArtifactsInput) (*sdk.CallToolResult, SearchArtifactsOutput, error) {
	if input.Query == "" {
		return nil, SearchArtifactsOutput{}, fmt.Errorf("query is required")
	}
	results, err := s.eng.Store.Search(ctx, input.Query, store.Kind(input.Kind))
	if err != nil {
		return nil, SearchArtifactsOutput{}, err
	}
	output := make([]SearchResultOutput, 0, len(results))
	for _, r := range results {
		output = append(output, SearchResultOutput{
			ID:      r.ArtifactID,
			Kind:    string(r.Kind),
			State:   string(r.State),
			Tags:    append([]string{}, r.Tags...),
			Score:   r.Score,
			Snippet: r.Snippet,
		})
	}
	return nil, SearchArtifactsOutput{Results: output}, nil
}

func (s *Server) handleVerifyJournal(ctx context.Context, req *sdk.CallToolRequest, input VerifyJournalInput) (*sdk.CallToolResult, VerifyJournalOutput, error) {
	seq, head := s.eng.Store.Head()
	out := VerifyJournalOutput{OK: true, Seq: seq, Head: head}
	if err := s.eng.Store.VerifyJournal(ctx); err != nil {
		out.OK = false
		out.Error = err.Error()
	}
	return nil, out, nil
}

func parseTime(field, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("%s must be RFC 3339: %w", field, err)
	}
	return &t, nil
}

func commitOutput(c *graph.Commit, ev *teleo.Evaluation) CommitOutput {
	var out CommitOutput
	if c != nil {
		out.Seq = c.Seq
		out.Op = c.Op
		out.ID = c.ID
		out.Validity = c.Validity
		for _, t := range c.Transitions {
			out.Transitions = append(out.Transitions, TransitionOutput{
				ArtifactID: t.ArtifactID,
				From:       string(t.From),
				To:         string(t.To),
				Cause:      t.Cause,
			})
		}
	}
	if ev != nil {
		out.Disposition = string(ev.Disposition)
		out.IAG = ev.IAG
		out.Advice = ev.Advice
	}
	return out
}

func mirrorOutput(r teleo.MirrorResult) MirrorOutput {
	out := MirrorOutput{AnchorID: r.AnchorID, Pass: r.Pass, Margin: r.Margin, Candidate: r.Candidate}
	for _, rule := range r.Rules {
		out.Rules = append(out.Rules, RuleOutput{Rule: rule.Rule, Need: rule.Need, Have: rule.Have, Margin: rule.Margin})
	}
	return out
}

func artifactOutput(snap *graph.Snapshot, a store.Artifact) ArtifactOutput {
	out := ArtifactOutput{
		ID:         a.ID,
		Kind:       string(a.Kind),
		State:      string(a.State),
		V:          a.V,
		EffectiveV: snap.EffectiveV(a.ID),
		R:          a.R,
		Unit:       a.Unit,
		Sources:    append([]string{}, a.Sources...),
		Owner:      a.Owner,
		Tags:       append([]string{}, a.Tags...),
		Stage:      a.Stage,
		AltGroup:   a.AltGroup,
		Revision:   a.Revision,
		Content:    map[string]any{},
		Evidence:   []EvidenceOutput{},
		Edges:      []EdgeOutput{},
	}
	for k, v := range a.Content {
		out.Content[k] = v
	}
	if a.ValidFrom != nil {
		out.ValidFrom = a.ValidFrom.UTC().Format(time.RFC3339)
	}
	if a.ValidTo != nil {
		out.ValidTo = a.ValidTo.UTC().Format(time.RFC3339)
	}
	for _, item := range snap.Evidence(a.ID) {
		out.Evidence = append(out.Evidence, EvidenceOutput{
			ID:        item.ID,
			Level:     string(item.Level),
			Weight:    item.Weight,
			Locator:   item.Locator,
			Retracted: snap.Retracted(item.ID),
		})
	}
	for _, e := range snap.EdgesOf(a.ID, "both") {
		out.Edges = append(out.Edges, EdgeOutput{Src: e.Src, Dst: e.Dst, Type: string(e.Type)})
	}
	return out
}
