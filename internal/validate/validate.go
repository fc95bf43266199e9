// Package validate audits a graph snapshot and its journal and reports
// problems an operator should look at.
package validate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"evigraph/internal/graph"
	"evigraph/internal/journal"
	"evigraph/internal/store"
	"evigraph/internal/teleo"
)

type Severity string

const (
	SeverityError Severity = "error"
	SeverityWarn  Severity = "warning"
)

const (
	codeSourceless         = "sourceless_artifact"
	codeRequiresCycle      = "requires_cycle"
	codeAltGroupConflict   = "alt_group_conflict"
	codeAltGroupUnresolved = "alt_group_unresolved"
	codeStale              = "stale_artifact"
	codeExpired            = "expired_artifact"
	codeSoftPenalty        = "soft_penalty"
	codeJournalBroken      = "journal_chain_broken"
	codeAnchorFailing      = "anchor_failing"
)

type Issue struct {
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Artifact string   `json:"artifact,omitempty"`
}

type Report struct {
	Issues []Issue `json:"issues"`
}

// Errors counts error-severity issues.
func (r *Report) Errors() int {
	n := 0
	for _, issue := range r.Issues {
		if issue.Severity == SeverityError {
			n++
		}
	}
	return n
}

type Options struct {
	// Now is the time expiry is judged against. Zero means time.Now.
	Now time.Time
	// Journal, when set, has its hash chain verified.
	Journal JournalSource
}

func Run(ctx context.Context, snap *graph.Snapshot, opts Options) (*Report, error) {
	if snap == nil {
		return nil, fmt.Errorf("snapshot is required")
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	issues := make([]Issue, 0)
	artifacts := snap.Artifacts()
	for _, a := range artifacts {
		issues = append(issues, validateArtifact(snap, a, now)...)
	}

	if snap.HasRequiresCycle() {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Code:     codeRequiresCycle,
			Message:  "requires edges form a cycle",
		})
	}

	issues = append(issues, validateAltGroups(snap, artifacts)...)

	for _, res := range teleo.EvaluateAll(snap, now) {
		if res.Pass {
			continue
		}
		msg := fmt.Sprintf("end anchor %s has no passing candidate", res.AnchorID)
		if res.Candidate != "" {
			msg = fmt.Sprintf("end anchor %s fails, best candidate %s at margin %.3f", res.AnchorID, res.Candidate, res.Margin)
		}
		issues = append(issues, Issue{
			Severity: SeverityWarn,
			Code:     codeAnchorFailing,
			Message:  msg,
			Artifact: res.Candidate,
		})
	}

	if opts.Journal != nil {
		events, err := opts.Journal.Events(ctx, 0, 0)
		if err != nil {
			return nil, fmt.Errorf("list journal events: %w", err)
		}
		if err := journal.Verify(events); err != nil {
			var chainErr *journal.ChainError
			if !errors.As(err, &chainErr) {
				return nil, fmt.Errorf("verify journal: %w", err)
			}
			issues = append(issues, Issue{
				Severity: SeverityError,
				Code:     codeJournalBroken,
				Message:  chainErr.Error(),
			})
		}
	}

	return &Report{Issues: issues}, nil
}

func validateArtifact(snap *graph.Snapshot, a store.Artifact, now time.Time) []Issue {
	var issues []Issue
	if a.Kind.RequiresSources() && len(a.Sources) == 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Code:     codeSourceless,
			Message:  fmt.Sprintf("%s artifact has no sources", a.Kind),
			Artifact: a.ID,
		})
	}
	if a.State == store.StateStale {
		issues = append(issues, Issue{
			Severity: SeverityWarn,
			Code:     codeStale,
			Message:  "resolved artifact went stale after a dependency changed",
			Artifact: a.ID,
		})
	}
	if a.State != store.StateInvalidated && a.Expired(now) {
		issues = append(issues, Issue{
			Severity: SeverityWarn,
			Code:     codeExpired,
			Message:  fmt.Sprintf("validity window ended at %s", a.ValidTo.UTC().Format(time.RFC3339)),
			Artifact: a.ID,
		})
	}
	for _, p := range snap.Penalties(a.ID) {
		issues = append(issues, Issue{
			Severity: SeverityWarn,
			Code:     codeSoftPenalty,
			Message:  fmt.Sprintf("constraint %s penalised validity by %.3f", p.ConstraintID, p.Amount),
			Artifact: a.ID,
		})
	}
	return issues
}

func validateAltGroups(snap *graph.Snapshot, artifacts []store.Artifact) []Issue {
	groups := map[string]bool{}
	for _, a := range artifacts {
		if a.AltGroup != "" {
			groups[a.AltGroup] = true
		}
	}
	names := make([]string, 0, len(groups))
	for g := range groups {
		names = append(names, g)
	}
	sort.Strings(names)

	var issues []Issue
	for _, g := range names {
		var resolved []string
		for _, id := range snap.AltGroupMembers(g) {
			if a, ok := snap.Artifact(id); ok && a.State == store.StateResolved {
				resolved = append(resolved, id)
			}
		}
		switch {
		case len(resolved) > 1:
			sort.Strings(resolved)
			issues = append(issues, Issue{
				Severity: SeverityError,
				Code:     codeAltGroupConflict,
				Message:  fmt.Sprintf("alternative group %s has %d resolved members: %v", g, len(resolved), resolved),
				Artifact: resolved[0],
			})
		case len(resolved) == 0:
			issues = append(issues, Issue{
				Severity: SeverityWarn,
				Code:     codeAltGroupUnresolved,
				Message:  fmt.Sprintf("alternative group %s has no resolved member", g),
			})
		}
	}
	return issues
}
