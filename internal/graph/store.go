// Package graph is the transactional evidence store. Every write runs as a
// single transaction against a private copy of the current state: structural
// checks, unit resolution, cycle detection, stale propagation, validity
// recomputation and constraint evaluation either all succeed and commit
// together with a journal event, or nothing changes.
//
// Readers take a Snapshot, which is immutable and never blocks the writer.
package graph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"evigraph/internal/journal"
	"evigraph/internal/logging"
	"evigraph/internal/metrics"
	"evigraph/internal/store"
	"evigraph/internal/units"
	"evigraph/internal/validity"
)

var tracer = otel.Tracer("evigraph.graph")

type Options struct {
	Units    *units.Resolver
	Validity *validity.Aggregator
	// Clock defaults to time.Now.
	Clock func() time.Time
	// NewID generates ids for artifacts and evidence created without one.
	NewID  func() string
	Logger *slog.Logger
}

// Hook runs synchronously after a commit is persisted and before its
// snapshot is published, while the writer lock is held. Hooks must not write
// to the store.
type Hook func(c *Commit, snap *Snapshot)

type Store struct {
	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
	backend store.Backend
	chain   *journal.Chain
	events  []store.JournalEvent
	hooks   []Hook

	units    *units.Resolver
	validity *validity.Aggregator
	clock    func() time.Time
	newID    func() string
	log      *slog.Logger
}

// New returns an empty store that keeps everything in memory.
func New(opts Options) *Store {
	s := &Store{chain: journal.NewChain()}
	s.configure(opts)
	s.current.Store(&Snapshot{st: newState()})
	return s
}

// Open rebuilds a store from a backend and verifies its journal. Every later
// commit is persisted through the backend before it becomes visible.
func Open(ctx context.Context, backend store.Backend, opts Options) (*Store, error) {
	dump, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading store: %w", err)
	}
	st, err := rebuild(dump)
	if err != nil {
		return nil, err
	}

	events := append([]store.JournalEvent(nil), dump.Events...)
	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })
	chain, err := journal.Resume(events)
	if err != nil {
		return nil, fmt.Errorf("verifying journal: %w", err)
	}

	s := &Store{backend: backend, chain: chain, events: events}
	s.configure(opts)
	seq, _ := chain.Head()
	s.current.Store(&Snapshot{st: st, seq: seq})
	s.log.Info("store opened",
		slog.Int("artifacts", len(st.artifacts)),
		slog.Int("edges", len(st.edges)),
		slog.Int64("journal_seq", seq))
	return s, nil
}

func (s *Store) configure(opts Options) {
	s.units = opts.Units
	if s.units == nil {
		s.units = units.NewResolver()
	}
	s.validity = opts.Validity
	if s.validity == nil {
		s.validity = validity.New(validity.DefaultOptions())
	}
	s.clock = opts.Clock
	if s.clock == nil {
		s.clock = time.Now
	}
	s.newID = opts.NewID
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	s.log = logging.OrDefault(opts.Logger, "graph")
}

func rebuild(d *store.Dump) (*state, error) {
	st := newState()

	arts := append([]store.Artifact(nil), d.Artifacts...)
	sortArtifacts(arts)
	for _, a := range arts {
		st.artifacts[a.ID] = a
		st.topo.add(a.ID)
	}

	edges := append([]store.Edge(nil), d.Edges...)
	sort.Slice(edges, func(i, j int) bool { return edges[i].Seq < edges[j].Seq })
	for _, e := range edges {
		if _, ok := st.artifacts[e.Src]; !ok {
			return nil, fmt.Errorf("edge %s: unknown source artifact", e.Key())
		}
		if _, ok := st.artifacts[e.Dst]; !ok {
			return nil, fmt.Errorf("edge %s: unknown target artifact", e.Key())
		}
		if e.Type == store.EdgeRequires && !st.topo.insert(e.Src, e.Dst, st.requiresSucc, st.requiresPred) {
			return nil, fmt.Errorf("edge %s closes a requires cycle: %w", e.Key(), store.ErrInvariantViolation)
		}
		st.putEdge(e)
	}

	items := append([]store.EvidenceItem(nil), d.Evidence...)
	sort.Slice(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })
	for _, item := range items {
		st.putEvidence(item)
	}
	for _, r := range d.Retractions {
		st.retracted[r.EvidenceID] = r
	}

	pens := append([]store.Penalty(nil), d.Penalties...)
	sort.Slice(pens, func(i, j int) bool { return pens[i].Seq < pens[j].Seq })
	for _, p := range pens {
		st.putPenalty(p)
	}
	for _, c := range d.Constraints {
		st.constraints[c.ID] = c
	}
	for _, a := range d.Anchors {
		st.anchors[a.ID] = a
	}
	return st, nil
}

// Snapshot returns the last committed state.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// OnCommit registers a hook. Register hooks before the store is shared.
func (s *Store) OnCommit(h Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, h)
}

// Now is the store clock, normalized the way the journal stores times.
func (s *Store) Now() time.Time {
	return journal.Normalize(s.clock())
}

// Prepare fills generated ids and content hashes so that a dry run and the
// later commit of the same mutation agree.
func (s *Store) Prepare(m Mutation) Mutation {
	switch {
	case m.Create != nil:
		in := *m.Create
		if in.ID == "" {
			in.ID = s.newID()
		}
		m.Create = &in
	case m.Evidence != nil:
		in := *m.Evidence
		if in.ID == "" {
			in.ID = s.newID()
		}
		if in.ContentHash == "" {
			src := in.SourceContent
			if src == "" {
				src = in.Locator
			}
			sum := sha256.Sum256([]byte(src))
			in.ContentHash = hex.EncodeToString(sum[:])
		}
		in.SourceContent = ""
		m.Evidence = &in
	}
	return m
}

// Apply runs m as one transaction. Rejected mutations leave the graph
// unchanged and are journaled as rejection notes.
func (s *Store) Apply(ctx context.Context, m Mutation) (*Commit, error) {
	return s.apply(ctx, m, time.Time{}, -1)
}

// ApplyAt is Apply with an optimistic check: the commit is refused with
// ErrConflict unless the journal head is still at seq.
func (s *Store) ApplyAt(ctx context.Context, m Mutation, seq int64) (*Commit, error) {
	return s.apply(ctx, m, time.Time{}, seq)
}

func (s *Store) apply(ctx context.Context, m Mutation, at time.Time, expectSeq int64) (*Commit, error) {
	ctx, span := tracer.Start(ctx, "graph.Apply", trace.WithAttributes(
		attribute.String("graph.op", m.Op),
		attribute.String("graph.actor", m.Actor),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		metrics.CommitDuration.WithLabelValues(m.Op).Observe(time.Since(start).Seconds())
	}()

	m = s.Prepare(m)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := at
	if now.IsZero() {
		now = s.Now()
	}
	base := s.current.Load()

	if expectSeq >= 0 && base.seq != expectSeq {
		err := fmt.Errorf("journal head moved from %d to %d: %w", expectSeq, base.seq, store.ErrConflict)
		return nil, s.reject(ctx, span, m, now, err)
	}
	if err := m.Validate(); err != nil {
		return nil, s.reject(ctx, span, m, now, err)
	}

	t := s.newTx(base, now)
	c, err := t.run(m)
	if err != nil {
		return nil, s.reject(ctx, span, m, now, err)
	}

	ev, err := s.event(m, c, now, t.touchedIDs())
	if err != nil {
		return nil, err
	}
	t.batch.Event = ev
	if s.backend != nil {
		if err := s.backend.Commit(ctx, &t.batch); err != nil {
			metrics.Commits.WithLabelValues(m.Op, "failed").Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("persisting %s: %w", m.Op, err)
		}
	}
	if err := s.chain.Advance(ev); err != nil {
		return nil, err
	}
	s.events = append(s.events, ev)

	snap := &Snapshot{st: t.st, seq: ev.Seq}
	c.Seq, c.Hash = ev.Seq, ev.Hash
	for _, h := range s.hooks {
		h(c, snap)
	}
	s.current.Store(snap)

	metrics.Commits.WithLabelValues(m.Op, "committed").Inc()
	metrics.Penalties.Add(float64(len(c.Penalties)))
	for _, tr := range c.Transitions {
		if tr.To == store.StateStale {
			metrics.StaleMarked.Inc()
		}
	}
	span.SetAttributes(attribute.Int64("graph.seq", ev.Seq), attribute.Int("graph.changed", len(c.Changed)))

	s.log.Debug("committed",
		slog.String("op", m.Op),
		slog.Int64("seq", ev.Seq),
		slog.String("id", c.ID),
		slog.Int("changed", len(c.Changed)))
	return c, nil
}

// event seals the journal event for a successful commit without advancing
// the chain.
func (s *Store) event(m Mutation, c *Commit, now time.Time, touched []string) (store.JournalEvent, error) {
	input, err := json.Marshal(m)
	if err != nil {
		return store.JournalEvent{}, fmt.Errorf("encoding %s input: %w", m.Op, err)
	}
	output, err := json.Marshal(c)
	if err != nil {
		return store.JournalEvent{}, fmt.Errorf("encoding %s output: %w", m.Op, err)
	}
	return s.chain.Seal(store.JournalEvent{
		Op:      m.Op,
		Actor:   m.Actor,
		Touched: touched,
		Input:   input,
		Output:  output,
		Replay:  m.Replay,
		At:      now,
	})
}

// reject journals a rejection note and returns cause unchanged. The graph
// state is not touched; only the journal head moves.
func (s *Store) reject(ctx context.Context, span trace.Span, m Mutation, now time.Time, cause error) error {
	metrics.Commits.WithLabelValues(m.Op, "rejected").Inc()
	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())

	input, err := json.Marshal(m)
	if err != nil {
		return cause
	}
	err = s.appendRejection(ctx, store.JournalEvent{
		Op:       m.Op,
		Actor:    m.Actor,
		Touched:  m.Targets(),
		Input:    input,
		Replay:   m.Replay,
		Rejected: true,
		Reason:   cause.Error(),
		At:       now,
	})
	if err != nil {
		s.log.Warn("rejection note not journaled", slog.String("op", m.Op), slog.Any("error", err))
		return cause
	}
	s.log.Info("mutation rejected",
		slog.String("op", m.Op),
		slog.String("reason", cause.Error()))
	return cause
}

// appendRejection seals, persists and publishes a rejection note. The caller
// holds the writer lock.
func (s *Store) appendRejection(ctx context.Context, ev store.JournalEvent) error {
	ev, err := s.chain.Seal(ev)
	if err != nil {
		return err
	}
	if s.backend != nil {
		if err := s.backend.Commit(ctx, &store.Batch{Event: ev}); err != nil {
			return err
		}
	}
	if err := s.chain.Advance(ev); err != nil {
		return err
	}
	s.events = append(s.events, ev)
	prev := s.current.Load()
	s.current.Store(&Snapshot{st: prev.st, seq: ev.Seq})
	return nil
}

// Reject journals m as refused by a caller-side check, such as the
// alignment gate, and returns cause.
func (s *Store) Reject(ctx context.Context, m Mutation, cause error) error {
	ctx, span := tracer.Start(ctx, "graph.Reject", trace.WithAttributes(attribute.String("graph.op", m.Op)))
	defer span.End()
	m = s.Prepare(m)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reject(ctx, span, m, s.Now(), cause)
}

// RecordRejection copies a rejected event into this store's journal during
// replay.
func (s *Store) RecordRejection(ctx context.Context, ev store.JournalEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendRejection(ctx, store.JournalEvent{
		Op:       ev.Op,
		Actor:    ev.Actor,
		Touched:  ev.Touched,
		Input:    ev.Input,
		Replay:   ev.Replay,
		Rejected: true,
		Reason:   ev.Reason,
		At:       ev.At,
	})
}

// DryRun evaluates m against the current snapshot without committing it.
func (s *Store) DryRun(m Mutation) (*Commit, *Snapshot, error) {
	return s.DryRunOn(s.Snapshot(), m, s.Now())
}

// DryRunOn evaluates m against base at the given time. The returned
// snapshot shows the state the commit would produce; it is never published.
func (s *Store) DryRunOn(base *Snapshot, m Mutation, now time.Time) (*Commit, *Snapshot, error) {
	m = s.Prepare(m)
	if err := m.Validate(); err != nil {
		return nil, nil, err
	}
	t := s.newTx(base, now)
	c, err := t.run(m)
	if err != nil {
		return nil, nil, err
	}
	return c, &Snapshot{st: t.st, seq: base.seq + 1}, nil
}

// Events returns up to limit journal events with Seq >= fromSeq. A limit of
// zero or less returns everything.
func (s *Store) Events(fromSeq int64, limit int) []store.JournalEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := sort.Search(len(s.events), func(i int) bool { return s.events[i].Seq >= fromSeq })
	out := s.events[i:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return append([]store.JournalEvent(nil), out...)
}

// Head returns the journal head.
func (s *Store) Head() (int64, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chain.Head()
}

// VerifyJournal re-hashes the persisted journal, or the in-memory one when
// the store has no backend.
func (s *Store) VerifyJournal(ctx context.Context) error {
	events := s.Events(0, 0)
	if s.backend != nil {
		persisted, err := s.backend.Events(ctx, 0, 0)
		if err != nil {
			return fmt.Errorf("reading journal: %w", err)
		}
		events = persisted
	}
	return journal.Verify(events)
}

// ReplayEvent re-applies a journaled mutation at its original time and
// returns the commit output, for journal.Replay.
func (s *Store) ReplayEvent(ctx context.Context, ev store.JournalEvent) (json.RawMessage, error) {
	var m Mutation
	if err := json.Unmarshal(ev.Input, &m); err != nil {
		return nil, fmt.Errorf("decoding event %d: %w", ev.Seq, err)
	}
	m.Actor = ev.Actor
	m.Replay = ev.Replay
	c, err := s.apply(ctx, m, ev.At, -1)
	if err != nil {
		return nil, err
	}
	return json.Marshal(c)
}

var (
	_ journal.Applier           = (*Store)(nil)
	_ journal.RejectionRecorder = (*Store)(nil)
)

// Search finds artifacts whose text matches query, optionally restricted to
// one kind. It uses the backend's index when the store has a backend.
func (s *Store) Search(ctx context.Context, query string, kind store.Kind) ([]store.SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query must not be empty")
	}
	if s.backend != nil {
		return s.backend.Search(ctx, query, kind)
	}
	results := []store.SearchResult{}
	for _, a := range s.Snapshot().Artifacts() {
		if kind != "" && a.Kind != kind {
			continue
		}
		score, ok := store.MatchScore(store.SearchText(a)+"\n"+strings.Join(a.Tags, " "), query)
		if !ok {
			continue
		}
		results = append(results, store.SearchResult{
			ArtifactID: a.ID, Kind: a.Kind, State: a.State,
			Tags: append([]string{}, a.Tags...), Score: score,
		})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results, nil
}

// Close releases the backend.
func (s *Store) Close(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	return s.backend.Close(ctx)
}

// IsRejection reports whether err is one the store journals as a rejection
// rather than a failure.
func IsRejection(err error) bool {
	return errors.Is(err, store.ErrInvariantViolation) ||
		errors.Is(err, store.ErrConstraintViolation) ||
		errors.Is(err, store.ErrConflict) ||
		errors.Is(err, store.ErrNotFound)
}
