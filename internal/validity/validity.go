// Package validity computes an artifact's confidence score from its evidence:
//
//	v = 1 - Π (1 - w_i · level_i · independence_i)
//
// Independence of item i depends only on live items ingested before it:
//
//	independence_i = max(floor, Π_{j<i} (1 - alpha · sim(i, j)))
//	sim(i, j)      = 0.5·[same domain] + 0.3·[same author] + 0.2·[observed within window]
//
// Adding an item never changes an earlier item's term, so v cannot drop when
// evidence is added. Retracting an item raises later siblings' independence.
package validity

import (
	"math"
	"net/url"
	"sort"
	"strings"
	"time"

	"evigraph/internal/store"
)

const (
	domainShare = 0.5
	authorShare = 0.3
	timeShare   = 0.2
)

type Options struct {
	Levels map[store.Level]float64
	Alpha  float64
	Floor  float64
	Window time.Duration
}

func DefaultOptions() Options {
	return Options{
		Levels: store.DefaultLevelWeights(),
		Alpha:  0.5,
		Floor:  0.05,
		Window: 24 * time.Hour,
	}
}

type Aggregator struct {
	opts Options
}

func New(opts Options) *Aggregator {
	def := DefaultOptions()
	if opts.Levels == nil {
		opts.Levels = def.Levels
	}
	if opts.Alpha <= 0 || opts.Alpha > 1 {
		opts.Alpha = def.Alpha
	}
	if opts.Floor <= 0 || opts.Floor > 1 {
		opts.Floor = def.Floor
	}
	if opts.Window <= 0 {
		opts.Window = def.Window
	}
	return &Aggregator{opts: opts}
}

type Result struct {
	V            float64
	Independence map[string]float64
	Contribution map[string]float64
}

func (a *Aggregator) LevelWeight(level store.Level) float64 {
	return a.opts.Levels[level]
}

// Compute is pure: the same items and retractions always produce the same
// result.
func (a *Aggregator) Compute(items []store.EvidenceItem, retracted map[string]bool) Result {
	live := make([]store.EvidenceItem, 0, len(items))
	for _, item := range items {
		if !retracted[item.ID] {
			live = append(live, item)
		}
	}
	sort.SliceStable(live, func(i, j int) bool {
		if live[i].Seq != live[j].Seq {
			return live[i].Seq < live[j].Seq
		}
		return live[i].ID < live[j].ID
	})

	res := Result{
		Independence: make(map[string]float64, len(live)),
		Contribution: make(map[string]float64, len(live)),
	}
	remaining := 1.0
	for i, item := range live {
		ind := 1.0
		for j := 0; j < i; j++ {
			ind *= 1 - a.opts.Alpha*Similarity(item, live[j], a.opts.Window)
		}
		ind = math.Max(a.opts.Floor, ind)

		c := clamp(item.Weight) * a.LevelWeight(item.Level) * ind
		res.Independence[item.ID] = ind
		res.Contribution[item.ID] = c
		remaining *= 1 - clamp(c)
	}
	res.V = clamp(1 - remaining)
	return res
}

// Similarity scores how much two evidence items share a source origin.
func Similarity(a, b store.EvidenceItem, window time.Duration) float64 {
	sim := 0.0
	if da, db := Domain(a.Locator), Domain(b.Locator); da != "" && da == db {
		sim += domainShare
	}
	if a.Author != "" && strings.EqualFold(a.Author, b.Author) {
		sim += authorShare
	}
	if !a.ObservedAt.IsZero() && !b.ObservedAt.IsZero() {
		gap := a.ObservedAt.Sub(b.ObservedAt)
		if gap < 0 {
			gap = -gap
		}
		if gap <= window {
			sim += timeShare
		}
	}
	return sim
}

// Domain extracts the origin of a source locator: the URL host when there is
// one, otherwise everything before the first slash.
func Domain(locator string) string {
	loc := strings.ToLower(strings.TrimSpace(locator))
	if loc == "" {
		return ""
	}
	if u, err := url.Parse(loc); err == nil && u.Host != "" {
		return strings.TrimPrefix(u.Hostname(), "www.")
	}
	if i := strings.IndexByte(loc, '/'); i > 0 {
		return loc[:i]
	}
	return loc
}

func clamp(x float64) float64 {
	switch {
	case math.IsNaN(x) || x < 0:
		return 0
	case x > 1:
		return 1
	}
	return x
}
