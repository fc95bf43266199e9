package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"evigraph/internal/store"
)

const (
	prefixArtifact   = "artifact/"
	prefixEdge       = "edge/"
	prefixEvidence   = "evidence/"
	prefixRetraction = "retraction/"
	prefixPenalty    = "penalty/"
	prefixConstraint = "constraint/"
	prefixAnchor     = "anchor/"
	prefixJournal    = "journal/"
)

func journalKey(seq int64) []byte {
	return []byte(fmt.Sprintf("%s%016d", prefixJournal, seq))
}

func edgeKey(e store.Edge) []byte {
	return []byte(prefixEdge + e.Src + "\x00" + e.Dst + "\x00" + string(e.Type))
}

func penaltyKey(p store.Penalty) []byte {
	return []byte(prefixPenalty + p.ConstraintID + "\x00" + p.ArtifactID)
}

// Commit writes a batch and its journal event in one transaction.
func (c *Client) Commit(ctx context.Context, b *store.Batch) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(journalKey(b.Event.Seq)); err == nil {
			return fmt.Errorf("journal event %d already exists", b.Event.Seq)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		for _, a := range b.Artifacts {
			if err := put(txn, []byte(prefixArtifact+a.ID), a); err != nil {
				return fmt.Errorf("writing artifact %s: %w", a.ID, err)
			}
		}
		for _, e := range b.Edges {
			if err := put(txn, edgeKey(e), e); err != nil {
				return fmt.Errorf("writing edge %s->%s: %w", e.Src, e.Dst, err)
			}
		}
		for _, ev := range b.Evidence {
			if err := put(txn, []byte(prefixEvidence+ev.ID), ev); err != nil {
				return fmt.Errorf("writing evidence %s: %w", ev.ID, err)
			}
		}
		for _, r := range b.Retractions {
			if err := put(txn, []byte(prefixRetraction+r.EvidenceID), r); err != nil {
				return fmt.Errorf("writing retraction %s: %w", r.EvidenceID, err)
			}
		}
		for _, p := range b.Penalties {
			if err := put(txn, penaltyKey(p), p); err != nil {
				return fmt.Errorf("writing penalty %s on %s: %w", p.ConstraintID, p.ArtifactID, err)
			}
		}
		for _, id := range b.RemovedConstraints {
			if err := txn.Delete([]byte(prefixConstraint + id)); err != nil {
				return fmt.Errorf("removing constraint %s: %w", id, err)
			}
		}
		for _, vc := range b.Constraints {
			if err := put(txn, []byte(prefixConstraint+vc.ID), vc); err != nil {
				return fmt.Errorf("writing constraint %s: %w", vc.ID, err)
			}
		}
		for _, a := range b.Anchors {
			if err := put(txn, []byte(prefixAnchor+a.ID), a); err != nil {
				return fmt.Errorf("writing anchor %s: %w", a.ID, err)
			}
		}
		if err := put(txn, journalKey(b.Event.Seq), b.Event); err != nil {
			return fmt.Errorf("appending journal event %d: %w", b.Event.Seq, err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("committing batch: %w", err)
	}
	return nil
}

// Load reads every record set. Record order follows key order; the graph
// store re-sorts by sequence on rebuild.
func (c *Client) Load(ctx context.Context) (*store.Dump, error) {
	d := &store.Dump{}
	err := c.db.View(func(txn *badger.Txn) error {
		if err := scan(txn, prefixArtifact, nil, 0, &d.Artifacts); err != nil {
			return fmt.Errorf("loading artifacts: %w", err)
		}
		if err := scan(txn, prefixEdge, nil, 0, &d.Edges); err != nil {
			return fmt.Errorf("loading edges: %w", err)
		}
		if err := scan(txn, prefixEvidence, nil, 0, &d.Evidence); err != nil {
			return fmt.Errorf("loading evidence: %w", err)
		}
		if err := scan(txn, prefixRetraction, nil, 0, &d.Retractions); err != nil {
			return fmt.Errorf("loading retractions: %w", err)
		}
		if err := scan(txn, prefixPenalty, nil, 0, &d.Penalties); err != nil {
			return fmt.Errorf("loading penalties: %w", err)
		}
		if err := scan(txn, prefixConstraint, nil, 0, &d.Constraints); err != nil {
			return fmt.Errorf("loading constraints: %w", err)
		}
		if err := scan(txn, prefixAnchor, nil, 0, &d.Anchors); err != nil {
			return fmt.Errorf("loading anchors: %w", err)
		}
		if err := scan(txn, prefixJournal, nil, 0, &d.Events); err != nil {
			return fmt.Errorf("loading journal: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Events returns journal events with seq >= fromSeq. A limit <= 0 returns
// all of them.
func (c *Client) Events(ctx context.Context, fromSeq int64, limit int) ([]store.JournalEvent, error) {
	if fromSeq < 0 {
		fromSeq = 0
	}
	var events []store.JournalEvent
	err := c.db.View(func(txn *badger.Txn) error {
		return scan(txn, prefixJournal, journalKey(fromSeq), limit, &events)
	})
	if err != nil {
		return nil, fmt.Errorf("listing journal events: %w", err)
	}
	return events, nil
}

func put(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	return txn.Set(key, data)
}

// scan decodes every value under prefix, starting at from when set, into
// out. A limit <= 0 reads to the end of the prefix.
func scan[T any](txn *badger.Txn, prefix string, from []byte, limit int, out *[]T) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	start := from
	if start == nil {
		start = opts.Prefix
	}
	for it.Seek(start); it.ValidForPrefix(opts.Prefix); it.Next() {
		if limit > 0 && len(*out) >= limit {
			break
		}
		item := it.Item()
		var v T
		err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &v)
		})
		if err != nil {
			return fmt.Errorf("decoding %s: %w", item.Key(), err)
		}
		*out = append(*out, v)
	}
	return nil
}
