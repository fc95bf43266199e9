// Package journal implements the append-only, hash-chained provenance log.
//
// Every event stores the hash of its predecessor. The first event links to
// GenesisHash. Sequencing is not safe for concurrent use; the graph store's
// writer lock is the single sequencer.
package journal

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"evigraph/internal/store"
)

// GenesisHash is the PrevHash of the first event in a chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

var (
	ErrChainBroken = errors.New("journal: hash chain broken")
	ErrOutOfOrder  = errors.New("journal: event does not extend chain head")
)

type ChainError struct {
	Seq    int64
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("journal chain broken at seq %d: %s", e.Seq, e.Reason)
}

func (e *ChainError) Unwrap() error {
	return ErrChainBroken
}

type Chain struct {
	seq  int64
	head string
}

func NewChain() *Chain {
	return &Chain{head: GenesisHash}
}

// Resume verifies events and returns a chain positioned after the last one.
func Resume(events []store.JournalEvent) (*Chain, error) {
	if err := Verify(events); err != nil {
		return nil, err
	}
	c := NewChain()
	if n := len(events); n > 0 {
		c.seq = events[n-1].Seq
		c.head = events[n-1].Hash
	}
	return c, nil
}

func (c *Chain) Head() (int64, string) {
	return c.seq, c.head
}

// Seal assigns the next sequence number and link hashes without advancing
// the chain. The caller advances only once the event is durable.
func (c *Chain) Seal(ev store.JournalEvent) (store.JournalEvent, error) {
	ev.Seq = c.seq + 1
	ev.PrevHash = c.head
	ev.At = Normalize(ev.At)
	hash, err := Hash(ev)
	if err != nil {
		return store.JournalEvent{}, err
	}
	ev.Hash = hash
	return ev, nil
}

func (c *Chain) Advance(ev store.JournalEvent) error {
	if ev.Seq != c.seq+1 || ev.PrevHash != c.head {
		return fmt.Errorf("advancing to seq %d: %w", ev.Seq, ErrOutOfOrder)
	}
	c.seq = ev.Seq
	c.head = ev.Hash
	return nil
}

// Normalize truncates timestamps to the precision every backend can round
// trip, so recomputed hashes match stored ones.
func Normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// Hash computes the event hash over its canonical JSON encoding with the
// Hash field cleared.
func Hash(ev store.JournalEvent) (string, error) {
	ev.Hash = ""
	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("encoding journal event %d: %w", ev.Seq, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Verify recomputes the chain from the first event.
func Verify(events []store.JournalEvent) error {
	return VerifyFrom(0, GenesisHash, events)
}

// VerifyFrom verifies a chain segment that follows the event with the given
// sequence number and hash.
func VerifyFrom(prevSeq int64, prevHash string, events []store.JournalEvent) error {
	for _, ev := range events {
		if ev.Seq != prevSeq+1 {
			return &ChainError{Seq: ev.Seq, Reason: fmt.Sprintf("expected seq %d", prevSeq+1)}
		}
		if ev.PrevHash != prevHash {
			return &ChainError{Seq: ev.Seq, Reason: "prev_hash does not match predecessor"}
		}
		computed, err := Hash(ev)
		if err != nil {
			return &ChainError{Seq: ev.Seq, Reason: err.Error()}
		}
		if computed != ev.Hash {
			return &ChainError{Seq: ev.Seq, Reason: "stored hash does not match contents"}
		}
		prevSeq = ev.Seq
		prevHash = ev.Hash
	}
	return nil
}
