package journal

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evigraph/internal/store"
)

func buildChain(t *testing.T, n int) []store.JournalEvent {
	t.Helper()
	c := NewChain()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := make([]store.JournalEvent, 0, n)
	for i := 0; i < n; i++ {
		ev, err := c.Seal(store.JournalEvent{
			Op:      "create_artifact",
			Actor:   "tester",
			Touched: []string{"a"},
			Input:   json.RawMessage(`{"kind":"claim"}`),
			Output:  json.RawMessage(`{"id":"a"}`),
			At:      base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
		require.NoError(t, c.Advance(ev))
		events = append(events, ev)
	}
	return events
}

func TestChainLinksEvents(t *testing.T) {
	events := buildChain(t, 5)

	assert.Equal(t, GenesisHash, events[0].PrevHash)
	for i := 1; i < len(events); i++ {
		assert.Equal(t, int64(i+1), events[i].Seq)
		assert.Equal(t, events[i-1].Hash, events[i].PrevHash)
	}
	require.NoError(t, Verify(events))
}

func TestVerifyDetectsTampering(t *testing.T) {
	t.Run("edited payload", func(t *testing.T) {
		events := buildChain(t, 4)
		events[2].Output = json.RawMessage(`{"id":"b"}`)

		err := Verify(events)
		require.Error(t, err)
		var chainErr *ChainError
		require.True(t, errors.As(err, &chainErr))
		assert.Equal(t, int64(3), chainErr.Seq)
		assert.ErrorIs(t, err, ErrChainBroken)
	})

	t.Run("dropped event", func(t *testing.T) {
		events := buildChain(t, 4)
		events = append(events[:1], events[2:]...)
		assert.ErrorIs(t, Verify(events), ErrChainBroken)
	})

	t.Run("relinked hash", func(t *testing.T) {
		events := buildChain(t, 3)
		events[1].PrevHash = GenesisHash
		assert.ErrorIs(t, Verify(events), ErrChainBroken)
	})
}

func TestAdvanceRejectsForeignEvent(t *testing.T) {
	c := NewChain()
	ev, err := c.Seal(store.JournalEvent{Op: "x"})
	require.NoError(t, err)

	other := NewChain()
	foreign, err := other.Seal(store.JournalEvent{Op: "y"})
	require.NoError(t, err)
	require.NoError(t, other.Advance(foreign))
	next, err := other.Seal(store.JournalEvent{Op: "z"})
	require.NoError(t, err)

	assert.ErrorIs(t, c.Advance(next), ErrOutOfOrder)
	require.NoError(t, c.Advance(ev))
}

func TestResumeContinuesChain(t *testing.T) {
	events := buildChain(t, 3)
	c, err := Resume(events)
	require.NoError(t, err)

	ev, err := c.Seal(store.JournalEvent{Op: "connect_edge"})
	require.NoError(t, err)
	assert.Equal(t, int64(4), ev.Seq)
	assert.Equal(t, events[2].Hash, ev.PrevHash)
	require.NoError(t, Verify(append(events, ev)))
}

func TestSealNormalizesTimestamps(t *testing.T) {
	c := NewChain()
	local := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.FixedZone("X", 3600))
	ev, err := c.Seal(store.JournalEvent{Op: "x", At: local})
	require.NoError(t, err)

	assert.Equal(t, time.UTC, ev.At.Location())
	assert.Equal(t, 123456000, ev.At.Nanosecond())
}

type echoApplier struct {
	outputs map[int64]json.RawMessage
}

func (a echoApplier) ReplayEvent(ctx context.Context, ev store.JournalEvent) (json.RawMessage, error) {
	if out, ok := a.outputs[ev.Seq]; ok {
		return out, nil
	}
	return ev.Output, nil
}

func TestReplay(t *testing.T) {
	events := buildChain(t, 3)

	n, err := Replay(context.Background(), events, echoApplier{})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = Replay(context.Background(), events, echoApplier{outputs: map[int64]json.RawMessage{
		2: json.RawMessage(`{"id":"other"}`),
	}})
	var replayErr *ReplayError
	require.True(t, errors.As(err, &replayErr))
	assert.Equal(t, int64(2), replayErr.Seq)
}
