package journal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"evigraph/internal/store"
)

// Applier re-executes the mutation recorded in an event and returns the
// output it would journal.
type Applier interface {
	ReplayEvent(ctx context.Context, ev store.JournalEvent) (json.RawMessage, error)
}

// RejectionRecorder is implemented by appliers that keep rejected events in
// their own journal so that sequence numbers stay aligned during replay.
type RejectionRecorder interface {
	RecordRejection(ctx context.Context, ev store.JournalEvent) error
}

type ReplayError struct {
	Seq  int64
	Op   string
	Want json.RawMessage
	Got  json.RawMessage
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("replay diverged at seq %d (%s)", e.Seq, e.Op)
}

// Replay verifies the chain and then re-applies every accepted event in
// order, comparing the produced output with the recorded one. It returns
// the number of events replayed.
func Replay(ctx context.Context, events []store.JournalEvent, applier Applier) (int, error) {
	if err := Verify(events); err != nil {
		return 0, err
	}
	replayed := 0
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}
		if ev.Rejected {
			if rec, ok := applier.(RejectionRecorder); ok {
				if err := rec.RecordRejection(ctx, ev); err != nil {
					return replayed, fmt.Errorf("recording rejection at seq %d: %w", ev.Seq, err)
				}
			}
			continue
		}
		got, err := applier.ReplayEvent(ctx, ev)
		if err != nil {
			return replayed, fmt.Errorf("replaying seq %d (%s): %w", ev.Seq, ev.Op, err)
		}
		if !bytes.Equal(compact(got), compact(ev.Output)) {
			return replayed, &ReplayError{Seq: ev.Seq, Op: ev.Op, Want: ev.Output, Got: got}
		}
		replayed++
	}
	return replayed, nil
}

func compact(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
