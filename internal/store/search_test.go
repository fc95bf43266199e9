package store

import (
	"reflect"
	"strings"
	"testing"
)

func TestSQLArgs(t *testing.T) {
	got, err := SQLArgs(map[string]any{"2": "resolved", "1": "claim"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(got, []any{"claim", "resolved"}) {
		t.Fatalf("got %v", got)
	}
	if got, err := SQLArgs(nil); err != nil || len(got) != 0 {
		t.Fatalf("nil params: got %v, %v", got, err)
	}
	for _, bad := range []map[string]any{{"kind": "claim"}, {"0": "x"}, {"1": "a", "3": "b"}} {
		if _, err := SQLArgs(bad); err == nil {
			t.Fatalf("expected error for %v", bad)
		}
	}
}

func TestSearchTextIncludesSources(t *testing.T) {
	text := SearchText(Artifact{
		ID: "claim-rev", Kind: KindClaim, Sources: []string{"ledger:q1", "memo:cfo"},
		Content: map[string]any{"text": "revenue grew"},
	})
	if !strings.Contains(text, "sources: ledger:q1 memo:cfo") {
		t.Fatalf("sources missing from %q", text)
	}
	if !strings.HasPrefix(text, "claim-rev claim") || !strings.HasSuffix(text, "text: revenue grew") {
		t.Fatalf("unexpected layout %q", text)
	}
}
