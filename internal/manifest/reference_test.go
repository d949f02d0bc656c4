package manifest

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ZanzyTHEbar/dragonflow"
)

func TestParseReference(t *testing.T) {
	tests := []struct {
		in   interface{}
		want Reference
		ok   bool
	}{
		{"$a.output", Reference{TaskID: "a"}, true},
		{"$a.output.docs", Reference{TaskID: "a", Field: "docs"}, true},
		{"$a.output + 2", Reference{}, false},
		{"$a.result", Reference{}, false},
		{"plain", Reference{}, false},
		{42, Reference{}, false},
	}
	for _, tt := range tests {
		got, ok := ParseReference(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ParseReference(%v) = %+v, %v; want %+v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestResolveInput(t *testing.T) {
	outputs := map[string]*dragonflow.WorkerOutput{
		"a": {Output: map[string]interface{}{"docs": []interface{}{"d1"}}},
		"b": {Output: "summary"},
	}
	lookup := func(id string) (*dragonflow.WorkerOutput, bool) {
		out, ok := outputs[id]
		return out, ok
	}

	got := ResolveInput(map[string]interface{}{
		"docs":    "$a.output.docs",
		"summary": "$b.output",
		"missing": "$c.output",
		"literal": 7,
	}, lookup)

	want := map[string]interface{}{
		"docs":    []interface{}{"d1"},
		"summary": "summary",
		"missing": "$c.output",
		"literal": 7,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ResolveInput mismatch (-want +got):\n%s", diff)
	}
}
