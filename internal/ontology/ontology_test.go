package ontology

import (
	"strings"
	"testing"
)

const validDoc = `{
	"version": "2026.1",
	"defaults": {"case_insensitive": true, "fields": ["snippet", "place_text"]},
	"packs": [
		{
			"id": "alpha",
			"name": "Alpha Pack",
			"rules": [
				{"id": "r1", "type": "phrase", "pattern": "directed energy", "weight": 5},
				{"id": "r2", "type": "regex", "pattern": "laser\\s+system", "weight": 3}
			]
		},
		{
			"id": "beta",
			"name": "Beta Pack",
			"enabled": false,
			"rules": [
				{"id": "r1", "type": "phrase", "pattern": "tracking", "weight": 1}
			]
		}
	]
}`

func TestValidateOK(t *testing.T) {
	doc, err := Parse([]byte(validDoc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if errs := Validate(doc); len(errs) != 0 {
		t.Fatalf("expected no problems, got %v", errs)
	}
}

func TestValidateProblems(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "missing version",
			doc:  `{"packs": [{"id": "a", "name": "A", "rules": [{"id": "r", "type": "phrase", "pattern": "x", "weight": 1}]}]}`,
			want: "root.version must be a string",
		},
		{
			name: "packs not a list",
			doc:  `{"version": "1", "packs": {"id": "a"}}`,
			want: "root.packs must be a list",
		},
		{
			name: "duplicate pack id",
			doc: `{"version": "1", "packs": [
				{"id": "a", "name": "A", "rules": [{"id": "r", "type": "phrase", "pattern": "x", "weight": 1}]},
				{"id": "a", "name": "A2", "rules": [{"id": "r", "type": "phrase", "pattern": "y", "weight": 1}]}
			]}`,
			want: "duplicate pack id: a",
		},
		{
			name: "duplicate rule id",
			doc: `{"version": "1", "packs": [{"id": "a", "name": "A", "rules": [
				{"id": "r", "type": "phrase", "pattern": "x", "weight": 1},
				{"id": "r", "type": "phrase", "pattern": "y", "weight": 1}
			]}]}`,
			want: "duplicate rule id in pack a: r",
		},
		{
			name: "bad rule type",
			doc:  `{"version": "1", "packs": [{"id": "a", "name": "A", "rules": [{"id": "r", "type": "glob", "pattern": "x", "weight": 1}]}]}`,
			want: "type must be one of phrase, regex",
		},
		{
			name: "fractional weight",
			doc:  `{"version": "1", "packs": [{"id": "a", "name": "A", "rules": [{"id": "r", "type": "phrase", "pattern": "x", "weight": 1.5}]}]}`,
			want: "weight must be an integer",
		},
		{
			name: "string weight",
			doc:  `{"version": "1", "packs": [{"id": "a", "name": "A", "rules": [{"id": "r", "type": "phrase", "pattern": "x", "weight": "5"}]}]}`,
			want: "weight must be an integer",
		},
		{
			name: "empty rules",
			doc:  `{"version": "1", "packs": [{"id": "a", "name": "A", "rules": []}]}`,
			want: "rules must be a non-empty list",
		},
		{
			name: "unknown field",
			doc:  `{"version": "1", "packs": [{"id": "a", "name": "A", "rules": [{"id": "r", "type": "phrase", "pattern": "x", "weight": 1, "fields": ["body"]}]}]}`,
			want: "contains unknown field: body",
		},
		{
			name: "regex compile failure",
			doc:  `{"version": "1", "packs": [{"id": "a", "name": "A", "rules": [{"id": "r", "type": "regex", "pattern": "[unclosed", "weight": 1}]}]}`,
			want: "regex compile error",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doc, err := Parse([]byte(tc.doc))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			errs := Validate(doc)
			found := false
			for _, e := range errs {
				if strings.Contains(e, tc.want) {
					found = true
				}
			}
			if !found {
				t.Fatalf("expected a problem containing %q, got %v", tc.want, errs)
			}
		})
	}
}

func TestHashIgnoresKeyOrder(t *testing.T) {
	a, err := Parse([]byte(`{"version": "1", "packs": [], "defaults": {"fields": ["snippet"]}}`))
	if err != nil {
		t.Fatalf("Parse a: %v", err)
	}
	b, err := Parse([]byte(`{"defaults": {"fields": ["snippet"]}, "packs": [], "version": "1"}`))
	if err != nil {
		t.Fatalf("Parse b: %v", err)
	}
	if Hash(a) != Hash(b) {
		t.Fatalf("hash should not depend on key order: %s vs %s", Hash(a), Hash(b))
	}
}

func TestHashChangesWithContent(t *testing.T) {
	a, _ := Parse([]byte(`{"version": "1", "packs": []}`))
	b, _ := Parse([]byte(`{"version": "2", "packs": []}`))
	if Hash(a) == Hash(b) {
		t.Fatal("different documents must hash differently")
	}
}

func TestSummarize(t *testing.T) {
	doc, err := Parse([]byte(validDoc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	s := Summarize(doc)
	if s.Version != "2026.1" {
		t.Errorf("version = %q", s.Version)
	}
	if s.Packs != 2 {
		t.Errorf("packs = %d, want 2", s.Packs)
	}
	if s.PacksEnabled != 1 {
		t.Errorf("packs_enabled = %d, want 1", s.PacksEnabled)
	}
	if s.TotalRules != 3 {
		t.Errorf("total_rules = %d, want 3", s.TotalRules)
	}
	if len(s.Hash) != 64 {
		t.Errorf("hash length = %d, want 64", len(s.Hash))
	}
}

func TestSortedPackIDs(t *testing.T) {
	doc, _ := Parse([]byte(`{"version": "1", "packs": [{"id": "zeta"}, {"id": "alpha"}, {"id": "mid"}]}`))
	ids := SortedPackIDs(doc)
	want := []string{"alpha", "mid", "zeta"}
	if len(ids) != len(want) {
		t.Fatalf("got %v", ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("got %v, want %v", ids, want)
		}
	}
}
