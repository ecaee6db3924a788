package tagger

import (
	"reflect"
	"testing"

	"github.com/shadowscope/shadowscope/internal/ontology"
)

func mustParse(t *testing.T, src string) map[string]any {
	t.Helper()
	doc, err := ontology.Parse([]byte(src))
	if err != nil {
		t.Fatalf("parse ontology: %v", err)
	}
	return doc
}

func TestCompileSkipsDisabledAndMalformed(t *testing.T) {
	doc := mustParse(t, `{
		"version": "1",
		"packs": [
			{"id": "on", "name": "On", "rules": [
				{"id": "good", "type": "phrase", "pattern": "laser", "weight": 2},
				{"id": "noweight", "type": "phrase", "pattern": "x"},
				{"id": "badtype", "type": "glob", "pattern": "x", "weight": 1},
				{"id": "badregex", "type": "regex", "pattern": "[", "weight": 1}
			]},
			{"id": "off", "name": "Off", "enabled": false, "rules": [
				{"id": "hidden", "type": "phrase", "pattern": "laser", "weight": 9}
			]}
		]
	}`)

	_, rules := Compile(doc)
	if len(rules) != 1 {
		t.Fatalf("expected 1 compiled rule, got %d: %+v", len(rules), rules)
	}
	if rules[0].Pack != "on" || rules[0].Rule != "good" {
		t.Fatalf("wrong rule survived: %+v", rules[0])
	}
}

func TestTagPhraseCaseInsensitive(t *testing.T) {
	doc := mustParse(t, `{
		"version": "1",
		"packs": [{"id": "p", "name": "P", "rules": [
			{"id": "r", "type": "phrase", "pattern": "Directed Energy", "weight": 5}
		]}]
	}`)
	meta, rules := Compile(doc)

	res := Tag(meta, rules, map[string]string{
		"snippet": "award for DIRECTED ENERGY testbed",
	})
	if !reflect.DeepEqual(res.Keywords, []string{"p:r"}) {
		t.Fatalf("keywords = %v", res.Keywords)
	}
	if len(res.Clauses) != 1 || res.Clauses[0].Field != "snippet" || res.Clauses[0].Match != "Directed Energy" {
		t.Fatalf("clauses = %+v", res.Clauses)
	}
	if res.Score != 5 {
		t.Fatalf("score = %d, want 5", res.Score)
	}
}

func TestTagMultiFieldOneKeyword(t *testing.T) {
	// one rule matching in two fields: two clauses, weight counted
	// twice, one keyword
	doc := mustParse(t, `{
		"version": "1",
		"packs": [{"id": "p", "name": "P", "rules": [
			{"id": "r", "type": "phrase", "pattern": "radar", "weight": 3, "fields": ["snippet", "place_text"]}
		]}]
	}`)
	meta, rules := Compile(doc)

	res := Tag(meta, rules, map[string]string{
		"snippet":    "radar upgrade",
		"place_text": "radar test range",
	})
	if len(res.Keywords) != 1 {
		t.Fatalf("keywords = %v, want one", res.Keywords)
	}
	if len(res.Clauses) != 2 {
		t.Fatalf("clauses = %+v, want two", res.Clauses)
	}
	if res.Score != 6 {
		t.Fatalf("score = %d, want 6", res.Score)
	}
	if res.Clauses[0].Field != "place_text" || res.Clauses[1].Field != "snippet" {
		t.Fatalf("clauses not sorted by field: %+v", res.Clauses)
	}
}

func TestTagRegexFirstMatchPerField(t *testing.T) {
	doc := mustParse(t, `{
		"version": "1",
		"packs": [{"id": "p", "name": "P", "rules": [
			{"id": "r", "type": "regex", "pattern": "N\\d{5}", "weight": 2, "fields": ["doc_id"]}
		]}]
	}`)
	meta, rules := Compile(doc)

	res := Tag(meta, rules, map[string]string{"doc_id": "N00014 / N68335"})
	if len(res.Clauses) != 1 {
		t.Fatalf("clauses = %+v, want one (first match only)", res.Clauses)
	}
	if res.Clauses[0].Match != "N00014" {
		t.Fatalf("match = %q, want first occurrence", res.Clauses[0].Match)
	}
}

func TestTagRegexZeroWidthMatch(t *testing.T) {
	doc := mustParse(t, `{
		"version": "1",
		"packs": [{"id": "p", "name": "P", "rules": [
			{"id": "r", "type": "regex", "pattern": "(?:N\\d{5})?", "weight": 2, "fields": ["doc_id"]}
		]}]
	}`)
	meta, rules := Compile(doc)

	// an optional pattern matches empty at position 0; that is still a
	// match, not a miss
	res := Tag(meta, rules, map[string]string{"doc_id": "unrelated"})
	if len(res.Clauses) != 1 {
		t.Fatalf("clauses = %+v, want one zero-width match", res.Clauses)
	}
	if res.Clauses[0].Match != "" {
		t.Fatalf("match = %q, want empty string", res.Clauses[0].Match)
	}
	if res.Score != 2 {
		t.Fatalf("score = %d, want 2", res.Score)
	}
	if !reflect.DeepEqual(res.Keywords, []string{"p:r"}) {
		t.Fatalf("keywords = %v", res.Keywords)
	}
}

func TestTagDeterministicOrdering(t *testing.T) {
	doc := mustParse(t, `{
		"version": "1",
		"packs": [
			{"id": "zeta", "name": "Z", "rules": [{"id": "a", "type": "phrase", "pattern": "laser", "weight": 1}]},
			{"id": "alpha", "name": "A", "rules": [{"id": "b", "type": "phrase", "pattern": "laser", "weight": 1}]}
		]
	}`)
	meta, rules := Compile(doc)

	fields := map[string]string{"snippet": "laser"}
	first := Tag(meta, rules, fields)
	second := Tag(meta, rules, fields)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("tagging is not deterministic: %+v vs %+v", first, second)
	}
	if !reflect.DeepEqual(first.Keywords, []string{"alpha:b", "zeta:a"}) {
		t.Fatalf("keywords not sorted: %v", first.Keywords)
	}
	if first.Clauses[0].Pack != "alpha" {
		t.Fatalf("clauses not sorted by pack: %+v", first.Clauses)
	}
}

func TestTagNoMatch(t *testing.T) {
	doc := mustParse(t, `{
		"version": "1",
		"packs": [{"id": "p", "name": "P", "rules": [
			{"id": "r", "type": "phrase", "pattern": "hypersonic", "weight": 4}
		]}]
	}`)
	meta, rules := Compile(doc)

	res := Tag(meta, rules, map[string]string{"snippet": "office furniture"})
	if len(res.Keywords) != 0 || len(res.Clauses) != 0 || res.Score != 0 {
		t.Fatalf("expected empty result, got %+v", res)
	}
}

func TestDecodeKeywordsLenient(t *testing.T) {
	if got := DecodeKeywords([]byte(`["a","b"]`)); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("list decode = %v", got)
	}
	if got := DecodeKeywords([]byte(`{"legacy": true}`)); got != nil {
		t.Fatalf("object shape should normalize to empty, got %v", got)
	}
	if got := DecodeKeywords(nil); got != nil {
		t.Fatalf("nil input should decode empty, got %v", got)
	}
}

func TestDecodeClausesCoercesWeights(t *testing.T) {
	raw := []byte(`[
		{"pack": "p", "rule": "r", "type": "phrase", "weight": 5, "field": "snippet", "match": "x"},
		{"pack": "p", "rule": "s", "type": "phrase", "weight": "heavy", "field": "snippet", "match": "y"},
		{"pack": "p", "rule": "t", "type": "phrase", "field": "snippet", "match": "z"}
	]`)
	clauses := DecodeClauses(raw)
	if len(clauses) != 3 {
		t.Fatalf("clauses = %+v, want three", clauses)
	}
	if clauses[0].Weight != 5 {
		t.Errorf("numeric weight = %d, want 5", clauses[0].Weight)
	}
	if clauses[1].Weight != 0 {
		t.Errorf("string weight should coerce to 0, got %d", clauses[1].Weight)
	}
	if clauses[2].Weight != 0 {
		t.Errorf("missing weight should coerce to 0, got %d", clauses[2].Weight)
	}

	if got := DecodeClauses([]byte(`{"legacy": 1}`)); got != nil {
		t.Fatalf("object shape should normalize to empty, got %v", got)
	}
}
