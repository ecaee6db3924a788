// Package tagger compiles an ontology into an executable rule set and
// matches it against event text fields.
package tagger

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"github.com/shadowscope/shadowscope/internal/ontology"
)

// CompiledRule is the immutable executable projection of one rule.
type CompiledRule struct {
	Pack    string
	Rule    string
	Type    string // "phrase" or "regex"
	Pattern string
	Weight  int
	Fields  []string
	Regex   *regexp.Regexp // nil for phrase rules
}

// Meta carries the ontology defaults resolved at compile time.
type Meta struct {
	CaseInsensitive bool
	DefaultFields   []string
}

// Clause is one field-level rule match.
type Clause struct {
	Pack   string `json:"pack"`
	Rule   string `json:"rule"`
	Type   string `json:"type"`
	Weight int    `json:"weight"`
	Field  string `json:"field"`
	Match  string `json:"match"`
}

// Result is the deterministic output of tagging one event.
type Result struct {
	Keywords []string `json:"keywords"`
	Clauses  []Clause `json:"clauses"`
	// Score is the plain sum of clause weights, a diagnostic total
	// distinct from the scoring package's output.
	Score int `json:"score"`
}

// Compile turns a validated ontology document into a flat rule list.
// Disabled packs are skipped; malformed rules are skipped rather than
// failing, so unrelated valid rules still compile. Order is insertion
// order (pack order, then rule order) and becomes the tie-break order
// wherever matches are equal-weighted.
func Compile(doc map[string]any) (Meta, []CompiledRule) {
	meta := Meta{CaseInsensitive: true, DefaultFields: ontology.DefaultFields}

	if defaults, ok := doc["defaults"].(map[string]any); ok {
		if v, ok := defaults["case_insensitive"].(bool); ok {
			meta.CaseInsensitive = v
		}
		if fields := toStringList(defaults["fields"]); fields != nil {
			meta.DefaultFields = fields
		}
	}

	var compiled []CompiledRule
	packs, _ := doc["packs"].([]any)
	for _, rawPack := range packs {
		pack, ok := rawPack.(map[string]any)
		if !ok {
			continue
		}
		if enabled, ok := pack["enabled"].(bool); ok && !enabled {
			continue
		}
		packID, _ := pack["id"].(string)
		if packID == "" {
			continue
		}

		rules, _ := pack["rules"].([]any)
		for _, rawRule := range rules {
			rule, ok := rawRule.(map[string]any)
			if !ok {
				continue
			}
			ruleID, _ := rule["id"].(string)
			ruleType, _ := rule["type"].(string)
			pattern, _ := rule["pattern"].(string)
			weight, ok := toInt(rule["weight"])
			if ruleID == "" || pattern == "" || !ok {
				continue
			}
			if ruleType != "phrase" && ruleType != "regex" {
				continue
			}

			fields := toStringList(rule["fields"])
			if fields == nil {
				fields = meta.DefaultFields
			}

			var re *regexp.Regexp
			if ruleType == "regex" {
				expr := pattern
				if meta.CaseInsensitive {
					expr = "(?i)" + expr
				}
				var err error
				re, err = regexp.Compile(expr)
				if err != nil {
					continue
				}
			}

			compiled = append(compiled, CompiledRule{
				Pack:    packID,
				Rule:    ruleID,
				Type:    ruleType,
				Pattern: pattern,
				Weight:  weight,
				Fields:  fields,
				Regex:   re,
			})
		}
	}

	return meta, compiled
}

// Tag matches every compiled rule against every one of its configured
// fields. A rule matching in two fields contributes two clauses (and
// its weight twice) but exactly one keyword. Output ordering is
// deterministic: keywords sorted lexicographically, clauses sorted by
// (pack, rule, field, match), so re-running on unchanged input is
// byte-identical.
func Tag(meta Meta, rules []CompiledRule, fields map[string]string) Result {
	keywordSet := map[string]bool{}
	var clauses []Clause
	score := 0

	for _, r := range rules {
		matched := false

		for _, field := range r.Fields {
			text := strings.TrimSpace(fields[field])
			if text == "" {
				continue
			}
			text = fields[field]

			switch r.Type {
			case "phrase":
				hay := text
				needle := r.Pattern
				if meta.CaseInsensitive {
					hay = strings.ToLower(hay)
					needle = strings.ToLower(needle)
				}
				if strings.Contains(hay, needle) {
					matched = true
					clauses = append(clauses, Clause{
						Pack:   r.Pack,
						Rule:   r.Rule,
						Type:   r.Type,
						Weight: r.Weight,
						Field:  field,
						Match:  r.Pattern,
					})
					score += r.Weight
				}
			case "regex":
				// first match only, per field; loc distinguishes an
				// empty match from no match
				if loc := r.Regex.FindStringIndex(text); loc != nil {
					matched = true
					clauses = append(clauses, Clause{
						Pack:   r.Pack,
						Rule:   r.Rule,
						Type:   r.Type,
						Weight: r.Weight,
						Field:  field,
						Match:  text[loc[0]:loc[1]],
					})
					score += r.Weight
				}
			}
		}

		if matched {
			keywordSet[r.Pack+":"+r.Rule] = true
		}
	}

	keywords := make([]string, 0, len(keywordSet))
	for k := range keywordSet {
		keywords = append(keywords, k)
	}
	sort.Strings(keywords)
	SortClauses(clauses)

	return Result{Keywords: keywords, Clauses: clauses, Score: score}
}

// SortClauses orders clauses by (pack, rule, field, match).
func SortClauses(clauses []Clause) {
	sort.Slice(clauses, func(i, j int) bool {
		a, b := clauses[i], clauses[j]
		if a.Pack != b.Pack {
			return a.Pack < b.Pack
		}
		if a.Rule != b.Rule {
			return a.Rule < b.Rule
		}
		if a.Field != b.Field {
			return a.Field < b.Field
		}
		return a.Match < b.Match
	})
}

// DecodeKeywords leniently decodes a stored keywords column. Legacy
// rows sometimes hold an object instead of a list; those normalize to
// empty rather than failing.
func DecodeKeywords(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	var keywords []string
	if err := json.Unmarshal(raw, &keywords); err != nil {
		return nil
	}
	return keywords
}

// DecodeClauses leniently decodes a stored clauses column, with the
// same legacy-shape tolerance as DecodeKeywords. Non-object entries
// are dropped.
func DecodeClauses(raw []byte) []Clause {
	if len(raw) == 0 {
		return nil
	}
	var items []map[string]any
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	out := make([]Clause, 0, len(items))
	for _, item := range items {
		c := Clause{}
		c.Pack, _ = item["pack"].(string)
		c.Rule, _ = item["rule"].(string)
		c.Type, _ = item["type"].(string)
		c.Field, _ = item["field"].(string)
		c.Match, _ = item["match"].(string)
		// non-numeric or missing weights coerce to 0
		c.Weight, _ = toInt(item["weight"])
		out = append(out, c)
	}
	return out
}

func toStringList(raw any) []string {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil
		}
		out = append(out, s)
	}
	return out
}

func toInt(raw any) (int, bool) {
	switch v := raw.(type) {
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v != float64(int64(v)) {
			return 0, false
		}
		return int(v), true
	default:
		return 0, false
	}
}
