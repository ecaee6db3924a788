// Package ontology loads and validates the keyword/regex rule-pack
// configuration that drives tagging.
package ontology

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
)

// AllowedFields are the event text fields a rule may match against.
var AllowedFields = map[string]bool{
	"snippet":    true,
	"place_text": true,
	"doc_id":     true,
	"source_url": true,
	"raw_json":   true,
}

// AllowedRuleTypes are the supported rule kinds.
var AllowedRuleTypes = map[string]bool{
	"phrase": true,
	"regex":  true,
}

// DefaultFields is the field set used when neither the rule nor the
// ontology defaults name one.
var DefaultFields = []string{"snippet", "place_text", "doc_id"}

// Load reads an ontology JSON document from disk. The root must be an
// object. Numbers are kept as json.Number so integer checks stay exact.
func Load(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ontology: %w", err)
	}
	return Parse(data)
}

// Parse decodes an ontology JSON document.
func Parse(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse ontology: %w", err)
	}
	return doc, nil
}

// Hash returns the SHA-256 hex digest of the canonical serialization
// (sorted keys, no incidental whitespace). Key order in the source file
// does not affect the result.
func Hash(doc map[string]any) string {
	canonical, err := json.Marshal(doc)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return fmt.Sprintf("%x", sum)
}

// Validate checks an ontology document and returns human-readable
// problems. An empty slice means the document is valid. Validation
// never fails with an error value; regex compile failures are reported
// as entries in the slice.
func Validate(doc map[string]any) []string {
	var errs []string

	if _, ok := doc["version"].(string); !ok {
		errs = append(errs, "root.version must be a string")
	}
	rawPacks, ok := doc["packs"].([]any)
	if !ok {
		errs = append(errs, "root.packs must be a list")
	}

	defaults, _ := doc["defaults"].(map[string]any)
	if doc["defaults"] != nil && defaults == nil {
		errs = append(errs, "root.defaults must be an object if present")
	}

	defaultFields := DefaultFields
	if defaults != nil {
		if raw, present := defaults["fields"]; present {
			fields, fieldErrs := stringList(raw, "defaults.fields")
			errs = append(errs, fieldErrs...)
			if fields != nil {
				defaultFields = fields
			}
		}
	}
	for _, f := range defaultFields {
		if !AllowedFields[f] {
			errs = append(errs, fmt.Sprintf("defaults.fields contains unknown field: %s", f))
		}
	}

	packIDs := map[string]bool{}
	for i, rawPack := range rawPacks {
		pack, ok := rawPack.(map[string]any)
		if !ok {
			errs = append(errs, fmt.Sprintf("packs[%d] must be an object", i))
			continue
		}

		pid, _ := pack["id"].(string)
		if pid == "" {
			errs = append(errs, fmt.Sprintf("packs[%d].id must be a non-empty string", i))
		} else {
			if packIDs[pid] {
				errs = append(errs, fmt.Sprintf("duplicate pack id: %s", pid))
			}
			packIDs[pid] = true
		}

		if name, _ := pack["name"].(string); name == "" {
			errs = append(errs, fmt.Sprintf("packs[%d].name must be a non-empty string", i))
		}

		if raw, present := pack["enabled"]; present {
			if _, ok := raw.(bool); !ok {
				errs = append(errs, fmt.Sprintf("packs[%d].enabled must be boolean", i))
			}
		}

		rules, ok := pack["rules"].([]any)
		if !ok || len(rules) == 0 {
			errs = append(errs, fmt.Sprintf("packs[%d].rules must be a non-empty list", i))
			continue
		}

		ruleIDs := map[string]bool{}
		for j, rawRule := range rules {
			rule, ok := rawRule.(map[string]any)
			if !ok {
				errs = append(errs, fmt.Sprintf("packs[%d].rules[%d] must be an object", i, j))
				continue
			}

			rid, _ := rule["id"].(string)
			if rid == "" {
				errs = append(errs, fmt.Sprintf("packs[%d].rules[%d].id must be a non-empty string", i, j))
			} else {
				if ruleIDs[rid] {
					errs = append(errs, fmt.Sprintf("duplicate rule id in pack %s: %s", pid, rid))
				}
				ruleIDs[rid] = true
			}

			rtype, _ := rule["type"].(string)
			if !AllowedRuleTypes[rtype] {
				errs = append(errs, fmt.Sprintf("packs[%d].rules[%d].type must be one of phrase, regex", i, j))
			}

			pattern, _ := rule["pattern"].(string)
			if pattern == "" {
				errs = append(errs, fmt.Sprintf("packs[%d].rules[%d].pattern must be a non-empty string", i, j))
			}

			if !isInteger(rule["weight"]) {
				errs = append(errs, fmt.Sprintf("packs[%d].rules[%d].weight must be an integer", i, j))
			}

			if raw, present := rule["fields"]; present {
				fields, fieldErrs := stringList(raw, fmt.Sprintf("packs[%d].rules[%d].fields", i, j))
				errs = append(errs, fieldErrs...)
				for _, f := range fields {
					if !AllowedFields[f] {
						errs = append(errs, fmt.Sprintf("packs[%d].rules[%d].fields contains unknown field: %s", i, j, f))
					}
				}
			}

			if rtype == "regex" && pattern != "" {
				if _, err := regexp.Compile(pattern); err != nil {
					errs = append(errs, fmt.Sprintf("packs[%d].rules[%d].pattern regex compile error: %v", i, j, err))
				}
			}
		}
	}

	return errs
}

// Summary is the compact fingerprint recorded on audit rows.
type Summary struct {
	Version      string `json:"version"`
	Packs        int    `json:"packs"`
	PacksEnabled int    `json:"packs_enabled"`
	TotalRules   int    `json:"total_rules"`
	Hash         string `json:"hash"`
}

// Summarize computes pack/rule counts and the content hash.
func Summarize(doc map[string]any) Summary {
	s := Summary{Hash: Hash(doc)}
	s.Version, _ = doc["version"].(string)

	packs, _ := doc["packs"].([]any)
	s.Packs = len(packs)
	for _, rawPack := range packs {
		pack, ok := rawPack.(map[string]any)
		if !ok {
			continue
		}
		if enabled, ok := pack["enabled"].(bool); !ok || enabled {
			s.PacksEnabled++
		}
		if rules, ok := pack["rules"].([]any); ok {
			s.TotalRules += len(rules)
		}
	}
	return s
}

// stringList coerces a JSON value into a []string, reporting a problem
// under the given label when the shape is wrong.
func stringList(raw any, label string) ([]string, []string) {
	items, ok := raw.([]any)
	if !ok {
		return nil, []string{fmt.Sprintf("%s must be a list of strings", label)}
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, []string{fmt.Sprintf("%s must be a list of strings", label)}
		}
		out = append(out, s)
	}
	return out, nil
}

// isInteger reports whether a decoded JSON value is a whole number.
// Load decodes numbers as json.Number, so "5" passes and "5.5" does not.
func isInteger(raw any) bool {
	switch v := raw.(type) {
	case json.Number:
		_, err := v.Int64()
		return err == nil
	case int:
		return true
	case int64:
		return true
	case float64:
		return v == float64(int64(v))
	default:
		return false
	}
}

// SortedPackIDs returns the pack ids in lexicographic order, for
// stable display output.
func SortedPackIDs(doc map[string]any) []string {
	packs, _ := doc["packs"].([]any)
	ids := make([]string, 0, len(packs))
	for _, rawPack := range packs {
		if pack, ok := rawPack.(map[string]any); ok {
			if id, ok := pack["id"].(string); ok && id != "" {
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)
	return ids
}
