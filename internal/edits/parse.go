package edits

import (
	"encoding/json"
	"regexp"
	"strings"
)

var fenceRe = regexp.MustCompile("(?s)```(?:json|JSON)?[ \t]*\r?\n(.*?)```")

type envelope struct {
	Edits []Edit `json:"edits"`
}

// Parse extracts edits from a raw LLM response. It accepts fenced json
// blocks, a bare {"edits": [...]} object or a bare array. Entries with an
// unknown type or a blank path are dropped. Unparsable input yields nil.
func Parse(raw string) []Edit {
	for _, candidate := range candidates(raw) {
		if edits, ok := decode(candidate); ok {
			return clean(edits)
		}
	}
	return nil
}

func candidates(raw string) []string {
	var out []string
	for _, m := range fenceRe.FindAllStringSubmatch(raw, -1) {
		out = append(out, strings.TrimSpace(m[1]))
	}
	trimmed := strings.TrimSpace(raw)
	out = append(out, trimmed)
	if i, j := strings.Index(trimmed, "{"), strings.LastIndex(trimmed, "}"); i >= 0 && j > i {
		out = append(out, trimmed[i:j+1])
	}
	return out
}

func decode(s string) ([]Edit, bool) {
	if s == "" {
		return nil, false
	}
	if strings.HasPrefix(s, "[") {
		var list []Edit
		if err := json.Unmarshal([]byte(s), &list); err == nil {
			return list, true
		}
		return nil, false
	}
	var env envelope
	if err := json.Unmarshal([]byte(s), &env); err != nil {
		return nil, false
	}
	return env.Edits, env.Edits != nil
}

func clean(in []Edit) []Edit {
	out := make([]Edit, 0, len(in))
	for _, e := range in {
		e.Type = Type(strings.ToLower(strings.TrimSpace(string(e.Type))))
		if e.Type == "" {
			e.Type = TypeUpsert
			if len(e.Replacements) > 0 {
				e.Type = TypeModify
			}
		}
		e.Path = strings.TrimSpace(e.Path)
		if !e.Type.Valid() || e.Path == "" {
			continue
		}
		out = append(out, e)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
