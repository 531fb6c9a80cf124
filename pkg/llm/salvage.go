package llm

import (
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/tidwall/gjson"
)

// Known locations of the generated text in provider payloads.
var contentPaths = []string{
	"candidates.0.content.parts.0.text",
	"parts.0.text",
	"choices.0.message.content",
	"message.content",
	"content",
	"text",
	"response",
}

var contentFieldPattern = regexp.MustCompile(`"(?:content|text)"\s*:\s*"((?:[^"\\]|\\.)*)`)

// Salvage tries to recover generated text after a failed call. It reads the
// raw payload from err, falling back to the generator's last raw response.
func Salvage(err error, gen Generator) (string, bool) {
	raw := ""
	var ge *GenerationError
	if errors.As(err, &ge) {
		raw = ge.Raw
	}
	if raw == "" {
		if rr, ok := gen.(RawResponder); ok {
			raw, _ = rr.LastRawResponse()
		}
	}
	return ExtractContent(raw)
}

// ExtractContent pulls a content field out of a raw payload, first by
// parsing it (repairing truncated JSON if needed) and then by pattern match.
func ExtractContent(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if text, ok := extractStructured(raw); ok {
		return text, true
	}
	return extractByPattern(raw)
}

func extractStructured(raw string) (string, bool) {
	doc := raw
	if !gjson.Valid(doc) {
		repaired, err := jsonrepair.JSONRepair(doc)
		if err != nil || !gjson.Valid(repaired) {
			return "", false
		}
		doc = repaired
	}

	for _, path := range contentPaths {
		v := gjson.Get(doc, path)
		if v.Type == gjson.String {
			if text := strings.TrimSpace(v.String()); text != "" {
				return text, true
			}
		}
	}
	return findField(gjson.Parse(doc), 0)
}

// findField walks the document for the first non-empty text/content string.
func findField(v gjson.Result, depth int) (string, bool) {
	if depth > 8 || !v.IsObject() && !v.IsArray() {
		return "", false
	}
	var (
		found string
		ok    bool
	)
	v.ForEach(func(key, value gjson.Result) bool {
		k := key.String()
		if value.Type == gjson.String && (k == "text" || k == "content") {
			if text := strings.TrimSpace(value.String()); text != "" {
				found, ok = text, true
				return false
			}
		}
		if value.IsObject() || value.IsArray() {
			if text, hit := findField(value, depth+1); hit {
				found, ok = text, true
				return false
			}
		}
		return true
	})
	return found, ok
}

func extractByPattern(raw string) (string, bool) {
	m := contentFieldPattern.FindStringSubmatch(raw)
	if len(m) < 2 {
		return "", false
	}
	text := m[1]
	if unquoted, err := strconv.Unquote(`"` + text + `"`); err == nil {
		text = unquoted
	} else {
		text = strings.NewReplacer(`\n`, "\n", `\"`, `"`, `\\`, `\`).Replace(text)
	}
	text = strings.TrimSpace(text)
	return text, text != ""
}
