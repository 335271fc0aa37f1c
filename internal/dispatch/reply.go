package dispatch

import (
	"encoding/json"
	"strings"
)

// EmptyResponsePlaceholder is the reply text when an agent prints nothing.
const EmptyResponsePlaceholder = "(no response from agent)"

type extractor func(map[string]any) (string, bool)

// replyExtractors are tried in order; the first field present wins.
var replyExtractors = []extractor{
	field("reply"),
	field("text"),
	field("content"),
	field("message"),
	field("output"),
}

func field(name string) extractor {
	return func(obj map[string]any) (string, bool) {
		value, ok := obj[name]
		if !ok || value == nil {
			return "", false
		}
		if s, ok := value.(string); ok {
			return s, true
		}
		data, err := json.Marshal(value)
		if err != nil {
			return "", false
		}
		return string(data), true
	}
}

// ParseReply turns agent CLI stdout into reply text. JSON strings are used
// verbatim, JSON objects go through replyExtractors, anything else falls back
// to the trimmed output.
func ParseReply(stdout string) string {
	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" {
		return EmptyResponsePlaceholder
	}

	var parsed any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return trimmed
	}

	switch v := parsed.(type) {
	case string:
		return nonEmpty(v)
	case map[string]any:
		for _, extract := range replyExtractors {
			if text, ok := extract(v); ok {
				return nonEmpty(text)
			}
		}
	}

	return trimmed
}

func nonEmpty(s string) string {
	if strings.TrimSpace(s) == "" {
		return EmptyResponsePlaceholder
	}
	return s
}
