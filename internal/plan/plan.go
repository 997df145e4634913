// Package plan parses the structured fragments that workers and the router
// ask a language model to produce: plan steps, decision paths and scores.
//
// Step grammar, one step per line:
//
//	step   = [marker] action " using " target " with " object
//	marker = list bullet ("-", "*", "1.", "1)") or "Step N:"
//	object = a JSON object
//
// Every parser has an explicit fallback so callers always get a usable value.
package plan

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrNoSteps is returned when no line of the input matches the step grammar.
var ErrNoSteps = errors.New("no plan steps found")

// Step is one parsed plan step.
type Step struct {
	Action string          `json:"action"`
	Target string          `json:"target"`
	Params json.RawMessage `json:"params"`
}

// String renders the step in canonical grammar form.
func (s Step) String() string {
	params := s.Params
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	return fmt.Sprintf("%s using %s with %s", s.Action, s.Target, compact(params))
}

// Fallback is the single step used when a plan cannot be parsed.
func Fallback(task string) Step {
	params, _ := json.Marshal(map[string]string{"task": task})
	return Step{Action: "Complete the task", Target: "Agent", Params: params}
}

// ParseSteps extracts every well-formed step from text, in order. Lines that
// do not match the grammar are skipped.
func ParseSteps(text string) ([]Step, error) {
	var steps []Step
	for _, line := range strings.Split(text, "\n") {
		if s, ok := parseLine(line); ok {
			steps = append(steps, s)
		}
	}
	if len(steps) == 0 {
		return nil, ErrNoSteps
	}
	return steps, nil
}

// StepsOrFallback parses text and renders the steps, substituting the
// fallback step for task when nothing parses.
func StepsOrFallback(text, task string) []string {
	steps, err := ParseSteps(text)
	if err != nil {
		return []string{Fallback(task).String()}
	}
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.String()
	}
	return out
}

func parseLine(line string) (Step, bool) {
	line = stripMarker(strings.TrimSpace(line))
	if line == "" {
		return Step{}, false
	}
	lower := strings.ToLower(line)

	usingAt := strings.Index(lower, " using ")
	if usingAt <= 0 {
		return Step{}, false
	}
	rest := usingAt + len(" using ")
	withAt := strings.Index(lower[rest:], " with ")
	if withAt < 0 {
		return Step{}, false
	}
	withAt += rest

	action := strings.TrimSpace(line[:usingAt])
	target := strings.TrimSpace(line[rest:withAt])
	obj, ok := extractObject(line[withAt+len(" with "):])
	if action == "" || target == "" || !ok {
		return Step{}, false
	}
	return Step{Action: action, Target: target, Params: obj}, true
}

// stripMarker removes a leading bullet, number or "Step N:" prefix.
func stripMarker(s string) string {
	if strings.HasPrefix(s, "- ") || strings.HasPrefix(s, "* ") {
		return strings.TrimSpace(s[2:])
	}
	if len(s) > 5 && strings.EqualFold(s[:5], "step ") {
		if i := strings.IndexByte(s, ':'); i > 5 && isDigits(strings.TrimSpace(s[5:i])) {
			return strings.TrimSpace(s[i+1:])
		}
	}
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i > 0 && i < len(s) && (s[i] == '.' || s[i] == ')') {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

// extractObject returns the first balanced JSON object in s, if valid.
func extractObject(s string) (json.RawMessage, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return nil, false
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				raw := []byte(s[start : i+1])
				if !json.Valid(raw) {
					return nil, false
				}
				return json.RawMessage(raw), true
			}
		}
	}
	return nil, false
}

func compact(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
