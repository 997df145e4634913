package plan

import (
	"strconv"
	"strings"
	"unicode"
)

// ParseDecision picks one of options from model output. An explicit
// "DECISION: <option>" line wins; otherwise the earliest option mentioned
// anywhere in the text is chosen. Matching is case-insensitive. ok is false
// when no option appears, and the caller should take its default path.
func ParseDecision(text string, options []string) (string, bool) {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if len(line) < len("decision:") || !strings.EqualFold(line[:len("decision:")], "decision:") {
			continue
		}
		value := strings.Trim(strings.TrimSpace(line[len("decision:"):]), `"'.`)
		for _, opt := range options {
			if strings.EqualFold(value, opt) {
				return opt, true
			}
		}
	}

	lower := strings.ToLower(text)
	best, bestAt := "", -1
	for _, opt := range options {
		if opt == "" {
			continue
		}
		if at := strings.Index(lower, strings.ToLower(opt)); at >= 0 && (bestAt < 0 || at < bestAt) {
			best, bestAt = opt, at
		}
	}
	return best, bestAt >= 0
}

// ParseScore returns the first number in text that lies within [0, 1].
// A number written as a percentage ("85%") is scaled to a fraction.
func ParseScore(text string) (float64, bool) {
	i := 0
	for i < len(text) {
		c := text[i]
		if !(unicode.IsDigit(rune(c)) || (c == '.' && i+1 < len(text) && unicode.IsDigit(rune(text[i+1])))) {
			i++
			continue
		}
		j := i
		dot := false
		for j < len(text) && (unicode.IsDigit(rune(text[j])) || (text[j] == '.' && !dot)) {
			if text[j] == '.' {
				dot = true
			}
			j++
		}
		num := strings.TrimSuffix(text[i:j], ".")
		v, err := strconv.ParseFloat(num, 64)
		if err == nil {
			if j < len(text) && text[j] == '%' {
				v /= 100
			}
			if v >= 0 && v <= 1 {
				return v, true
			}
		}
		i = j
	}
	return 0, false
}
