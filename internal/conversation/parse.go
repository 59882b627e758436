package conversation

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/ashureev/clipbot/internal/domain"
)

var sourcePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(https?://)?(www\.)?youtube\.com/watch\?v=[\w-]+`),
	regexp.MustCompile(`(https?://)?(www\.)?youtu\.be/[\w-]+`),
	regexp.MustCompile(`(https?://)?(www\.)?youtube\.com/shorts/[\w-]+`),
}

// ExtractSourceURL finds the first YouTube link in text.
func ExtractSourceURL(text string) (string, bool) {
	for _, re := range sourcePatterns {
		if match := re.FindString(text); match != "" {
			if !strings.HasPrefix(match, "http") {
				match = "https://" + match
			}
			return match, true
		}
	}
	return "", false
}

// ParseClipCount accepts a plain decimal number within 1..limit.
func ParseClipCount(text string, limit int) (int, bool) {
	n, ok := parseDigits(strings.TrimSpace(text))
	if !ok || n < 1 || n > limit {
		return 0, false
	}
	return n, true
}

func parseDigits(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s)
	return n, err == nil
}

// ParseDuration accepts "45", "45s", "45 sec" or "45 seconds" when 45 is
// one of the allowed values.
func ParseDuration(text string, allowed []int) (int, bool) {
	s := strings.ToLower(strings.TrimSpace(text))
	for _, suffix := range []string{"seconds", "second", "secs", "sec", "s"} {
		if strings.HasSuffix(s, suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, suffix))
			break
		}
	}
	n, ok := parseDigits(s)
	if !ok {
		return 0, false
	}
	for _, d := range allowed {
		if d == n {
			return n, true
		}
	}
	return 0, false
}

var modeKeywords = map[string]domain.ProcessingMode{
	"local":  domain.ModeLocalOnly,
	"pc":     domain.ModeLocalOnly,
	"laptop": domain.ModeLocalOnly,
	"cloud":  domain.ModeRemoteOnly,
	"remote": domain.ModeRemoteOnly,
	"github": domain.ModeRemoteOnly,
	"auto":   domain.ModeAuto,
	"any":    domain.ModeAuto,
}

// ParseMode maps a processor choice to a mode. The first recognized word
// wins, so menu labels with emoji or trailing hints parse by their lead word.
func ParseMode(text string) (domain.ProcessingMode, bool) {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	for _, w := range words {
		if mode, ok := modeKeywords[w]; ok {
			return mode, true
		}
		if mode := domain.ProcessingMode(w); mode.Valid() {
			return mode, true
		}
	}
	return "", false
}
