package protocol

import (
	"os"
	"regexp"
	"strings"
)

var ansiRe = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]|\x1b\][^\x07]*\x07`)

// StripANSI removes terminal escape sequences from vendor output.
func StripANSI(text string) string {
	return ansiRe.ReplaceAllString(text, "")
}

// ShortPath shortens an absolute file path or command for display.
func ShortPath(p string) string {
	if p == "" {
		return ""
	}
	home, err := os.UserHomeDir()
	if err == nil && home != "" && strings.HasPrefix(p, home) {
		return "~" + p[len(home):]
	}
	return p
}

// ExtractToolDetail extracts and shortens the most relevant detail from tool
// call parameters.
func ExtractToolDetail(params map[string]any) string {
	raw := stringParam(params, "path")
	if raw == "" {
		raw = stringParam(params, "file_path")
	}
	if raw == "" {
		raw = stringParam(params, "command")
	}
	return ShortPath(raw)
}

func stringParam(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

// Truncate caps text to max characters for summaries and badges.
func Truncate(text string, max int) string {
	if len(text) <= max {
		return text
	}
	return text[:max]
}
