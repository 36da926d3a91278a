package metrics

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

var friendlyAliases = map[string]string{
	"*session.ConnectTimeoutError":   "Connect timeout",
	"session.ConnectTimeoutError":    "Connect timeout",
	"*net.OpError":                   "Network error",
	"net.OpError":                    "Network error",
	"*websocket.CloseError":          "WebSocket closed",
	"*status.Error":                  "gRPC status error",
	"*context.deadlineExceededError": "Context deadline exceeded",
	"context.deadlineExceededError":  "Context deadline exceeded",
	"context.deadlineExceeded":       "Context deadline exceeded",
	"*context.deadlineExceeded":      "Context deadline exceeded",
}

// ErrorLabel returns the label a failure is bucketed under in reports.
// Wrapping layers are peeled off first; plain errors.New values are labelled
// by their message.
func ErrorLabel(err error) string {
	if err == nil {
		return "Unknown error"
	}
	for {
		inner := errors.Unwrap(err)
		if inner == nil {
			break
		}
		err = inner
	}
	typeName := fmt.Sprintf("%T", err)
	if typeName == "*errors.errorString" {
		msg := err.Error()
		if len(msg) > 60 {
			msg = msg[:60]
		}
		return msg
	}
	return FriendlyErrorName(typeName)
}

// FriendlyErrorName returns a human-friendly label for a Go error type.
func FriendlyErrorName(typeName string) string {
	cleaned := strings.TrimSpace(typeName)
	if cleaned == "" {
		return "Unknown error"
	}

	if alias, ok := friendlyAliases[cleaned]; ok {
		return alias
	}

	cleaned = strings.TrimPrefix(cleaned, "*")
	if alias, ok := friendlyAliases[cleaned]; ok {
		return alias
	}
	if idx := strings.LastIndex(cleaned, "/"); idx != -1 {
		cleaned = cleaned[idx+1:]
	}

	pkg := ""
	name := cleaned
	if idx := strings.Index(name, "."); idx != -1 {
		pkg = name[:idx]
		name = name[idx+1:]
	}

	pretty := humanizeTypeName(name)
	if pretty == "" {
		pretty = name
	}

	lowerPkg := strings.ToLower(pkg)
	lowerPretty := strings.ToLower(pretty)

	switch {
	case lowerPkg == "context" && strings.Contains(lowerPretty, "deadline"):
		return "Context deadline exceeded"
	case lowerPkg == "session" && strings.Contains(lowerPretty, "timeout"):
		return "Connect timeout"
	case lowerPkg == "net" && strings.Contains(lowerPretty, "error"):
		return "Network error"
	}

	if pkg != "" && pkg != "main" {
		return fmt.Sprintf("%s (%s)", pretty, pkg)
	}
	return pretty
}

func humanizeTypeName(name string) string {
	if name == "" {
		return ""
	}

	var words []string
	var current []rune
	runes := []rune(name)

	appendWord := func() {
		if len(current) == 0 {
			return
		}
		word := string(current)
		if isAllUpper(word) {
			words = append(words, word)
		} else {
			words = append(words, capitalize(word))
		}
		current = current[:0]
	}

	for i, r := range runes {
		if i > 0 {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsUpper(r) && (unicode.IsLower(prev) || (unicode.IsUpper(prev) && nextLower)) {
				appendWord()
			} else if unicode.IsDigit(r) && !unicode.IsDigit(prev) {
				appendWord()
			}
		}
		current = append(current, r)
	}
	appendWord()

	return strings.Join(words, " ")
}

func isAllUpper(s string) bool {
	hasLetter := false
	for _, r := range s {
		if unicode.IsLetter(r) {
			hasLetter = true
			if !unicode.IsUpper(r) {
				return false
			}
		}
	}
	return hasLetter
}

func capitalize(s string) string {
	if s == "" {
		return ""
	}
	lower := strings.ToLower(s)
	runes := []rune(lower)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
