package storage

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
)

var loginRe = regexp.MustCompile(`^[a-z0-9_]{1,25}$`)

// NormalizeChannel case-folds a Twitch login and checks its alphabet. A
// leading "@" or a twitch.tv URL prefix is accepted.
func NormalizeChannel(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	for _, p := range []string{"https://", "http://", "www.", "twitch.tv/"} {
		if len(s) >= len(p) && strings.EqualFold(s[:len(p)], p) {
			s = s[len(p):]
		}
	}
	s = strings.TrimPrefix(strings.TrimSuffix(s, "/"), "@")
	// a Caser is stateful, so one per call
	s = cases.Fold().String(s)
	if !loginRe.MatchString(s) {
		reason := "must be 1-25 letters, digits or underscores"
		if s == "" {
			reason = "empty"
		}
		return "", &ValidationError{Field: "channel", Value: strings.TrimSpace(raw), Reason: reason}
	}
	return s, nil
}

// NormalizeEndpoint trims a notification URL and rejects obviously broken
// values. Scheme-specific checks belong to the notifier.
func NormalizeEndpoint(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	switch {
	case s == "":
		return "", &ValidationError{Field: "url", Reason: "empty"}
	case strings.ContainsAny(s, " \t\r\n"):
		return "", &ValidationError{Field: "url", Value: s, Reason: "contains whitespace"}
	case !strings.Contains(s, "://"):
		return "", &ValidationError{Field: "url", Value: s, Reason: "missing scheme"}
	}
	return s, nil
}
