package commands

import (
	"strings"
)

// tokenizeCommandLine splits command text on whitespace. A token that starts
// with a quote runs to the matching quote, so it may contain spaces. Quotes
// elsewhere and backslashes are kept as typed, which leaves URLs intact.
// Examples:
//
//	/setapprise "ntfy://ntfy.sh/my topic"
func tokenizeCommandLine(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		out    []string
		buf    strings.Builder
		inQ    bool
		quoted bool
		qChar  byte
	)
	flush := func() {
		if buf.Len() > 0 || quoted {
			out = append(out, buf.String())
			buf.Reset()
		}
		quoted = false
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inQ {
			if ch == qChar {
				inQ = false
				continue
			}
			buf.WriteByte(ch)
			continue
		}
		switch ch {
		case '"', '\'':
			if buf.Len() == 0 && !quoted {
				inQ, quoted, qChar = true, true, ch
				continue
			}
			buf.WriteByte(ch)
		case ' ', '\t', '\n', '\r':
			flush()
		default:
			buf.WriteByte(ch)
		}
	}
	if inQ {
		// unterminated: keep the opening quote
		out = append(out, string(qChar)+buf.String())
		return out
	}
	flush()
	return out
}

// parseCommand splits "/name@bot arg..." into a lowercased name and args.
// ok is false when text is not a command.
func parseCommand(text string) (name string, args []string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return "", nil, false
	}
	name = strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "", nil, false
	}
	return strings.ToLower(name), parts[1:], true
}
