package exchange

import (
	"net/http"
	"slices"
	"strings"
	"unicode/utf8"
)

// curl sets these itself.
var curlSkippedHeaders = map[string]bool{
	"Content-Length":      true,
	"Connection":          true,
	"Proxy-Connection":    true,
	"Proxy-Authorization": true,
	"Transfer-Encoding":   true,
}

// Curl renders a shell command that replays the request with curl. Headers
// are emitted sorted by name. Binary bodies are omitted.
func Curl(r *RequestData) string {
	var b strings.Builder
	b.WriteString("curl")
	if r.Method != "" && r.Method != http.MethodGet {
		b.WriteString(" -X ")
		b.WriteString(shellQuote(r.Method))
	}
	b.WriteByte(' ')
	b.WriteString(shellQuote(r.URL))

	names := make([]string, 0, len(r.Header))
	for name := range r.Header {
		names = append(names, name)
	}
	slices.Sort(names)
	compressed := false
	for _, name := range names {
		canonical := http.CanonicalHeaderKey(name)
		if curlSkippedHeaders[canonical] {
			continue
		}
		if canonical == "Accept-Encoding" {
			compressed = true
		}
		for _, v := range r.Header[name] {
			b.WriteString(" \\\n  -H ")
			b.WriteString(shellQuote(canonical + ": " + v))
		}
	}
	if compressed {
		b.WriteString(" \\\n  --compressed")
	}
	if len(r.Body) > 0 && utf8.Valid(r.Body) {
		b.WriteString(" \\\n  --data-raw ")
		b.WriteString(shellQuote(string(r.Body)))
	}
	return b.String()
}

// shellQuote wraps s in single quotes for POSIX shells.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
