// Package matcher selects the rule that captures a request.
package matcher

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/codefionn/umleitung/umleitung-srv/logger"
	"github.com/codefionn/umleitung/umleitung-srv/rules"
	"github.com/gobwas/glob"
)

// RequestMeta is the part of a request conditions are evaluated against.
type RequestMeta struct {
	Method string
	URL    string // absolute URL
	Header http.Header
}

// Ruleset is an ordered, read-only rule list such as *store.Snapshot.
type Ruleset interface {
	Rules() []*rules.Rule
}

// Matcher evaluates rule conditions. Compiled patterns are cached; the cache
// never influences a decision.
type Matcher struct {
	patterns sync.Map // patternKey -> compiledPattern
}

func New() *Matcher {
	return &Matcher{}
}

type patternKey struct {
	kind    rules.CaptureType
	pattern string
}

type compiledPattern struct {
	glob  glob.Glob
	regex *regexp.Regexp
	exact string
	err   error
}

// Match returns the first enabled rule of set (in its order) whose capture
// condition holds for meta.
func (m *Matcher) Match(set Ruleset, meta RequestMeta) (*rules.Rule, bool) {
	if set == nil {
		return nil, false
	}
	normalized := NormalizeURL(meta.URL)
	for _, r := range set.Rules() {
		if !r.Enabled || r.Capture == nil {
			continue
		}
		ok, err := m.evaluate(r.Capture, meta, normalized)
		if err != nil {
			logger.Warn("Rule %s (%s) skipped: %v", r.ID, r.Name, err)
			continue
		}
		if ok {
			return r, true
		}
	}
	return nil, false
}

// MatchCondition evaluates a single condition.
func (m *Matcher) MatchCondition(c rules.Condition, meta RequestMeta) (bool, error) {
	return m.evaluate(c, meta, NormalizeURL(meta.URL))
}

func (m *Matcher) evaluate(c rules.Condition, meta RequestMeta, normalizedURL string) (bool, error) {
	switch t := c.(type) {
	case *rules.SimpleCondition:
		return m.evaluateSimple(t, meta, normalizedURL)
	case *rules.AndCondition:
		for _, child := range t.Conditions {
			ok, err := m.evaluate(child, meta, normalizedURL)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case *rules.OrCondition:
		for _, child := range t.Conditions {
			ok, err := m.evaluate(child, meta, normalizedURL)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("unknown condition variant %T", c)
	}
}

func (m *Matcher) evaluateSimple(c *rules.SimpleCondition, meta RequestMeta, normalizedURL string) (bool, error) {
	if c.Method != "" && !strings.EqualFold(c.Method, meta.Method) {
		return false, nil
	}

	ok, err := m.matchPattern(c.URLPattern.CaptureType, c.URLPattern.Pattern, normalizedURL)
	if err != nil || !ok {
		return false, err
	}

	// A header predicate requires the header to be present, even for "*".
	for name, pattern := range c.Headers {
		values := meta.Header.Values(name)
		if len(values) == 0 {
			return false, nil
		}
		ok, err := m.matchPattern(rules.CaptureGlob, pattern, values[0])
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (m *Matcher) matchPattern(kind rules.CaptureType, pattern, value string) (bool, error) {
	p := m.compile(kind, pattern)
	if p.err != nil {
		return false, p.err
	}
	switch kind {
	case rules.CaptureExact:
		return p.exact == value, nil
	case rules.CaptureGlob:
		return p.glob.Match(value), nil
	case rules.CaptureRegex:
		return p.regex.MatchString(value), nil
	default:
		return false, fmt.Errorf("unknown capture type %q", kind)
	}
}

func (m *Matcher) compile(kind rules.CaptureType, pattern string) *compiledPattern {
	key := patternKey{kind: kind, pattern: pattern}
	if cached, ok := m.patterns.Load(key); ok {
		return cached.(*compiledPattern)
	}

	p := &compiledPattern{}
	switch kind {
	case rules.CaptureExact:
		p.exact = NormalizeURL(pattern)
	case rules.CaptureGlob:
		p.glob, p.err = glob.Compile(pattern)
	case rules.CaptureRegex:
		p.regex, p.err = regexp.Compile(pattern)
	default:
		p.err = fmt.Errorf("unknown capture type %q", kind)
	}
	actual, _ := m.patterns.LoadOrStore(key, p)
	return actual.(*compiledPattern)
}

// NormalizeURL lower-cases scheme and host, drops the default port and
// turns an empty path into "/". Unparseable input is returned unchanged.
func NormalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		host += ":" + port
	}
	u.Host = host
	if u.Path == "" && u.RawPath == "" {
		u.Path = "/"
	}
	return u.String()
}
