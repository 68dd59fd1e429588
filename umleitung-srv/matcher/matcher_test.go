package matcher

import (
	"net/http"
	"sync"
	"testing"

	"github.com/codefionn/umleitung/umleitung-srv/config"
	"github.com/codefionn/umleitung/umleitung-srv/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ruleList []*rules.Rule

func (l ruleList) Rules() []*rules.Rule { return l }

func simple(kind rules.CaptureType, pattern string) *rules.SimpleCondition {
	return &rules.SimpleCondition{URLPattern: rules.URLPattern{CaptureType: kind, Pattern: pattern}}
}

func rule(id string, priority int, enabled bool, capture rules.Condition) *rules.Rule {
	return &rules.Rule{ID: id, Name: id, Priority: priority, Enabled: enabled, Capture: capture}
}

func get(url string) RequestMeta {
	return RequestMeta{Method: http.MethodGet, URL: url, Header: http.Header{}}
}

func TestMatchPriority(t *testing.T) {
	m := New()
	everything := simple(rules.CaptureGlob, "*")

	// rule lists arrive ordered by the store
	set := ruleList{
		rule("r1", 10, true, everything),
		rule("r2", 5, true, everything),
	}
	r, ok := m.Match(set, get("https://example.com/"))
	require.True(t, ok)
	assert.Equal(t, "r1", r.ID)

	set = ruleList{
		rule("disabled", 10, false, everything),
		rule("r2", 5, true, everything),
	}
	r, ok = m.Match(set, get("https://example.com/"))
	require.True(t, ok)
	assert.Equal(t, "r2", r.ID, "disabled rules are never selected")

	_, ok = m.Match(ruleList{rule("off", 1, false, everything)}, get("https://example.com/"))
	assert.False(t, ok)

	_, ok = m.Match(nil, get("https://example.com/"))
	assert.False(t, ok)
}

func TestMatchPatterns(t *testing.T) {
	tests := []struct {
		name    string
		cond    rules.Condition
		request RequestMeta
		want    bool
	}{
		{"glob subdomain", simple(rules.CaptureGlob, "*.example.com/*"), get("https://api.example.com/v1"), true},
		{"glob other domain", simple(rules.CaptureGlob, "*.example.com/*"), get("https://example.org/v1"), false},
		{"glob star crosses slash", simple(rules.CaptureGlob, "https://example.com/*"), get("https://example.com/a/b/c?x=1"), true},
		{"glob question mark", simple(rules.CaptureGlob, "https://example.com/v?"), get("https://example.com/v2"), true},
		{"glob character class", simple(rules.CaptureGlob, "https://example.com/[!a]*"), get("https://example.com/abc"), false},
		{"glob is anchored", simple(rules.CaptureGlob, "example.com"), get("https://example.com/"), false},
		{"exact normalized", simple(rules.CaptureExact, "HTTPS://Example.COM:443"), get("https://example.com/"), true},
		{"exact keeps query", simple(rules.CaptureExact, "https://example.com/a?x=1"), get("https://example.com/a?x=2"), false},
		{"exact non default port", simple(rules.CaptureExact, "http://example.com:8080/"), get("http://example.com/"), false},
		{"regex unanchored", simple(rules.CaptureRegex, `/v[0-9]+/`), get("https://example.com/api/v2/users"), true},
		{"regex self anchored", simple(rules.CaptureRegex, `^/v2`), get("https://example.com/v2"), false},
		{"method case insensitive", &rules.SimpleCondition{
			URLPattern: rules.URLPattern{CaptureType: rules.CaptureGlob, Pattern: "*"},
			Method:     "get",
		}, get("https://example.com/"), true},
		{"method mismatch", &rules.SimpleCondition{
			URLPattern: rules.URLPattern{CaptureType: rules.CaptureGlob, Pattern: "*"},
			Method:     "POST",
		}, get("https://example.com/"), false},
		{"header glob", &rules.SimpleCondition{
			URLPattern: rules.URLPattern{CaptureType: rules.CaptureGlob, Pattern: "*"},
			Headers:    map[string]string{"x-debug": "on*"},
		}, RequestMeta{Method: "GET", URL: "https://example.com/", Header: http.Header{"X-Debug": {"online"}}}, true},
		{"header missing", &rules.SimpleCondition{
			URLPattern: rules.URLPattern{CaptureType: rules.CaptureGlob, Pattern: "*"},
			Headers:    map[string]string{"X-Debug": "on*"},
		}, get("https://example.com/"), false},
		{"header wildcard needs the header", &rules.SimpleCondition{
			URLPattern: rules.URLPattern{CaptureType: rules.CaptureGlob, Pattern: "*"},
			Headers:    map[string]string{"X-Debug": "*"},
		}, get("https://example.com/"), false},
		{"header wildcard with empty value", &rules.SimpleCondition{
			URLPattern: rules.URLPattern{CaptureType: rules.CaptureGlob, Pattern: "*"},
			Headers:    map[string]string{"X-Debug": "*"},
		}, RequestMeta{Method: "GET", URL: "https://example.com/", Header: http.Header{"X-Debug": {""}}}, true},
		{"and", &rules.AndCondition{Conditions: []rules.Condition{
			simple(rules.CaptureGlob, "*example.com*"),
			simple(rules.CaptureRegex, "users"),
		}}, get("https://example.com/users"), true},
		{"and short circuits", &rules.AndCondition{Conditions: []rules.Condition{
			simple(rules.CaptureExact, "https://other.com/"),
			simple(rules.CaptureRegex, "("),
		}}, get("https://example.com/"), false},
		{"or", &rules.OrCondition{Conditions: []rules.Condition{
			simple(rules.CaptureExact, "https://other.com/"),
			simple(rules.CaptureGlob, "*example*"),
		}}, get("https://example.com/"), true},
	}

	m := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.MatchCondition(tt.cond, tt.request)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatchInvalidPatternSkipsRule(t *testing.T) {
	m := New()
	set := ruleList{
		rule("broken", 10, true, simple(rules.CaptureRegex, "(")),
		rule("fallback", 1, true, simple(rules.CaptureGlob, "*")),
	}
	r, ok := m.Match(set, get("https://example.com/"))
	require.True(t, ok)
	assert.Equal(t, "fallback", r.ID)

	_, err := m.MatchCondition(simple("prefix", "x"), get("https://example.com/"))
	assert.Error(t, err)
}

func TestMatchConcurrentCache(t *testing.T) {
	m := New()
	set := ruleList{rule("r", 1, true, simple(rules.CaptureGlob, "*.example.com/*"))}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := m.Match(set, get("https://api.example.com/x"))
			assert.True(t, ok)
			_, ok = m.Match(set, get("https://example.org/x"))
			assert.False(t, ok)
		}()
	}
	wg.Wait()
}

func TestNormalizeURL(t *testing.T) {
	tests := map[string]string{
		"HTTP://Example.com:80":        "http://example.com/",
		"https://example.com:8443/a":   "https://example.com:8443/a",
		"https://[::1]:443/x?y=1":      "https://[::1]/x?y=1",
		"http://example.com/Path?Q=A":  "http://example.com/Path?Q=A",
		"not a url":                    "not a url",
		"https://EXAMPLE.com/#section": "https://example.com/#section",
	}
	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, want, NormalizeURL(in))
		})
	}
}

func TestDomainFilter(t *testing.T) {
	tests := []struct {
		name    string
		include []string
		exclude []string
		host    string
		want    bool
	}{
		{"empty lists admit all", nil, nil, "example.com", true},
		{"include hit", []string{"example.com"}, nil, "api.example.com:443", true},
		{"include miss", []string{"example.com"}, nil, "example.org", false},
		{"wildcard include", []string{"*.example.com"}, nil, "www.example.com", true},
		{"exclude wins", []string{"example.com"}, []string{"ads.example.com"}, "x.ads.example.com", false},
		{"exclude only", nil, []string{"tracker.net"}, "cdn.example.com", true},
		{"case insensitive", []string{"Example.COM"}, nil, "EXAMPLE.com", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultAppConfig()
			cfg.IncludeDomains, cfg.ExcludeDomains = tt.include, tt.exclude
			assert.Equal(t, tt.want, NewDomainFilter(cfg).Allows(tt.host))
		})
	}

	var nilFilter *DomainFilter
	assert.True(t, nilFilter.Allows("anything"))
}
