package matcher

import (
	"github.com/codefionn/umleitung/umleitung-srv/classify"
	"github.com/codefionn/umleitung/umleitung-srv/config"
)

// DomainFilter decides whether traffic to a host is captured at all. An
// entry matches the domain itself and its subdomains; "*.example.com" is
// treated like "example.com". Exclusions win over inclusions, and an empty
// include list admits every host.
type DomainFilter struct {
	include *classify.DomainList
	exclude *classify.DomainList
}

// NewDomainFilter builds the filter from the app settings' domain lists.
func NewDomainFilter(cfg config.AppConfig) *DomainFilter {
	return &DomainFilter{
		include: classify.NewDomainList(cfg.IncludeDomains, true),
		exclude: classify.NewDomainList(cfg.ExcludeDomains, true),
	}
}

// Allows reports whether host (with or without port) is captured.
func (f *DomainFilter) Allows(host string) bool {
	if f == nil {
		return true
	}
	h := classify.NewInput(host, 0).Host
	if f.exclude.MatchHost(h) {
		return false
	}
	if f.include.Len() == 0 {
		return true
	}
	return f.include.MatchHost(h)
}
