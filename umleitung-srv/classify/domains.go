package classify

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	ahocorasick "github.com/BobuSumisu/aho-corasick"
	"github.com/codefionn/umleitung/umleitung-srv/logger"
)

// DomainList matches a host against many domains at once using an
// Aho-Corasick trie. With Subdomains set, "example.com" also matches
// "api.example.com".
type DomainList struct {
	trie       *ahocorasick.Trie
	domains    []string
	Subdomains bool
}

// NewDomainList normalizes domains (lower case, leading "*." and trailing
// "." stripped) and builds the trie. Empty entries are skipped.
func NewDomainList(domains []string, subdomains bool) *DomainList {
	list := &DomainList{Subdomains: subdomains}
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		d = strings.TrimPrefix(d, "*.")
		d = strings.TrimSuffix(d, ".")
		if d != "" {
			list.domains = append(list.domains, d)
		}
	}
	if len(list.domains) > 0 {
		list.trie = ahocorasick.NewTrieBuilder().AddStrings(list.domains).Build()
	}
	return list
}

// Len returns the number of domains in the list.
func (l *DomainList) Len() int { return len(l.domains) }

// MatchHost reports whether host is one of the listed domains (or a
// subdomain of one, with Subdomains set).
func (l *DomainList) MatchHost(host string) bool {
	if l == nil || l.trie == nil {
		return false
	}
	for _, match := range l.trie.MatchString(host) {
		domain := l.domains[match.Pattern()]
		if host == domain {
			return true
		}
		if l.Subdomains && isDomainOrSubdomain(host, domain) {
			return true
		}
	}
	return false
}

func (l *DomainList) Classify(input Input) (bool, error) {
	return l.MatchHost(input.Host), nil
}

var rgComment = regexp.MustCompile(`\A(.*?)[ \t\v]*(?:[#;].*)?\z`)
var rgSplitDomains = regexp.MustCompile(`[ \t\v]+`)

// LoadDomainsFile reads a hosts-style domain list. Comments start with '#'
// or ';', "0.0.0.0" sinkhole addresses are ignored and several domains may
// share a line.
func LoadDomainsFile(filePath string) ([]string, error) {
	cleanPath, err := filepath.Abs(filepath.Clean(filePath))
	if err != nil {
		return nil, fmt.Errorf("invalid file path: %w", err)
	}

	file, err := os.Open(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open domains file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing domains file: %v", closeErr)
		}
	}()

	var domains []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		line = rgComment.FindStringSubmatch(line)[1]
		for _, domain := range rgSplitDomains.Split(line, -1) {
			if domain == "" || domain == "0.0.0.0" {
				continue
			}
			domains = append(domains, domain)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading domains file: %w", err)
	}

	if len(domains) == 0 {
		logger.Warn("No domains found in file: %s", filePath)
	} else {
		logger.Debug("Loaded %d domains from file: %s", len(domains), filePath)
	}
	return domains, nil
}
