package config

import (
	"bytes"
	"os"
	"slices"

	"github.com/codefionn/umleitung/umleitung-srv/logger"
)

// HasChanged reports whether a reload from a to b requires the proxy to be
// restarted. Runtime app settings are compared too, since they are pushed to
// the running AppSettings on reload.
func HasChanged(a, b *Config) bool {
	if a == nil || b == nil {
		return a != b
	}
	if a.ListenAddress != b.ListenAddress ||
		a.TimeoutSeconds != b.TimeoutSeconds ||
		a.MaxConcurrentConnections != b.MaxConcurrentConnections ||
		a.UpstreamInsecure != b.UpstreamInsecure {
		return true
	}
	if a.API != b.API || a.CA != b.CA || a.Storage != b.Storage ||
		a.Log != b.Log || a.Metrics != b.Metrics {
		return true
	}
	if !dnsConfigEqual(a.DNS, b.DNS) {
		return true
	}
	if !appConfigEqual(a.App, b.App) {
		return true
	}
	if !classifiersMapEqual(a.Classifiers, b.Classifiers) {
		return true
	}
	return !forwardsSliceEqual(a.Forwards, b.Forwards)
}

func appConfigEqual(a, b AppConfig) bool {
	return a.Recording == b.Recording &&
		a.SSLCapture == b.SSLCapture &&
		a.MaxLogSize == b.MaxLogSize &&
		a.ClearLogSize == b.ClearLogSize &&
		slices.Equal(a.IncludeDomains, b.IncludeDomains) &&
		slices.Equal(a.ExcludeDomains, b.ExcludeDomains)
}

func classifierEqual(a, b Classifier) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Kind() != b.Kind() {
		return false
	}
	switch ta := a.(type) {
	case *ClassifierPort:
		tb, ok := b.(*ClassifierPort)
		return ok && ta.Port == tb.Port
	case *ClassifierDomainsFile:
		tb, ok := b.(*ClassifierDomainsFile)
		if !ok {
			return false
		}
		if ta.FilePath == tb.FilePath {
			return true
		}
		aContent, err := os.ReadFile(ta.FilePath)
		if err != nil {
			logger.Error("Failed to read domains file: %v (file: %s)", err, ta.FilePath)
			return false
		}
		bContent, err := os.ReadFile(tb.FilePath)
		if err != nil {
			logger.Error("Failed to read domains file: %v (file: %s)", err, tb.FilePath)
			return false
		}
		return bytes.Equal(aContent, bContent)
	case *ClassifierAnd:
		tb, ok := b.(*ClassifierAnd)
		return ok && classifierListEqual(ta.Classifiers, tb.Classifiers)
	case *ClassifierOr:
		tb, ok := b.(*ClassifierOr)
		return ok && classifierListEqual(ta.Classifiers, tb.Classifiers)
	case *ClassifierNot:
		tb, ok := b.(*ClassifierNot)
		return ok && classifierEqual(ta.Classifier, tb.Classifier)
	case *ClassifierDomain:
		tb, ok := b.(*ClassifierDomain)
		return ok && ta.Op == tb.Op && ta.Domain == tb.Domain
	case *ClassifierRef:
		tb, ok := b.(*ClassifierRef)
		return ok && ta.ID == tb.ID
	case *ClassifierIP:
		tb, ok := b.(*ClassifierIP)
		return ok && ta.IP == tb.IP
	case *ClassifierNetwork:
		tb, ok := b.(*ClassifierNetwork)
		return ok && ta.CIDR == tb.CIDR
	case *ClassifierTrue, *ClassifierFalse:
		return true
	default:
		return false
	}
}

func classifierListEqual(a, b []Classifier) bool {
	return slices.EqualFunc(a, b, classifierEqual)
}

func classifiersMapEqual(a, b map[string]Classifier) bool {
	if len(a) != len(b) {
		return false
	}
	for k, va := range a {
		vb, ok := b[k]
		if !ok || !classifierEqual(va, vb) {
			return false
		}
	}
	return true
}

func forwardsSliceEqual(a, b []Forward) bool {
	return slices.EqualFunc(a, b, forwardEqual)
}

func forwardEqual(a, b Forward) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Type() != b.Type() {
		return false
	}
	switch ta := a.(type) {
	case *ForwardDefaultNetwork:
		tb, ok := b.(*ForwardDefaultNetwork)
		return ok && ta.ForceIPv4 == tb.ForceIPv4 && classifierEqual(ta.ClassifierData, tb.ClassifierData)
	case *ForwardSocks5:
		tb, ok := b.(*ForwardSocks5)
		return ok && ta.Address == tb.Address && ta.ForceIPv4 == tb.ForceIPv4 &&
			stringPtrEqual(ta.Username, tb.Username) &&
			stringPtrEqual(ta.Password, tb.Password) &&
			classifierEqual(ta.ClassifierData, tb.ClassifierData)
	case *ForwardProxy:
		tb, ok := b.(*ForwardProxy)
		return ok && ta.Address == tb.Address && ta.ForceIPv4 == tb.ForceIPv4 &&
			stringPtrEqual(ta.Username, tb.Username) &&
			stringPtrEqual(ta.Password, tb.Password) &&
			classifierEqual(ta.ClassifierData, tb.ClassifierData)
	default:
		return false
	}
}

func stringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
