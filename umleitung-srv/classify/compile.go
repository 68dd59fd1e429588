package classify

import (
	"fmt"
	"net"

	"github.com/codefionn/umleitung/umleitung-srv/config"
	"github.com/codefionn/umleitung/umleitung-srv/logger"
)

// CompileMap compiles the named classifiers of a configuration. Refs inside
// the map resolve against the returned map.
func CompileMap(classifiers map[string]config.Classifier) (map[string]Classifier, error) {
	result := make(map[string]Classifier, len(classifiers))
	for name, c := range classifiers {
		compiled, err := Compile(c, result)
		if err != nil {
			return nil, fmt.Errorf("classifier %q: %w", name, err)
		}
		result[name] = compiled
	}
	for name, c := range result {
		if err := checkRefs(c, result, map[string]bool{name: true}); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// checkRefs rejects unknown and cyclic references.
func checkRefs(c Classifier, named map[string]Classifier, visiting map[string]bool) error {
	switch t := c.(type) {
	case *Ref:
		if visiting[t.ID] {
			return fmt.Errorf("classifier reference cycle through %q", t.ID)
		}
		target, ok := named[t.ID]
		if !ok {
			return fmt.Errorf("classifier with ID '%s' not found", t.ID)
		}
		visiting[t.ID] = true
		defer delete(visiting, t.ID)
		return checkRefs(target, named, visiting)
	case *And:
		for _, child := range t.Classifiers {
			if err := checkRefs(child, named, visiting); err != nil {
				return err
			}
		}
	case *Or:
		for _, child := range t.Classifiers {
			if err := checkRefs(child, named, visiting); err != nil {
				return err
			}
		}
	case *Not:
		return checkRefs(t.Classifier, named, visiting)
	}
	return nil
}

// Compile turns a configuration classifier into its runtime form. Refs look
// up their target in named when classifying.
func Compile(c config.Classifier, named map[string]Classifier) (Classifier, error) {
	if c == nil {
		return nil, fmt.Errorf("nil classifier provided")
	}

	switch t := c.(type) {
	case *config.ClassifierAnd:
		children, err := compileList(t.Classifiers, named)
		if err != nil {
			return nil, err
		}
		return &And{Classifiers: children}, nil
	case *config.ClassifierOr:
		if optimized, err := compileDomainOr(t); err != nil || optimized != nil {
			return optimized, err
		}
		children, err := compileList(t.Classifiers, named)
		if err != nil {
			return nil, err
		}
		return &Or{Classifiers: children}, nil
	case *config.ClassifierNot:
		inner, err := Compile(t.Classifier, named)
		if err != nil {
			return nil, err
		}
		return &Not{Classifier: inner}, nil
	case *config.ClassifierDomain:
		op, err := domainOp(t.Op)
		if err != nil {
			return nil, err
		}
		return &Domain{Op: op, Domain: t.Domain}, nil
	case *config.ClassifierDomainsFile:
		domains, err := LoadDomainsFile(t.FilePath)
		if err != nil {
			return nil, err
		}
		return NewDomainList(domains, true), nil
	case *config.ClassifierIP:
		ip := net.ParseIP(t.IP)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP address '%s'", t.IP)
		}
		return &IP{IP: ip}, nil
	case *config.ClassifierNetwork:
		_, ipNet, err := net.ParseCIDR(t.CIDR)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR format '%s': %w", t.CIDR, err)
		}
		return &Network{Net: ipNet}, nil
	case *config.ClassifierPort:
		return &Port{Port: t.Port}, nil
	case *config.ClassifierRef:
		if named == nil {
			named = map[string]Classifier{}
		}
		return &Ref{ID: t.ID, Classifiers: named}, nil
	case *config.ClassifierTrue:
		return True{}, nil
	case *config.ClassifierFalse:
		return False{}, nil
	default:
		return nil, fmt.Errorf("unsupported classifier type: %s", c.Kind())
	}
}

func compileList(list []config.Classifier, named map[string]Classifier) ([]Classifier, error) {
	out := make([]Classifier, 0, len(list))
	for _, c := range list {
		compiled, err := Compile(c, named)
		if err != nil {
			return nil, err
		}
		out = append(out, compiled)
	}
	return out, nil
}

// compileDomainOr collapses an OR of several domain classifiers sharing the
// "is" (or "equal") semantics into one trie lookup. It returns nil when the
// children do not qualify.
func compileDomainOr(or *config.ClassifierOr) (Classifier, error) {
	if len(or.Classifiers) < 2 {
		return nil, nil
	}

	var domains []string
	allEqual, allIs := true, true
	for _, child := range or.Classifiers {
		switch c := child.(type) {
		case *config.ClassifierDomain:
			switch c.Op {
			case config.ClassifierOpEqual:
				allIs = false
			case config.ClassifierOpIs:
				allEqual = false
			default:
				return nil, nil
			}
			domains = append(domains, c.Domain)
		case *config.ClassifierDomainsFile:
			allEqual = false
			loaded, err := LoadDomainsFile(c.FilePath)
			if err != nil {
				return nil, err
			}
			domains = append(domains, loaded...)
		default:
			return nil, nil
		}
	}

	switch {
	case allEqual:
		logger.Debug("Compiled OR classifier of %d equal domains into a single trie", len(domains))
		return NewDomainList(domains, false), nil
	case allIs:
		logger.Debug("Compiled OR classifier of %d domains into a single trie", len(domains))
		return NewDomainList(domains, true), nil
	default:
		return nil, nil
	}
}

func domainOp(op config.ClassifierOp) (DomainOp, error) {
	switch op {
	case config.ClassifierOpEqual:
		return DomainEqual, nil
	case config.ClassifierOpNotEqual:
		return DomainNotEqual, nil
	case config.ClassifierOpContains:
		return DomainContains, nil
	case config.ClassifierOpNotContains:
		return DomainNotContains, nil
	case config.ClassifierOpIs:
		return DomainIs, nil
	default:
		return 0, fmt.Errorf("unsupported domain classifier operation: %v", op)
	}
}
