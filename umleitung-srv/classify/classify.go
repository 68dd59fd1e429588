// Package classify evaluates the host predicates of the proxy configuration.
// They select the upstream forward for a connection and back the capture
// domain filter.
package classify

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Input is the target of a connection as seen by classifiers.
type Input struct {
	Host string // lower-cased, without port
	IP   string // set when Host is an IP literal
	Port int
}

// NewInput builds an Input from a host or host:port string.
func NewInput(hostport string, defaultPort int) Input {
	host, portStr, err := net.SplitHostPort(hostport)
	port := defaultPort
	if err != nil {
		host = strings.Trim(hostport, "[]")
	} else if p, err := strconv.Atoi(portStr); err == nil {
		port = p
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))

	in := Input{Host: host, Port: port}
	if ip := net.ParseIP(host); ip != nil {
		in.IP = ip.String()
	}
	return in
}

// Classifier is a compiled host predicate.
type Classifier interface {
	Classify(input Input) (bool, error)
}

// And matches when every child matches. Evaluation stops at the first miss.
type And struct {
	Classifiers []Classifier
}

func (c *And) Classify(input Input) (bool, error) {
	for _, child := range c.Classifiers {
		ok, err := child.Classify(input)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// Or matches when any child matches. Evaluation stops at the first hit.
type Or struct {
	Classifiers []Classifier
}

func (c *Or) Classify(input Input) (bool, error) {
	for _, child := range c.Classifiers {
		ok, err := child.Classify(input)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

type Not struct {
	Classifier Classifier
}

func (c *Not) Classify(input Input) (bool, error) {
	ok, err := c.Classifier.Classify(input)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// DomainOp mirrors config.ClassifierOp for compiled domain classifiers.
type DomainOp int

const (
	DomainEqual DomainOp = iota
	DomainNotEqual
	DomainContains
	DomainNotContains
	DomainIs
)

// Domain compares the host against a single domain.
type Domain struct {
	Op     DomainOp
	Domain string
}

func (c *Domain) Classify(input Input) (bool, error) {
	switch c.Op {
	case DomainEqual:
		return input.Host == c.Domain, nil
	case DomainNotEqual:
		return input.Host != c.Domain, nil
	case DomainContains:
		return strings.Contains(input.Host, c.Domain), nil
	case DomainNotContains:
		return !strings.Contains(input.Host, c.Domain), nil
	case DomainIs:
		return isDomainOrSubdomain(input.Host, c.Domain), nil
	default:
		return false, fmt.Errorf("unsupported domain operation: %d", c.Op)
	}
}

// IP matches targets given as the exact IP literal.
type IP struct {
	IP net.IP
}

func (c *IP) Classify(input Input) (bool, error) {
	if input.IP == "" {
		return false, nil
	}
	return c.IP.Equal(net.ParseIP(input.IP)), nil
}

// Network matches IP literal targets inside a CIDR range.
type Network struct {
	Net *net.IPNet
}

func (c *Network) Classify(input Input) (bool, error) {
	if input.IP == "" {
		return false, nil
	}
	return c.Net.Contains(net.ParseIP(input.IP)), nil
}

type Port struct {
	Port int
}

func (c *Port) Classify(input Input) (bool, error) {
	if input.Port == 0 {
		return false, fmt.Errorf("target port not provided in classifier input")
	}
	return input.Port == c.Port, nil
}

// Ref delegates to a named classifier. Classifiers is shared with the map
// the name was compiled into, so forward references resolve at call time.
type Ref struct {
	ID          string
	Classifiers map[string]Classifier
}

func (c *Ref) Classify(input Input) (bool, error) {
	target, ok := c.Classifiers[c.ID]
	if !ok {
		return false, fmt.Errorf("classifier with ID '%s' not found", c.ID)
	}
	return target.Classify(input)
}

type True struct{}

func (True) Classify(Input) (bool, error) { return true, nil }

type False struct{}

func (False) Classify(Input) (bool, error) { return false, nil }

func isDomainOrSubdomain(host, domain string) bool {
	if host == domain {
		return true
	}
	return len(host) > len(domain) &&
		strings.HasSuffix(host, domain) &&
		host[len(host)-len(domain)-1] == '.'
}
