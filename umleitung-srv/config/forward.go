package config

// ForwardType defines how upstream connections are dialed.
type ForwardType int

const (
	// ForwardTypeDefaultNetwork dials the target directly.
	ForwardTypeDefaultNetwork ForwardType = iota
	// ForwardTypeSocks5 dials through a SOCKS5 proxy.
	ForwardTypeSocks5
	// ForwardTypeProxy dials through an HTTP proxy using CONNECT.
	ForwardTypeProxy
)

func (t ForwardType) String() string {
	switch t {
	case ForwardTypeDefaultNetwork:
		return "default-network"
	case ForwardTypeSocks5:
		return "socks5"
	case ForwardTypeProxy:
		return "proxy"
	default:
		return "unknown"
	}
}

// Forward is one entry of the upstream chain. The first forward whose
// classifier matches the target decides how the connection is dialed.
type Forward interface {
	Type() ForwardType
	Classifier() Classifier
}

// ForwardDefaultNetwork dials the target directly.
type ForwardDefaultNetwork struct {
	ClassifierData Classifier
	ForceIPv4      bool
}

func (c *ForwardDefaultNetwork) Type() ForwardType { return ForwardTypeDefaultNetwork }

func (c *ForwardDefaultNetwork) Classifier() Classifier { return classifierOrTrue(c.ClassifierData) }

// ForwardSocks5 dials through a SOCKS5 server.
type ForwardSocks5 struct {
	ClassifierData Classifier
	Address        string
	Username       *string
	Password       *string
	ForceIPv4      bool
}

func (c *ForwardSocks5) Type() ForwardType { return ForwardTypeSocks5 }

func (c *ForwardSocks5) Classifier() Classifier { return classifierOrTrue(c.ClassifierData) }

// ForwardProxy dials through an HTTP proxy using CONNECT.
type ForwardProxy struct {
	ClassifierData Classifier
	Address        string
	Username       *string
	Password       *string
	ForceIPv4      bool
}

func (c *ForwardProxy) Type() ForwardType { return ForwardTypeProxy }

func (c *ForwardProxy) Classifier() Classifier { return classifierOrTrue(c.ClassifierData) }

func classifierOrTrue(c Classifier) Classifier {
	if c == nil {
		return &ClassifierTrue{}
	}
	return c
}
