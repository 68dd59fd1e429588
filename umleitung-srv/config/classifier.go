package config

// ClassifierKind names a classifier variant as it appears in configuration files.
type ClassifierKind string

const (
	ClassifierKindAnd         ClassifierKind = "and"
	ClassifierKindOr          ClassifierKind = "or"
	ClassifierKindNot         ClassifierKind = "not"
	ClassifierKindDomain      ClassifierKind = "domain"
	ClassifierKindDomainsFile ClassifierKind = "domains-file"
	ClassifierKindIP          ClassifierKind = "ip"
	ClassifierKindNetwork     ClassifierKind = "network"
	ClassifierKindPort        ClassifierKind = "port"
	ClassifierKindRef         ClassifierKind = "ref"
	ClassifierKindTrue        ClassifierKind = "true"
	ClassifierKindFalse       ClassifierKind = "false"
)

// Classifier is the configuration form of a host predicate. It is compiled
// into a runtime classifier by the classify package.
type Classifier interface {
	Kind() ClassifierKind
}

// ClassifierOp selects how a domain classifier compares hosts.
type ClassifierOp int

const (
	// ClassifierOpEqual matches the host exactly.
	ClassifierOpEqual ClassifierOp = iota
	// ClassifierOpNotEqual matches every host but the given one.
	ClassifierOpNotEqual
	// ClassifierOpContains matches hosts containing the value.
	ClassifierOpContains
	// ClassifierOpNotContains matches hosts not containing the value.
	ClassifierOpNotContains
	// ClassifierOpIs matches the domain itself and all of its subdomains.
	ClassifierOpIs
)

func (op ClassifierOp) String() string {
	switch op {
	case ClassifierOpEqual:
		return "equal"
	case ClassifierOpNotEqual:
		return "not-equal"
	case ClassifierOpContains:
		return "contains"
	case ClassifierOpNotContains:
		return "not-contains"
	case ClassifierOpIs:
		return "is"
	default:
		return "unknown"
	}
}

type ClassifierAnd struct {
	Classifiers []Classifier
}

func (c *ClassifierAnd) Kind() ClassifierKind { return ClassifierKindAnd }

type ClassifierOr struct {
	Classifiers []Classifier
}

func (c *ClassifierOr) Kind() ClassifierKind { return ClassifierKindOr }

type ClassifierNot struct {
	Classifier Classifier
}

func (c *ClassifierNot) Kind() ClassifierKind { return ClassifierKindNot }

// ClassifierDomain compares the target host against Domain using Op.
type ClassifierDomain struct {
	Op     ClassifierOp
	Domain string
}

func (c *ClassifierDomain) Kind() ClassifierKind { return ClassifierKindDomain }

// ClassifierDomainsFile matches hosts listed (one per line) in FilePath,
// including their subdomains.
type ClassifierDomainsFile struct {
	FilePath string
}

func (c *ClassifierDomainsFile) Kind() ClassifierKind { return ClassifierKindDomainsFile }

type ClassifierIP struct {
	IP string
}

func (c *ClassifierIP) Kind() ClassifierKind { return ClassifierKindIP }

// ClassifierNetwork matches target hosts that are IP literals inside CIDR.
type ClassifierNetwork struct {
	CIDR string
}

func (c *ClassifierNetwork) Kind() ClassifierKind { return ClassifierKindNetwork }

type ClassifierPort struct {
	Port int
}

func (c *ClassifierPort) Kind() ClassifierKind { return ClassifierKindPort }

// ClassifierRef points at a named entry of Config.Classifiers.
type ClassifierRef struct {
	ID string
}

func (c *ClassifierRef) Kind() ClassifierKind { return ClassifierKindRef }

type ClassifierTrue struct{}

func (c *ClassifierTrue) Kind() ClassifierKind { return ClassifierKindTrue }

type ClassifierFalse struct{}

func (c *ClassifierFalse) Kind() ClassifierKind { return ClassifierKindFalse }
