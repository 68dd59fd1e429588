package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
)

// parseValue converts a decoded JSON/HCL value into T. A value of the form
// {"_secret": "NAME"} is replaced by the environment variable NAME.
func parseValue[T any](value any) (*T, error) {
	var zero T
	ptr := reflect.New(reflect.TypeOf(zero))
	elem := ptr.Elem()

	if m, ok := value.(map[string]any); ok {
		if key, ok := m["_secret"].(string); ok {
			res := os.Getenv(key)
			if res == "" {
				return nil, fmt.Errorf("secret %s not set", key)
			}
			value = res
		}
	}

	switch v := value.(type) {
	case float64:
		switch elem.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			if v != float64(int64(v)) {
				return nil, fmt.Errorf("expected integer, got %v", v)
			}
			elem.SetInt(int64(v))
		case reflect.Float32, reflect.Float64:
			elem.SetFloat(v)
		default:
			return nil, fmt.Errorf("expected %T, got number", zero)
		}
	case string:
		switch elem.Kind() {
		case reflect.String:
			elem.SetString(v)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			i, err := strconv.ParseInt(strings.TrimSpace(v), 10, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse int: %w", err)
			}
			elem.SetInt(i)
		case reflect.Float32, reflect.Float64:
			f, err := strconv.ParseFloat(strings.TrimSpace(v), elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse float: %w", err)
			}
			elem.SetFloat(f)
		case reflect.Bool:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("failed to parse bool: %w", err)
			}
			elem.SetBool(b)
		default:
			return nil, fmt.Errorf("expected %T, got string", zero)
		}
	case bool:
		if elem.Kind() != reflect.Bool {
			return nil, fmt.Errorf("expected %T, got bool", zero)
		}
		elem.SetBool(v)
	default:
		if rv, ok := value.(T); ok {
			return &rv, nil
		}
		return nil, fmt.Errorf("expected %T, got %T", zero, value)
	}
	return ptr.Interface().(*T), nil
}

// parseStringList accepts an array of strings or a comma separated string.
func parseStringList(value any) ([]string, error) {
	switch v := value.(type) {
	case nil:
		return []string{}, nil
	case string:
		out := []string{}
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, nil
	case []any:
		out := make([]string, 0, len(v))
		for i, item := range v {
			s, err := parseValue[string](item)
			if err != nil {
				return nil, fmt.Errorf("entry %d: %w", i, err)
			}
			out = append(out, *s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected list of strings, got %T", value)
	}
}

func parseClassifierList(raw any) ([]Classifier, error) {
	if raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("classifiers must be an array")
	}
	out := make([]Classifier, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("classifier at index %d must be an object", i)
		}
		c, err := parseClassifier(m)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func parseClassifier(classifierMap map[string]any) (Classifier, error) {
	kind, ok := classifierMap["type"].(string)
	if !ok {
		return nil, fmt.Errorf("missing classifier type")
	}

	stringField := func(key string) (string, error) {
		ptr, err := parseValue[string](classifierMap[key])
		if err != nil {
			return "", fmt.Errorf("%s classifier requires a '%s' field", kind, key)
		}
		return *ptr, nil
	}

	switch ClassifierKind(kind) {
	case ClassifierKindAnd:
		children, err := parseClassifierList(classifierMap["classifiers"])
		if err != nil {
			return nil, err
		}
		return &ClassifierAnd{Classifiers: children}, nil
	case ClassifierKindOr:
		children, err := parseClassifierList(classifierMap["classifiers"])
		if err != nil {
			return nil, err
		}
		return &ClassifierOr{Classifiers: children}, nil
	case ClassifierKindNot:
		inner, ok := classifierMap["classifier"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("not classifier requires a 'classifier' object")
		}
		c, err := parseClassifier(inner)
		if err != nil {
			return nil, err
		}
		return &ClassifierNot{Classifier: c}, nil
	case ClassifierKindDomain:
		domain, err := stringField("domain")
		if err != nil {
			return nil, err
		}
		op := ClassifierOpEqual
		if raw, ok := classifierMap["op"].(string); ok {
			if op, err = parseClassifierOp(raw); err != nil {
				return nil, err
			}
		}
		return &ClassifierDomain{Op: op, Domain: strings.ToLower(domain)}, nil
	case ClassifierKindDomainsFile:
		path, err := stringField("file")
		if err != nil || path == "" {
			return nil, fmt.Errorf("domains-file classifier requires a 'file' field")
		}
		return &ClassifierDomainsFile{FilePath: path}, nil
	case ClassifierKindIP:
		ip, err := stringField("ip")
		if err != nil {
			return nil, err
		}
		return &ClassifierIP{IP: ip}, nil
	case ClassifierKindNetwork:
		cidr, err := stringField("cidr")
		if err != nil {
			return nil, err
		}
		return &ClassifierNetwork{CIDR: cidr}, nil
	case ClassifierKindPort:
		port, err := parseValue[int](classifierMap["port"])
		if err != nil {
			return nil, fmt.Errorf("port classifier requires a numeric 'port' field")
		}
		if *port < 1 || *port > 65535 {
			return nil, fmt.Errorf("port %d out of range", *port)
		}
		return &ClassifierPort{Port: *port}, nil
	case ClassifierKindRef:
		id, err := stringField("id")
		if err != nil {
			return nil, err
		}
		return &ClassifierRef{ID: id}, nil
	case ClassifierKindTrue:
		return &ClassifierTrue{}, nil
	case ClassifierKindFalse:
		return &ClassifierFalse{}, nil
	default:
		return nil, fmt.Errorf("unsupported classifier type: %s", kind)
	}
}

func parseClassifierOp(op string) (ClassifierOp, error) {
	switch op {
	case "equal", "":
		return ClassifierOpEqual, nil
	case "not-equal":
		return ClassifierOpNotEqual, nil
	case "contains":
		return ClassifierOpContains, nil
	case "not-contains":
		return ClassifierOpNotContains, nil
	case "is":
		return ClassifierOpIs, nil
	default:
		return ClassifierOpEqual, fmt.Errorf("unsupported classifier op: %s", op)
	}
}

func parseForward(forwardMap map[string]any) (Forward, error) {
	forwardType, ok := forwardMap["type"].(string)
	if !ok {
		return nil, fmt.Errorf("missing forward type")
	}

	var classifier Classifier
	if classifierData, ok := forwardMap["classifier"].(map[string]any); ok {
		var err error
		if classifier, err = parseClassifier(classifierData); err != nil {
			return nil, fmt.Errorf("failed to parse classifier for %s forward: %w", forwardType, err)
		}
	}

	var forceIPv4 bool
	if err := setField(forwardMap, "force-ipv4", &forceIPv4); err != nil {
		return nil, err
	}

	optional := func(key string) (*string, error) {
		if _, exists := forwardMap[key]; !exists {
			return nil, nil
		}
		return parseValue[string](forwardMap[key])
	}

	switch forwardType {
	case "default-network":
		return &ForwardDefaultNetwork{ClassifierData: classifier, ForceIPv4: forceIPv4}, nil
	case "socks5", "proxy":
		address, err := parseValue[string](forwardMap["address"])
		if err != nil {
			return nil, fmt.Errorf("%s forward requires address field", forwardType)
		}
		username, err := optional("username")
		if err != nil {
			return nil, fmt.Errorf("username: %w", err)
		}
		password, err := optional("password")
		if err != nil {
			return nil, fmt.Errorf("password: %w", err)
		}
		if forwardType == "socks5" {
			return &ForwardSocks5{ClassifierData: classifier, Address: *address, Username: username, Password: password, ForceIPv4: forceIPv4}, nil
		}
		return &ForwardProxy{ClassifierData: classifier, Address: *address, Username: username, Password: password, ForceIPv4: forceIPv4}, nil
	default:
		return nil, fmt.Errorf("unsupported forward type: %s", forwardType)
	}
}
