package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/codefionn/umleitung/umleitung-srv/logger"
	"github.com/codefionn/umleitung/umleitung-srv/rules"
	"github.com/natefinch/atomic"
)

// FilePersister keeps all rules in one JSON document that is rewritten
// atomically (write to a temp file, then rename) on every change.
type FilePersister struct {
	path  string
	mu    sync.Mutex
	rules map[string]*rules.Rule
}

type fileDocument struct {
	Version int           `json:"version"`
	Rules   []*rules.Rule `json:"rules"`
}

// NewFilePersister opens (or prepares) the document at path.
func NewFilePersister(path string) (*FilePersister, error) {
	if path == "" {
		return nil, fmt.Errorf("file storage requires a path")
	}
	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("invalid storage path: %w", err)
	}

	p := &FilePersister{path: absPath, rules: make(map[string]*rules.Rule)}
	data, err := os.ReadFile(absPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		logger.Info("Rule file %s does not exist yet, starting empty", absPath)
		return p, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read rule file: %w", err)
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode rule file %s: %w", absPath, err)
	}
	for _, r := range doc.Rules {
		p.rules[r.ID] = r
	}
	return p, nil
}

func (p *FilePersister) Load(context.Context) ([]*rules.Rule, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*rules.Rule, 0, len(p.rules))
	for _, r := range p.rules {
		out = append(out, r.Clone())
	}
	return out, nil
}

func (p *FilePersister) Save(_ context.Context, list ...*rules.Rule) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := make(map[string]*rules.Rule, len(p.rules)+len(list))
	for id, r := range p.rules {
		next[id] = r
	}
	for _, r := range list {
		next[r.ID] = r.Clone()
	}
	if err := p.write(next); err != nil {
		return err
	}
	p.rules = next
	return nil
}

func (p *FilePersister) Delete(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.rules[id]; !ok {
		return nil
	}
	next := make(map[string]*rules.Rule, len(p.rules))
	for k, r := range p.rules {
		if k != id {
			next[k] = r
		}
	}
	if err := p.write(next); err != nil {
		return err
	}
	p.rules = next
	return nil
}

func (p *FilePersister) write(set map[string]*rules.Rule) error {
	doc := fileDocument{Version: rules.BundleVersion, Rules: make([]*rules.Rule, 0, len(set))}
	for _, r := range set {
		doc.Rules = append(doc.Rules, r)
	}
	sort.Slice(doc.Rules, func(i, j int) bool { return doc.Rules[i].Seq < doc.Rules[j].Seq })

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode rules: %w", err)
	}
	if err := atomic.WriteFile(p.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write rule file: %w", err)
	}
	return nil
}

func (p *FilePersister) Close() error { return nil }
