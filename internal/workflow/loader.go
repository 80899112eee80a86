package workflow

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// DefaultWorkflowDir points to the conventional location for workflow
// definitions when loading a catalog from disk.
const DefaultWorkflowDir = "workflows"

// Parse decodes a workflow definition from YAML (or JSON) bytes.
func Parse(data []byte) (*Workflow, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, definitionError("definition payload is empty")
	}
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, &LoadError{Reason: fmt.Sprintf("decode definition: %v", err)}
	}
	return FromDocument(doc)
}

// LoadReader reads workflow definition data from an io.Reader.
func LoadReader(r io.Reader) (*Workflow, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("workflow: read definition: %w", err)
	}
	return Parse(content)
}

// LoadFile loads a workflow definition from an explicit file path.
func LoadFile(path string) (*Workflow, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("workflow: read %s: %w", path, err)
	}
	wf, parseErr := Parse(content)
	if parseErr != nil {
		return nil, fmt.Errorf("workflow: %s: %w", path, parseErr)
	}
	if abs, err := filepath.Abs(path); err == nil {
		wf.source = abs
	} else {
		wf.source = path
	}
	return wf, nil
}

// LoadDir loads every .yaml, .yml and .json definition in dir into a catalog.
func LoadDir(dir string) (*Catalog, error) {
	if dir == "" {
		dir = DefaultWorkflowDir
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("workflow: read dir %s: %w", dir, err)
	}
	catalog := NewCatalog()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		wf, err := LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if err := catalog.Add(wf); err != nil {
			return nil, fmt.Errorf("workflow: %s: %w", entry.Name(), err)
		}
	}
	return catalog, nil
}

// Catalog indexes loaded workflows by id.
type Catalog struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
}

// NewCatalog builds a catalog seeded with the provided workflows. Later
// duplicates replace earlier ones.
func NewCatalog(workflows ...*Workflow) *Catalog {
	c := &Catalog{workflows: map[string]*Workflow{}}
	for _, wf := range workflows {
		if wf != nil {
			c.workflows[wf.ID()] = wf
		}
	}
	return c
}

// Add registers a workflow. Duplicate ids are rejected.
func (c *Catalog) Add(wf *Workflow) error {
	if wf == nil {
		return fmt.Errorf("workflow: nil workflow")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.workflows[wf.ID()]; exists {
		return fmt.Errorf("workflow: duplicate workflow id %s", wf.ID())
	}
	c.workflows[wf.ID()] = wf
	return nil
}

// Get returns the workflow registered under id.
func (c *Catalog) Get(id string) (*Workflow, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	wf, ok := c.workflows[id]
	return wf, ok
}

// IDs returns the registered workflow ids in lexical order.
func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.workflows))
	for id := range c.workflows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
