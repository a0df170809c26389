// Package persona holds the personality table: named bundles of system
// prompt, model, endpoint and temperature that select how replies are
// generated for a chat.
package persona

import (
	"fmt"
	"os"
	"sync"

	"github.com/elliotchance/pie/v2"
	"gopkg.in/yaml.v3"
)

// DefaultID is the personality used when a chat has none selected.
const DefaultID = "default"

// ErrUnknownPersonality is returned when neither the requested personality
// nor the default one exists.
var ErrUnknownPersonality = fmt.Errorf("unknown personality")

// Personality is one entry of the table.
type Personality struct {
	// Name is the table key; filled in by the table, not read from YAML.
	Name string `yaml:"-"`

	// Prompt is the system prompt sent first in every request.
	Prompt string `yaml:"prompt" validate:"required"`

	// Model is the model identifier sent to the completion endpoint.
	Model string `yaml:"model" validate:"required"`

	// APIURL is the full chat-completions endpoint URL.
	APIURL string `yaml:"api_url" validate:"required,url"`

	// Temperature is the sampling temperature.
	Temperature float64 `yaml:"temperature" validate:"gte=0,lte=2"`
}

// Table maps personality ids to personalities. It is safe for concurrent
// use and can be swapped wholesale on reload.
type Table struct {
	mu        sync.RWMutex
	entries   map[string]Personality
	defaultID string
}

// NewTable builds a table. An empty defaultID means DefaultID.
func NewTable(entries map[string]Personality, defaultID string) *Table {
	if defaultID == "" {
		defaultID = DefaultID
	}
	t := &Table{defaultID: defaultID}
	t.Replace(entries)
	return t
}

// Replace swaps the table contents.
func (t *Table) Replace(entries map[string]Personality) {
	next := make(map[string]Personality, len(entries))
	for name, p := range entries {
		p.Name = name
		next[name] = p
	}
	t.mu.Lock()
	t.entries = next
	t.mu.Unlock()
}

// DefaultID returns the fallback personality id.
func (t *Table) DefaultID() string { return t.defaultID }

// Has reports whether id exists in the table.
func (t *Table) Has(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.entries[id]
	return ok
}

// Resolve returns the personality for id, falling back to the default when
// id is empty or no longer exists.
func (t *Table) Resolve(id string) (Personality, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if p, ok := t.entries[id]; ok && id != "" {
		return p, nil
	}
	if p, ok := t.entries[t.defaultID]; ok {
		return p, nil
	}
	if id == "" {
		id = t.defaultID
	}
	return Personality{}, fmt.Errorf("%w: %s", ErrUnknownPersonality, id)
}

// Names returns the personality ids in sorted order.
func (t *Table) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return pie.Sort(pie.Keys(t.entries))
}

// Len returns the number of personalities.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// LoadFile reads a YAML map of id → personality.
func LoadFile(path string) (map[string]Personality, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading personalities: %w", err)
	}
	var entries map[string]Personality
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing personalities %s: %w", path, err)
	}
	for name, p := range entries {
		if p.Prompt == "" || p.Model == "" || p.APIURL == "" {
			return nil, fmt.Errorf("personality %q: prompt, model and api_url are required", name)
		}
	}
	return entries, nil
}
