package tool

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/flemzord/toolgate/internal/supervisor"
)

// Entry is a registered tool.
type Entry struct {
	Descriptor
	Availability

	handler Handler
}

// Handler returns the local handler, or nil for subprocess tools.
func (e Entry) Handler() Handler { return e.handler }

// Info is the listing form of an entry.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Kind        Kind   `json:"kind"`
	Eager       bool   `json:"eager,omitempty"`
	Available   bool   `json:"available"`
	Reason      string `json:"reason,omitempty"`
}

// Registry holds the tools known to the gateway.
// It is instance-based (not global) for better testability.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	prober  Prober
}

// NewRegistry creates an empty registry that probes with prober.
// A zero Prober means DefaultProber.
func NewRegistry(prober Prober) *Registry {
	if prober.LookPath == nil {
		prober.LookPath = DefaultProber.LookPath
	}
	if prober.LookupEnv == nil {
		prober.LookupEnv = DefaultProber.LookupEnv
	}
	return &Registry{
		entries: make(map[string]*Entry),
		prober:  prober,
	}
}

// Register adds a tool. Local tools need a handler; subprocess tools need
// a launch command and ignore h. Requirements are probed now and an
// unavailable tool is still registered so callers get a precise error.
func (r *Registry) Register(d Descriptor, h Handler) (Availability, error) {
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		return Availability{}, ErrEmptyToolName
	}
	switch d.Kind {
	case KindLocal:
		if h == nil {
			return Availability{}, fmt.Errorf("%w: %s", ErrNoHandler, d.Name)
		}
	case KindSubprocess:
		if d.Launch.Command == "" {
			return Availability{}, fmt.Errorf("%w: %s", ErrNoCommand, d.Name)
		}
		h = nil
	default:
		return Availability{}, fmt.Errorf("%w: %s: %q", ErrUnknownKind, d.Name, d.Kind)
	}

	avail := r.prober.Probe(d)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[d.Name]; exists {
		return Availability{}, fmt.Errorf("%w: %s", ErrDuplicateTool, d.Name)
	}
	r.entries[d.Name] = &Entry{Descriptor: d, Availability: avail, handler: h}
	return avail, nil
}

// Get returns the entry with the given name, or ErrToolNotFound.
func (r *Registry) Get(name string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return *e, nil
}

// Names returns all registered tool names sorted alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// List returns every tool sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, Info{
			Name:        e.Name,
			Description: e.Description,
			Kind:        e.Kind,
			Eager:       e.Eager,
			Available:   e.Available,
			Reason:      e.Reason,
		})
	}
	slices.SortFunc(out, func(a, b Info) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// SupervisorSpecs returns launch specs for every available subprocess tool.
func (r *Registry) SupervisorSpecs() []supervisor.Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var specs []supervisor.Spec
	for _, e := range r.entries {
		if e.Kind == KindSubprocess && e.Available {
			specs = append(specs, e.SupervisorSpec())
		}
	}
	slices.SortFunc(specs, func(a, b supervisor.Spec) int { return strings.Compare(a.Name, b.Name) })
	return specs
}

// maxPreviewLen is the maximum length of command and output previews kept
// in audit records and listings.
const maxPreviewLen = 4096

// Preview truncates s to maxPreviewLen, appending a truncation indicator
// if the string was shortened. It walks back to a valid UTF-8 rune
// boundary to avoid splitting multi-byte characters.
func Preview(s string) string {
	if len(s) <= maxPreviewLen {
		return s
	}
	i := maxPreviewLen
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return s[:i] + "...(truncated)"
}
