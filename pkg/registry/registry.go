// Package registry maintains the command catalog: every request endpoint the
// fabric serves, with its parameter and result schemas. Registration binds
// the handler to the router and records the descriptor; the catalog is
// exported as generated-command-schemas.json for CLI and MCP consumers.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/continuum-dev/jtag/pkg/message"
	"github.com/continuum-dev/jtag/pkg/router"
)

// CatalogFileName is the on-disk catalog the CLI and MCP bridge consume.
const CatalogFileName = "generated-command-schemas.json"

// AccessLevel gates who may invoke a command.
type AccessLevel string

const (
	AccessPublic   AccessLevel = "public"
	AccessInternal AccessLevel = "internal"
)

// ParamSpec describes one command parameter.
type ParamSpec struct {
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
}

// Descriptor is the catalog entry for one command endpoint.
type Descriptor struct {
	Endpoint    string               `json:"endpoint"`
	Description string               `json:"description"`
	Category    string               `json:"category,omitempty"`
	Params      map[string]ParamSpec `json:"parameters,omitempty"`
	Result      map[string]ParamSpec `json:"result,omitempty"`
	AccessLevel AccessLevel          `json:"accessLevel,omitempty"`
}

// Category derives a grouping from the endpoint's first path segment when the
// descriptor does not set one explicitly.
func (d Descriptor) category() string {
	if d.Category != "" {
		return d.Category
	}
	if i := strings.IndexByte(d.Endpoint, '/'); i > 0 {
		return d.Endpoint[:i]
	}
	return d.Endpoint
}

// Registry ties command registration to the router's terminal subscriber
// table. One registry per server process.
type Registry struct {
	router *router.Router
	self   message.Context

	mu          sync.RWMutex
	descriptors map[string]Descriptor
	subs        map[string]*router.Subscription
}

// New creates a registry bound to the given router shard.
func New(r *router.Router, self message.Context) *Registry {
	return &Registry{
		router:      r,
		self:        self,
		descriptors: make(map[string]Descriptor),
		subs:        make(map[string]*router.Subscription),
	}
}

// Register binds handler as the terminal subscriber for the descriptor's
// endpoint and records the descriptor in the catalog. Fails with
// EndpointTaken when the endpoint already has a terminal owner.
func (r *Registry) Register(d Descriptor, handler router.Handler) error {
	if d.Endpoint == "" {
		return message.NewError(message.InvalidMessage, "descriptor requires an endpoint")
	}
	if d.AccessLevel == "" {
		d.AccessLevel = AccessPublic
	}

	sub, err := r.router.Register(d.Endpoint, r.self, handler, router.Terminal)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.descriptors[d.Endpoint] = d
	r.subs[d.Endpoint] = sub
	r.mu.Unlock()
	return nil
}

// Unregister removes a command and its router subscription. Idempotent.
func (r *Registry) Unregister(endpoint string) {
	r.mu.Lock()
	sub := r.subs[endpoint]
	delete(r.subs, endpoint)
	delete(r.descriptors, endpoint)
	r.mu.Unlock()
	r.router.Unregister(sub)
}

// Lookup returns the descriptor for an endpoint.
func (r *Registry) Lookup(endpoint string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[endpoint]
	return d, ok
}

// Descriptors returns every registered command, sorted by endpoint.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

// Search matches commands whose endpoint, description, or category contains
// the query (case-insensitive). An empty query matches everything; category
// narrows the result when non-empty.
func (r *Registry) Search(query, category string) []Descriptor {
	query = strings.ToLower(query)
	category = strings.ToLower(category)

	var out []Descriptor
	for _, d := range r.Descriptors() {
		if category != "" && strings.ToLower(d.category()) != category {
			continue
		}
		if query != "" &&
			!strings.Contains(strings.ToLower(d.Endpoint), query) &&
			!strings.Contains(strings.ToLower(d.Description), query) {
			continue
		}
		out = append(out, d)
	}
	return out
}

// Categories returns the distinct command categories, sorted.
func (r *Registry) Categories() []string {
	seen := make(map[string]struct{})
	for _, d := range r.Descriptors() {
		seen[d.category()] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// catalogFile is the serialized catalog shape.
type catalogFile struct {
	Commands []Descriptor `json:"commands"`
}

// CatalogJSON serializes the current catalog.
func (r *Registry) CatalogJSON() ([]byte, error) {
	return json.MarshalIndent(catalogFile{Commands: r.Descriptors()}, "", "  ")
}

// WriteCatalog writes the catalog under dir as generated-command-schemas.json,
// creating the directory if needed.
func (r *Registry) WriteCatalog(dir string) error {
	data, err := r.CatalogJSON()
	if err != nil {
		return fmt.Errorf("serializing catalog: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating catalog dir: %w", err)
	}
	path := filepath.Join(dir, CatalogFileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing catalog: %w", err)
	}
	return nil
}

// LoadCatalog reads a previously written catalog. CLI and MCP consumers use
// this instead of talking to a live server.
func LoadCatalog(path string) ([]Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}
	var cf catalogFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("parsing catalog %s: %w", path, err)
	}
	return cf.Commands, nil
}
