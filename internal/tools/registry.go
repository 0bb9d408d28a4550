package tools

import (
	"log/slog"
	"sort"
	"strings"
)

// Builder assembles the tool registry at startup. Registration is
// explicit: each tool declares its name, parameter descriptors, and a
// handler closure. Names starting with an underscore and blocklisted
// names are skipped; a duplicate name overwrites the earlier
// registration with a warning. Build returns the immutable registry.
type Builder struct {
	defs      map[string]Definition
	order     []string
	blocklist map[string]bool
	log       *slog.Logger
}

// NewBuilder creates an empty registry builder.
func NewBuilder(log *slog.Logger) *Builder {
	if log == nil {
		log = slog.Default()
	}
	return &Builder{
		defs:      make(map[string]Definition),
		blocklist: make(map[string]bool),
		log:       log,
	}
}

// Blocklist excludes the given tool names from registration.
func (b *Builder) Blocklist(names ...string) *Builder {
	for _, n := range names {
		b.blocklist[n] = true
	}
	return b
}

// Register adds one tool definition.
func (b *Builder) Register(def Definition) *Builder {
	if def.Name == "" || strings.HasPrefix(def.Name, "_") {
		b.log.Debug("skipping unregistrable tool", "name", def.Name)
		return b
	}
	if b.blocklist[def.Name] {
		b.log.Debug("skipping blocklisted tool", "name", def.Name)
		return b
	}
	if _, exists := b.defs[def.Name]; exists {
		b.log.Warn("duplicate tool registration overwrites earlier one", "name", def.Name)
	} else {
		b.order = append(b.order, def.Name)
	}
	b.defs[def.Name] = def
	return b
}

// RegisterDeclared binds a loaded declaration to a handler.
func (b *Builder) RegisterDeclared(decl Declaration, fn HandlerFunc) *Builder {
	return b.Register(Definition{
		Name:        decl.Name,
		Description: decl.Description,
		Params:      decl.Params(),
		Handler:     fn,
	})
}

// Build returns the immutable registry.
func (b *Builder) Build() *Registry {
	defs := make(map[string]Definition, len(b.defs))
	for name, def := range b.defs {
		defs[name] = def
	}
	order := make([]string, len(b.order))
	copy(order, b.order)
	sort.Strings(order)
	return &Registry{defs: defs, names: order}
}

// Registry maps tool names to definitions. It is read-only after
// startup and therefore safe for concurrent use without locking.
type Registry struct {
	defs  map[string]Definition
	names []string
}

// Get looks up a tool definition by name.
func (r *Registry) Get(name string) (Definition, bool) {
	def, ok := r.defs[name]
	return def, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Definitions returns all registered tools in name order.
func (r *Registry) Definitions() []Definition {
	out := make([]Definition, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.defs[name])
	}
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.names)
}
