package corebus

import (
	"sync"
	"sync/atomic"
)

// subscription pairs a Subscriber with the id it was registered under, so
// Registry.dispatch can be given a stable order and (in future extensions)
// individual entries could be targeted. Registration order is preserved
// within each of the universal/typed/ancestor/interface categories.
type subscription struct {
	id  uint64
	sub Subscriber
}

// registrySnapshot is an immutable view of all current subscriptions.
// Registry never mutates a snapshot in place: addUniversal/addTyped build a
// new snapshot from the old one and swap it in atomically, so a dispatch in
// flight always sees one consistent, unchanging view — never a torn read of
// a slice being appended to concurrently.
//
// Grounded on the atomic.Pointer[registry]-backed dispatcher in
// mostlygeek/llama-swap's event package: a writer-only mutex serializes
// registration, reads are lock-free.
type registrySnapshot struct {
	universal []subscription
	typed     map[Tag][]subscription
}

func emptySnapshot() *registrySnapshot {
	return &registrySnapshot{typed: make(map[Tag][]subscription)}
}

// Hierarchy declares the supertype/interface relationships a Registry
// consults when walking a tag's ancestors during dispatch: callers declare,
// once, which tags are supertypes or declared interfaces of which other
// tags, since Go has no reflective class hierarchy to walk at runtime.
type Hierarchy struct {
	mu         sync.RWMutex
	parents    map[Tag][]Tag
	interfaces map[Tag][]Tag
}

// NewHierarchy returns an empty Hierarchy: every tag has no declared
// parents or interfaces, so dispatch only ever matches universal
// subscribers and subscribers registered for the exact tag.
func NewHierarchy() *Hierarchy {
	return &Hierarchy{
		parents:    make(map[Tag][]Tag),
		interfaces: make(map[Tag][]Tag),
	}
}

// WithParents declares that tag's immediate supertypes are parents, nearest
// first. Registry.dispatch walks from the immediate parent toward the root,
// including a declared ancestor that itself declares no parents (see
// DESIGN.md's "universal-root hierarchy stop" decision — there is no
// implicit universal root tag; only declared ancestors are walked).
func (h *Hierarchy) WithParents(tag Tag, parents ...Tag) *Hierarchy {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.parents[tag] = append([]Tag(nil), parents...)
	return h
}

// WithInterfaces declares the directly-implemented interface-like tags of
// tag, dispatched in declaration order after the ancestor walk.
func (h *Hierarchy) WithInterfaces(tag Tag, ifaces ...Tag) *Hierarchy {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.interfaces[tag] = append([]Tag(nil), ifaces...)
	return h
}

// Parents returns tag's declared immediate supertypes, nearest first.
func (h *Hierarchy) Parents(tag Tag) []Tag {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.parents[tag]
}

// Interfaces returns tag's declared interface-like tags, in declaration
// order.
func (h *Hierarchy) Interfaces(tag Tag) []Tag {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.interfaces[tag]
}

// Registry holds the universal subscriber list and the tag→subscriber map,
// and walks the declared type-tag hierarchy to find covariant matches for a
// published event.
type Registry struct {
	snapshot  atomic.Pointer[registrySnapshot]
	writeMu   sync.Mutex
	hierarchy *Hierarchy
	nextID    atomic.Uint64
}

// NewRegistry returns an empty Registry with a flat (no declared
// ancestors/interfaces) Hierarchy. Use NewRegistryWithHierarchy to declare
// a type-tag hierarchy up front.
func NewRegistry() *Registry {
	return NewRegistryWithHierarchy(NewHierarchy())
}

// NewRegistryWithHierarchy returns an empty Registry using the supplied
// Hierarchy for ancestor/interface resolution during dispatch.
func NewRegistryWithHierarchy(h *Hierarchy) *Registry {
	if h == nil {
		h = NewHierarchy()
	}
	r := &Registry{hierarchy: h}
	r.snapshot.Store(emptySnapshot())
	return r
}

// Hierarchy returns the Registry's Hierarchy, so callers can declare
// relationships after construction (WithParents/WithInterfaces are safe to
// call concurrently with dispatch).
func (r *Registry) Hierarchy() *Hierarchy {
	return r.hierarchy
}

// AddUniversal appends sub to the universal subscriber list. Universal
// subscribers match every event regardless of tag.
func (r *Registry) AddUniversal(sub Subscriber) error {
	if sub == nil {
		return ErrHandlerNil
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	old := r.snapshot.Load()
	next := &registrySnapshot{
		universal: append(append([]subscription(nil), old.universal...), subscription{id: r.nextID.Add(1), sub: sub}),
		typed:     old.typed,
	}
	r.snapshot.Store(next)
	return nil
}

// AddTyped appends sub to the list associated with tag, creating the list
// on first use.
func (r *Registry) AddTyped(tag Tag, sub Subscriber) error {
	if sub == nil {
		return ErrHandlerNil
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	old := r.snapshot.Load()
	typed := make(map[Tag][]subscription, len(old.typed)+1)
	for k, v := range old.typed {
		typed[k] = v
	}
	typed[tag] = append(append([]subscription(nil), typed[tag]...), subscription{id: r.nextID.Add(1), sub: sub})

	next := &registrySnapshot{universal: old.universal, typed: typed}
	r.snapshot.Store(next)
	return nil
}

// ancestorChain walks from tag's immediate parent toward the root, nearest
// first, including the topmost declared ancestor (one with no declared
// parents of its own); no implicit root beyond the declared tags is added
// (see DESIGN.md). Cycles (a mis-declared
// hierarchy) are guarded against with a visited set so dispatch can never
// loop forever on bad caller input.
func (r *Registry) ancestorChain(tag Tag) []Tag {
	var chain []Tag
	visited := map[Tag]bool{tag: true}
	frontier := r.hierarchy.Parents(tag)
	for len(frontier) > 0 {
		next := make([]Tag, 0, len(frontier))
		for _, t := range frontier {
			if visited[t] {
				continue
			}
			visited[t] = true
			chain = append(chain, t)
			next = append(next, r.hierarchy.Parents(t)...)
		}
		frontier = next
	}
	return chain
}

// dispatch invokes onMatch for every subscription matching event's tag, in
// this order:
// 1. universal subscribers, registration order
// 2. subscribers registered for exactly the event's tag, registration order
// 3. subscribers registered for each strict ancestor, nearest first
// 4. subscribers registered for each declared interface tag, declaration order
//
// A subscriber appearing in more than one category (for example, the same
// instance registered both universally and for the exact tag) is invoked
// once per category it matches — the registry does not deduplicate across
// categories; each category's list is independent.
func (r *Registry) dispatch(event Event, onMatch func(Subscriber)) {
	snap := r.snapshot.Load()

	for _, s := range snap.universal {
		onMatch(s.sub)
	}
	for _, s := range snap.typed[event.Tag] {
		onMatch(s.sub)
	}
	for _, ancestor := range r.ancestorChain(event.Tag) {
		for _, s := range snap.typed[ancestor] {
			onMatch(s.sub)
		}
	}
	for _, iface := range r.hierarchy.Interfaces(event.Tag) {
		for _, s := range snap.typed[iface] {
			onMatch(s.sub)
		}
	}
}
