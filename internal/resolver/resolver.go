// Package resolver implements the in-memory RDF quad store and object
// cache that ties streams to typed metadata (spec.md §4.1): a
// (graph, subject, predicate, object) store, an LRU + in-use object cache,
// and the central factory_open dispatch table.
package resolver

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/aff4/aff4container/internal/aff4err"
	"github.com/aff4/aff4container/internal/rdfmodel"
	"github.com/aff4/aff4container/internal/streamio"
	"github.com/aff4/aff4container/internal/turtle"
	"github.com/aff4/aff4container/internal/urn"
	glob "github.com/ryanuber/go-glob"
	"github.com/sirupsen/logrus"
)

// Constructor builds the Stream for u given the resolver it will be
// registered against. Handlers for the map/image/encrypted/segment/
// directory/file variants register themselves via RegisterType at
// package init time (resolver has no compile-time dependency on them,
// avoiding an import cycle with internal/bevy, internal/mapstream, etc).
type Constructor func(r *Resolver, u urn.URN) (streamio.Stream, error)

type predicateMap map[string][]rdfmodel.Literal

type subjectMap map[urn.URN]predicateMap

// Resolver is the container's quad store plus its object cache. It is not
// safe for concurrent use (spec.md §5 mandates a single-writer model); the
// mutex serialises each individual call, but sequences of calls (such as
// FactoryOpen's lookup-then-construct) are not atomic.
type Resolver struct {
	mu sync.Mutex

	persistent subjectMap
	transient  subjectMap

	typeRegistry   map[string]Constructor
	schemeRegistry map[string]Constructor

	inUse map[urn.URN]*cacheEntry
	lru   *list.List // front = most recently used
	lruIx map[urn.URN]*list.Element
	lruCap int

	log *logrus.Logger
}

type cacheEntry struct {
	urn      urn.URN
	obj      streamio.Stream
	refcount int
}

// DefaultLRUCapacity matches pyaff4's object cache default.
const DefaultLRUCapacity = 200

// New constructs an empty resolver. log may be nil, in which case a
// logger is created with logrus defaults.
func New(log *logrus.Logger) *Resolver {
	if log == nil {
		log = logrus.New()
	}
	return &Resolver{
		persistent:     make(subjectMap),
		transient:      make(subjectMap),
		typeRegistry:   make(map[string]Constructor),
		schemeRegistry: make(map[string]Constructor),
		inUse:          make(map[urn.URN]*cacheEntry),
		lru:            list.New(),
		lruIx:          make(map[urn.URN]*list.Element),
		lruCap:         DefaultLRUCapacity,
		log:            log,
	}
}

// SetLRUCapacity overrides the object cache's LRU capacity (internal/config
// wires this from the application configuration).
func (r *Resolver) SetLRUCapacity(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lruCap = n
}

// RegisterType binds an AFF4_TYPE URI to the constructor the factory
// dispatches to for that type (spec.md §4.2 step 4).
func (r *Resolver) RegisterType(typeURI string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.typeRegistry[typeURI] = ctor
}

// RegisterScheme binds a URN scheme (e.g. "file") to the constructor the
// factory falls back to when no AFF4_TYPE triple exists (spec.md §4.2
// step 5).
func (r *Resolver) RegisterScheme(scheme string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemeRegistry[scheme] = ctor
}

func (r *Resolver) tables(g rdfmodel.Graph) []subjectMap {
	switch g {
	case rdfmodel.GraphTransient:
		return []subjectMap{r.transient}
	case rdfmodel.GraphPersistent:
		return []subjectMap{r.persistent}
	default: // GraphAny
		return []subjectMap{r.transient, r.persistent}
	}
}

// writeTable returns the single table Add/Set mutate for g; GraphAny is
// not a valid write target.
func (r *Resolver) writeTable(g rdfmodel.Graph) (subjectMap, error) {
	switch g {
	case rdfmodel.GraphTransient:
		return r.transient, nil
	case rdfmodel.GraphPersistent:
		return r.persistent, nil
	default:
		return nil, fmt.Errorf("resolver: %w: cannot write to the any-graph", aff4err.ErrInvalidState)
	}
}

// Add appends o to the multi-value at (s, p) in graph, suppressing exact
// duplicates.
func (r *Resolver) Add(graph rdfmodel.Graph, s urn.URN, p string, o rdfmodel.Literal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	table, err := r.writeTable(graph)
	if err != nil {
		return err
	}
	subj, ok := table[s]
	if !ok {
		subj = make(predicateMap)
		table[s] = subj
	}
	for _, existing := range subj[p] {
		if existing.Equal(o) {
			return nil
		}
	}
	subj[p] = append(subj[p], o)
	return nil
}

// Set replaces any prior value at (s, p) in graph with o.
func (r *Resolver) Set(graph rdfmodel.Graph, s urn.URN, p string, o rdfmodel.Literal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	table, err := r.writeTable(graph)
	if err != nil {
		return err
	}
	subj, ok := table[s]
	if !ok {
		subj = make(predicateMap)
		table[s] = subj
	}
	subj[p] = []rdfmodel.Literal{o}
	return nil
}

// Get returns every object at (s, p) in graph. graph = GraphAny unions the
// transient and persistent graphs.
func (r *Resolver) Get(graph rdfmodel.Graph, s urn.URN, p string) []rdfmodel.Literal {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []rdfmodel.Literal
	for _, table := range r.tables(graph) {
		if subj, ok := table[s]; ok {
			out = append(out, subj[p]...)
		}
	}
	return out
}

// GetUnique returns the sole object at (s, p), or ok=false if the relation
// has zero or more than one value (fails silently on multi-valued facts,
// per spec.md §4.1).
func (r *Resolver) GetUnique(graph rdfmodel.Graph, s urn.URN, p string) (rdfmodel.Literal, bool) {
	vals := r.Get(graph, s, p)
	if len(vals) != 1 {
		return rdfmodel.Literal{}, false
	}
	return vals[0], true
}

// DeleteSubject removes every triple about s from both graphs. Used by a
// stream's Abort path to undo any metadata it had recorded.
func (r *Resolver) DeleteSubject(s urn.URN) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.persistent, s)
	delete(r.transient, s)
}

// QuerySubjectPredicate is Get under the name spec.md §4.1 gives it.
func (r *Resolver) QuerySubjectPredicate(graph rdfmodel.Graph, s urn.URN, p string) []rdfmodel.Literal {
	return r.Get(graph, s, p)
}

// QueryPredicateObject returns every subject with predicate p bound to o
// in graph.
func (r *Resolver) QueryPredicateObject(graph rdfmodel.Graph, p string, o rdfmodel.Literal) []urn.URN {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []urn.URN
	seen := make(map[urn.URN]struct{})
	for _, table := range r.tables(graph) {
		for subj, preds := range table {
			for _, v := range preds[p] {
				if v.Equal(o) {
					if _, dup := seen[subj]; !dup {
						seen[subj] = struct{}{}
						out = append(out, subj)
					}
					break
				}
			}
		}
	}
	return out
}

// AllQuads flattens graph (GraphAny included) into a quad slice, the input
// dump_turtle hands to internal/turtle.
func (r *Resolver) AllQuads(graph rdfmodel.Graph) []rdfmodel.Quad {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []rdfmodel.Quad
	emit := func(g rdfmodel.Graph, table subjectMap) {
		for subj, preds := range table {
			for pred, vals := range preds {
				for _, v := range vals {
					out = append(out, rdfmodel.Quad{Graph: g, Subject: subj, Predicate: pred, Object: v})
				}
			}
		}
	}
	switch graph {
	case rdfmodel.GraphTransient:
		emit(rdfmodel.GraphTransient, r.transient)
	case rdfmodel.GraphPersistent:
		emit(rdfmodel.GraphPersistent, r.persistent)
	default:
		emit(rdfmodel.GraphTransient, r.transient)
		emit(rdfmodel.GraphPersistent, r.persistent)
	}
	return out
}

// volatilePredicatePatterns are glob patterns over predicate URIs that
// dump_turtle must never persist (process-local storage bindings). The
// implied facts DumpTurtle also drops are listed in DumpTurtle itself
// (spec.md §4.1).
var volatilePredicatePatterns = []string{
	rdfmodel.NS + "volatile/*",
}

// impliedFacts are (predicate, object) pairs dump_turtle filters out
// because the container reconstructs them on load rather than trusting a
// stale persisted copy.
type impliedFact struct {
	predicate string
	object    string
}

func (r *Resolver) isVolatilePredicate(p string) bool {
	for _, pattern := range volatilePredicatePatterns {
		if glob.Glob(pattern, p) {
			return true
		}
	}
	return false
}

// DumpTurtle serializes the persistent graph to Turtle text, excluding
// volatile predicates and facts implied by the container structure itself
// (AFF4_TYPE = zip_segment/zip, AFF4_STORED looping back to volumeURN).
func (r *Resolver) DumpTurtle(volumeURN urn.URN) []byte {
	quads := r.AllQuads(rdfmodel.GraphPersistent)

	implied := map[impliedFact]struct{}{
		{rdfmodel.PredType, rdfmodel.TypeZipSegment}: {},
		{rdfmodel.PredType, rdfmodel.TypeZipVolume}:  {},
		{rdfmodel.PredStored, string(volumeURN)}:     {},
	}

	filtered := quads[:0:0]
	for _, q := range quads {
		if r.isVolatilePredicate(q.Predicate) {
			continue
		}
		if _, skip := implied[impliedFact{q.Predicate, q.Object.String()}]; skip {
			continue
		}
		filtered = append(filtered, q)
	}
	return turtle.EncodeQuads(filtered)
}
