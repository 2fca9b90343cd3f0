package resolver

import (
	"container/list"
	"fmt"
	"strings"

	"github.com/aff4/aff4container/internal/aff4err"
	"github.com/aff4/aff4container/internal/rdfmodel"
	"github.com/aff4/aff4container/internal/streamio"
	"github.com/aff4/aff4container/internal/urn"
)

// FactoryOpen is the central factory_open dispatch (spec.md §4.2). It
// returns an in-use reference: the caller must call Return when done with
// it, idiomatically via a deferred call right after a successful open.
//
// Dispatch order: (1) symbolic stream scheme, (2) hash URN (dereferenced
// through its dataStream triple into a byte-range), (3) byte-range URN,
// (4) a registered AFF4_TYPE handler, (5) a registered URN scheme handler.
// Byte-range references and hash URNs are never entered into the cache —
// they are cheap to reconstruct and would otherwise evict heavier streams.
func (r *Resolver) FactoryOpen(u urn.URN) (streamio.Stream, error) {
	if sym, ok := streamio.NewSymbolicStream(u); ok {
		return sym, nil
	}

	if urn.IsHashURN(u) {
		target, ok := r.GetUnique(rdfmodel.GraphAny, u, rdfmodel.PredDataStream)
		if !ok || target.Kind != rdfmodel.KindURN {
			return nil, fmt.Errorf("resolver: %w: hash urn %s has no dataStream binding", aff4err.ErrNotFound, u)
		}
		return r.openUncached(target.URN)
	}

	if urn.IsByteRange(u) {
		return r.openUncached(u)
	}

	return r.openCached(u)
}

// openUncached constructs (but does not cache) a byte-range reference,
// recursing through FactoryOpen for its target so a byte-range onto a
// hash URN or another byte-range still resolves.
func (r *Resolver) openUncached(u urn.URN) (streamio.Stream, error) {
	br, ok := urn.ParseByteRange(u)
	if !ok {
		return r.openCached(u)
	}
	target, err := r.FactoryOpen(br.Target)
	if err != nil {
		return nil, err
	}
	defer r.Return(target)
	return newByteRangeView(u, target, br.Offset, br.Length), nil
}

func (r *Resolver) openCached(u urn.URN) (streamio.Stream, error) {
	r.mu.Lock()
	if entry, ok := r.inUse[u]; ok {
		entry.refcount++
		r.mu.Unlock()
		return entry.obj, nil
	}
	if elem, ok := r.lruIx[u]; ok {
		entry := elem.Value.(*cacheEntry)
		r.lru.Remove(elem)
		delete(r.lruIx, u)
		entry.refcount = 1
		r.inUse[u] = entry
		r.mu.Unlock()
		return entry.obj, nil
	}
	r.mu.Unlock()

	obj, err := r.construct(u)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.inUse[u] = &cacheEntry{urn: u, obj: obj, refcount: 1}
	r.mu.Unlock()
	return obj, nil
}

func (r *Resolver) construct(u urn.URN) (streamio.Stream, error) {
	// r.Get takes r.mu itself, so it must not be called while holding it.
	typeVals := r.Get(rdfmodel.GraphAny, u, rdfmodel.PredType)

	r.mu.Lock()
	var ctor Constructor
	for _, v := range typeVals {
		if v.Kind == rdfmodel.KindURN {
			if c, ok := r.typeRegistry[string(v.URN)]; ok {
				ctor = c
				break
			}
		}
	}
	if ctor == nil {
		if scheme := u.Scheme(); scheme != "" {
			ctor = r.schemeRegistry[scheme]
		}
	}
	r.mu.Unlock()

	if ctor == nil {
		return nil, fmt.Errorf("resolver: %w: %s", aff4err.ErrUnknownType, u)
	}
	return ctor(r, u)
}

// CachePut inserts an already-constructed stream into the in-use table
// with refcount 1, for callers (e.g. the container façade creating a
// brand-new image stream) that mint the object before any triples about
// it exist for construct() to dispatch on.
func (r *Resolver) CachePut(obj streamio.Stream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inUse[obj.URN()] = &cacheEntry{urn: obj.URN(), obj: obj, refcount: 1}
}

// Return decrements obj's use-count. At zero it moves to the LRU tail;
// once the LRU exceeds capacity the oldest entry is flushed and evicted.
func (r *Resolver) Return(obj streamio.Stream) error {
	r.mu.Lock()
	u := obj.URN()
	entry, ok := r.inUse[u]
	if !ok {
		r.mu.Unlock()
		return nil // byte-range views and symbolic streams are never cached
	}
	entry.refcount--
	if entry.refcount > 0 {
		r.mu.Unlock()
		return nil
	}
	delete(r.inUse, u)
	elem := r.lru.PushFront(entry)
	r.lruIx[u] = elem
	var evicted *cacheEntry
	if r.lru.Len() > r.lruCap {
		back := r.lru.Back()
		evicted = back.Value.(*cacheEntry)
		r.lru.Remove(back)
		delete(r.lruIx, evicted.urn)
	}
	r.mu.Unlock()

	if evicted != nil {
		if err := evicted.obj.Flush(); err != nil {
			r.log.WithError(err).WithField("urn", evicted.urn).Warn("resolver: evicted object flush failed")
		}
		return evicted.obj.Close()
	}
	return nil
}

// FlushAll iteratively flushes every in-use and cached object until no
// dirty object remains (a flush can dirty other objects, e.g. a bevy
// flush dirtying its parent image stream's size triple), then closes
// everything. It is an error to call FlushAll while any object's
// use-count is greater than zero — that is a caller reference leak
// (spec.md §5).
func (r *Resolver) FlushAll() error {
	r.mu.Lock()
	if len(r.inUse) > 0 {
		var leaked []string
		for u := range r.inUse {
			leaked = append(leaked, string(u))
		}
		r.mu.Unlock()
		return fmt.Errorf("resolver: %w: objects still in use: %s", aff4err.ErrInUse, strings.Join(leaked, ", "))
	}
	r.mu.Unlock()

	for {
		dirty := false
		r.mu.Lock()
		var entries []*cacheEntry
		for e := r.lru.Front(); e != nil; e = e.Next() {
			entries = append(entries, e.Value.(*cacheEntry))
		}
		r.mu.Unlock()

		for _, entry := range entries {
			if entry.obj.Dirty() {
				dirty = true
				if err := entry.obj.Flush(); err != nil {
					return fmt.Errorf("resolver: flushing %s: %w", entry.urn, err)
				}
			}
		}
		if !dirty {
			break
		}
	}

	r.mu.Lock()
	var entries []*cacheEntry
	for e := r.lru.Front(); e != nil; e = e.Next() {
		entries = append(entries, e.Value.(*cacheEntry))
	}
	r.lru.Init()
	r.lruIx = make(map[urn.URN]*list.Element)
	r.mu.Unlock()

	for _, entry := range entries {
		if err := entry.obj.Close(); err != nil {
			return fmt.Errorf("resolver: closing %s: %w", entry.urn, err)
		}
	}
	return nil
}
