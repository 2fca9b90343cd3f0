package resolver

import (
	"testing"

	"github.com/aff4/aff4container/internal/rdfmodel"
	"github.com/aff4/aff4container/internal/streamio"
	"github.com/aff4/aff4container/internal/urn"
	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	u         urn.URN
	data      []byte
	dirty     bool
	flushed   int
	closed    bool
	flushErr  error
}

func (f *fakeStream) URN() urn.URN { return f.u }
func (f *fakeStream) Size() int64  { return int64(len(f.data)) }
func (f *fakeStream) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, f.data[off:])
	return n, nil
}
func (f *fakeStream) WriteAt(p []byte, off int64) (int, error) {
	f.dirty = true
	return len(p), nil
}
func (f *fakeStream) Writable() bool { return true }
func (f *fakeStream) Dirty() bool    { return f.dirty }
func (f *fakeStream) Flush() error {
	f.flushed++
	f.dirty = false
	return f.flushErr
}
func (f *fakeStream) Abort() error { return nil }
func (f *fakeStream) Close() error { f.closed = true; return nil }

func TestAddSuppressesDuplicates(t *testing.T) {
	r := New(nil)
	s := urn.URN("aff4://x")
	require.NoError(t, r.Add(rdfmodel.GraphPersistent, s, rdfmodel.PredSize, rdfmodel.LitInt(5)))
	require.NoError(t, r.Add(rdfmodel.GraphPersistent, s, rdfmodel.PredSize, rdfmodel.LitInt(5)))
	require.Len(t, r.Get(rdfmodel.GraphPersistent, s, rdfmodel.PredSize), 1)
}

func TestSetReplaces(t *testing.T) {
	r := New(nil)
	s := urn.URN("aff4://x")
	require.NoError(t, r.Set(rdfmodel.GraphPersistent, s, rdfmodel.PredSize, rdfmodel.LitInt(5)))
	require.NoError(t, r.Set(rdfmodel.GraphPersistent, s, rdfmodel.PredSize, rdfmodel.LitInt(9)))
	vals := r.Get(rdfmodel.GraphPersistent, s, rdfmodel.PredSize)
	require.Len(t, vals, 1)
	require.Equal(t, int64(9), vals[0].Int)
}

func TestGetUniqueFailsSilentlyOnMultiValue(t *testing.T) {
	r := New(nil)
	s := urn.URN("aff4://x")
	require.NoError(t, r.Add(rdfmodel.GraphPersistent, s, rdfmodel.PredHash, rdfmodel.LitHash("SHA512", []byte{1})))
	require.NoError(t, r.Add(rdfmodel.GraphPersistent, s, rdfmodel.PredHash, rdfmodel.LitHash("SHA256", []byte{2})))
	_, ok := r.GetUnique(rdfmodel.GraphPersistent, s, rdfmodel.PredHash)
	require.False(t, ok)
}

func TestGraphAnyUnionsTransientAndPersistent(t *testing.T) {
	r := New(nil)
	s := urn.URN("aff4://x")
	require.NoError(t, r.Set(rdfmodel.GraphPersistent, s, "p", rdfmodel.LitInt(1)))
	require.NoError(t, r.Set(rdfmodel.GraphTransient, s, "p", rdfmodel.LitInt(2)))
	vals := r.Get(rdfmodel.GraphAny, s, "p")
	require.Len(t, vals, 2)
}

func TestQueryPredicateObject(t *testing.T) {
	r := New(nil)
	a, b := urn.URN("aff4://a"), urn.URN("aff4://b")
	target := rdfmodel.LitURN("aff4://shared-target")
	require.NoError(t, r.Set(rdfmodel.GraphPersistent, a, rdfmodel.PredStored, target))
	require.NoError(t, r.Set(rdfmodel.GraphPersistent, b, rdfmodel.PredStored, target))
	subs := r.QueryPredicateObject(rdfmodel.GraphPersistent, rdfmodel.PredStored, target)
	require.ElementsMatch(t, []urn.URN{a, b}, subs)
}

func TestFactoryOpenSymbolicStream(t *testing.T) {
	r := New(nil)
	s, err := r.FactoryOpen(streamio.ZeroStreamURN)
	require.NoError(t, err)
	require.Equal(t, streamio.ZeroStreamURN, s.URN())
}

func TestFactoryOpenUnknownType(t *testing.T) {
	r := New(nil)
	_, err := r.FactoryOpen(urn.URN("aff4://no-such-type"))
	require.Error(t, err)
}

func TestFactoryOpenDispatchesRegisteredType(t *testing.T) {
	r := New(nil)
	const fakeType = "http://aff4.org/Schema#FakeType"
	var built *fakeStream
	r.RegisterType(fakeType, func(rr *Resolver, u urn.URN) (streamio.Stream, error) {
		built = &fakeStream{u: u, data: []byte("hi")}
		return built, nil
	})
	s := urn.URN("aff4://thing")
	require.NoError(t, r.Set(rdfmodel.GraphPersistent, s, rdfmodel.PredType, rdfmodel.LitURN(fakeType)))

	obj, err := r.FactoryOpen(s)
	require.NoError(t, err)
	require.Same(t, built, obj)

	obj2, err := r.FactoryOpen(s)
	require.NoError(t, err)
	require.Same(t, built, obj2, "second open should return the same cached in-use object")
}

func TestReturnMovesToLRUAndEvictsOnOverflow(t *testing.T) {
	r := New(nil)
	r.SetLRUCapacity(1)
	const fakeType = "http://aff4.org/Schema#FakeType"
	streams := map[urn.URN]*fakeStream{}
	r.RegisterType(fakeType, func(rr *Resolver, u urn.URN) (streamio.Stream, error) {
		s := &fakeStream{u: u}
		streams[u] = s
		return s, nil
	})

	a, b := urn.URN("aff4://a"), urn.URN("aff4://b")
	require.NoError(t, r.Set(rdfmodel.GraphPersistent, a, rdfmodel.PredType, rdfmodel.LitURN(fakeType)))
	require.NoError(t, r.Set(rdfmodel.GraphPersistent, b, rdfmodel.PredType, rdfmodel.LitURN(fakeType)))

	oa, err := r.FactoryOpen(a)
	require.NoError(t, err)
	require.NoError(t, r.Return(oa))

	ob, err := r.FactoryOpen(b)
	require.NoError(t, err)
	require.NoError(t, r.Return(ob))

	// capacity 1: returning b evicted a, which should now be flushed+closed.
	require.True(t, streams[a].closed)
	require.False(t, streams[b].closed)
}

func TestFlushAllRejectsLeakedReferences(t *testing.T) {
	r := New(nil)
	const fakeType = "http://aff4.org/Schema#FakeType"
	r.RegisterType(fakeType, func(rr *Resolver, u urn.URN) (streamio.Stream, error) {
		return &fakeStream{u: u}, nil
	})
	s := urn.URN("aff4://leaked")
	require.NoError(t, r.Set(rdfmodel.GraphPersistent, s, rdfmodel.PredType, rdfmodel.LitURN(fakeType)))
	_, err := r.FactoryOpen(s)
	require.NoError(t, err)

	err = r.FlushAll()
	require.Error(t, err)
}

func TestDumpTurtleFiltersVolatileAndImpliedFacts(t *testing.T) {
	r := New(nil)
	vol := urn.URN("aff4://volume")
	seg := urn.URN("aff4://volume/seg1")
	require.NoError(t, r.Set(rdfmodel.GraphPersistent, seg, rdfmodel.PredType, rdfmodel.LitURN(rdfmodel.TypeZipSegment)))
	require.NoError(t, r.Set(rdfmodel.GraphPersistent, seg, rdfmodel.PredStored, rdfmodel.LitURN(vol)))
	require.NoError(t, r.Set(rdfmodel.GraphPersistent, seg, rdfmodel.PredSize, rdfmodel.LitInt(5)))
	require.NoError(t, r.Set(rdfmodel.GraphPersistent, seg, rdfmodel.NS+"volatile/openMode", rdfmodel.LitString("rw")))

	out := string(r.DumpTurtle(vol))
	require.Contains(t, out, string(rdfmodel.PredSize))
	require.NotContains(t, out, "volatile/openMode")
}
