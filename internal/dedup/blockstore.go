package dedup

import (
	"github.com/aff4/aff4container/internal/archive"
	"github.com/aff4/aff4container/internal/bevy"
	"github.com/aff4/aff4container/internal/resolver"
	"github.com/aff4/aff4container/internal/urn"
	"github.com/sirupsen/logrus"
)

// BlockStore is the append-only, snappy-compressed image stream every
// unique content-defined chunk in a container is written into exactly
// once (spec.md §4.6).
type BlockStore struct {
	u   urn.URN
	img *bevy.Image
}

// DefaultBlockStoreConfig matches the teacher's preference for a fast,
// low-overhead codec on bulk content rather than the plain image stream's
// zlib default.
func DefaultBlockStoreConfig() bevy.Config {
	return bevy.Config{ChunkSize: 32768, ChunksPerSegment: 1024, Compression: bevy.MethodSnappy}
}

// NewBlockStore constructs the container's single block-store stream as a
// new, empty image stream (an existing store's bevies are not loaded),
// registering it with the resolver's object
// cache so hash-URN dereference (resolver.FactoryOpen's step 2) can find
// it when a map stream's range target is a hash URN whose dataStream
// triple points into this store.
func NewBlockStore(u, volumeURN urn.URN, arc *archive.Archive, r *resolver.Resolver, log *logrus.Logger) *BlockStore {
	img := bevy.NewWriter(u, volumeURN, arc, DefaultBlockStoreConfig(), r, log)
	if r != nil {
		r.CachePut(img)
	}
	return &BlockStore{u: u, img: img}
}

func (b *BlockStore) URN() urn.URN { return b.u }

// Append writes chunk to the end of the block store and returns the byte
// offset it was written at.
func (b *BlockStore) Append(chunk []byte) (int64, error) {
	offset := b.img.Size()
	if _, err := b.img.Write(chunk); err != nil {
		return 0, err
	}
	return offset, nil
}

// ReadAt reads back previously appended bytes, used for the optional
// byte-compare on a hash collision.
func (b *BlockStore) ReadAt(p []byte, off int64) (int, error) {
	return b.img.ReadAt(p, off)
}

func (b *BlockStore) Flush() error { return b.img.Flush() }
func (b *BlockStore) Close() error { return b.img.Close() }
