package resolver

import (
	"fmt"

	"github.com/aff4/aff4container/internal/aff4err"
	"github.com/aff4/aff4container/internal/streamio"
	"github.com/aff4/aff4container/internal/urn"
)

// byteRangeView is a read-only, uncached window onto another stream,
// constructed for "<target>[0x<offset>:0x<length>]" URNs (spec.md §4.2
// step 3) and for the resolved target of a hash URN (step 2).
type byteRangeView struct {
	self   urn.URN
	target streamio.Stream
	offset int64
	length int64
}

func newByteRangeView(self urn.URN, target streamio.Stream, offset, length int64) *byteRangeView {
	return &byteRangeView{self: self, target: target, offset: offset, length: length}
}

func (v *byteRangeView) URN() urn.URN { return v.self }
func (v *byteRangeView) Size() int64  { return v.length }

func (v *byteRangeView) ReadAt(p []byte, off int64) (int, error) {
	if off >= v.length {
		return 0, nil
	}
	n := int64(len(p))
	if off+n > v.length {
		n = v.length - off
	}
	return v.target.ReadAt(p[:n], v.offset+off)
}

func (v *byteRangeView) WriteAt(p []byte, off int64) (int, error) {
	return 0, fmt.Errorf("resolver: %w: byte-range views are read-only", aff4err.ErrInvalidState)
}

func (v *byteRangeView) Writable() bool { return false }
func (v *byteRangeView) Dirty() bool    { return false }
func (v *byteRangeView) Flush() error   { return nil }
func (v *byteRangeView) Abort() error   { return nil }
func (v *byteRangeView) Close() error   { return nil }
