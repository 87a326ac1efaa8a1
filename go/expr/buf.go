package expr

import (
	"fmt"
)

type bufKind uint8

const (
	bufConcrete bufKind = iota
	bufAbstract
	bufWriteWord
	bufWriteByte
	bufCopySlice
)

// Buf is a byte buffer, concrete or symbolic. Buffers are persistent:
// writes produce a new buffer and never mutate an existing one, which is
// what makes state snapshots cheap.
type Buf struct {
	kind  bufKind
	bytes []byte // concrete contents
	name  string // abstract buffers
	off   Word   // write offset
	val   Word   // written word or byte
	prev  *Buf   // buffer being written to
	// copySlice operands
	src            *Buf
	srcOff, length Word
}

// EmptyBuf returns the empty concrete buffer.
func EmptyBuf() *Buf {
	return &Buf{}
}

// ConcreteBuf wraps the given bytes as a concrete buffer. The slice is
// not copied; callers pass ownership.
func ConcreteBuf(b []byte) *Buf {
	return &Buf{bytes: b}
}

// AbstractBuf returns a fully symbolic buffer with the given name.
func AbstractBuf(name string) *Buf {
	return &Buf{kind: bufAbstract, name: name}
}

// IsConcrete reports whether the buffer is a plain byte sequence.
func (b *Buf) IsConcrete() bool {
	return b.kind == bufConcrete
}

// ToBytes returns the concrete contents of the buffer, if it has any.
func ToBytes(b *Buf) ([]byte, bool) {
	if b == nil {
		return nil, true
	}
	if b.kind != bufConcrete {
		return nil, false
	}
	return b.bytes, true
}

// BufLength returns the length of the buffer as a word.
func BufLength(b *Buf) Word {
	if b.kind == bufConcrete {
		return Lit64(uint64(len(b.bytes)))
	}
	return Word{kind: wBufLength, buf: b}
}

// grow returns a copy of b extended with zeros up to n bytes.
func grow(b []byte, n uint64) []byte {
	if uint64(len(b)) >= n {
		out := make([]byte, len(b))
		copy(out, b)
		return out
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// ReadWord reads the 32-byte big-endian word at the given offset,
// zero-padded past the end of the buffer.
func ReadWord(off Word, b *Buf) Word {
	return ReadBytes(32, off, b)
}

// ReadByte reads the single byte at the given offset.
func ReadByte(off Word, b *Buf) Word {
	return ReadBytes(1, off, b)
}

// ReadBytes reads n bytes (n <= 32) starting at the given offset as a
// big-endian word, zero-padded past the end of the buffer.
func ReadBytes(n int, off Word, b *Buf) Word {
	if o, ok := off.Uint64(); ok && b.kind == bufConcrete {
		out := make([]byte, n)
		if o < uint64(len(b.bytes)) {
			copy(out, b.bytes[o:])
		}
		return LitBytes(out)
	}
	w := Word{kind: wReadBytes, n: n, args: []Word{off}, buf: b}
	if n == 32 {
		w.kind = wReadWord
	}
	return w
}

// WriteWord writes a 32-byte big-endian word at the given offset,
// extending the buffer as needed.
func WriteWord(off, val Word, dst *Buf) *Buf {
	if o, ok := off.Uint64(); ok && dst.kind == bufConcrete {
		if v, ok := val.Bytes32(); ok {
			out := grow(dst.bytes, o+32)
			copy(out[o:], v[:])
			return &Buf{bytes: out}
		}
	}
	return &Buf{kind: bufWriteWord, off: off, val: val, prev: dst}
}

// WriteByte writes the low byte of val at the given offset, extending
// the buffer as needed.
func WriteByte(off, val Word, dst *Buf) *Buf {
	if o, ok := off.Uint64(); ok && dst.kind == bufConcrete {
		if v, ok := val.Concrete(); ok {
			out := grow(dst.bytes, o+1)
			out[o] = byte(v.Uint64())
			return &Buf{bytes: out}
		}
	}
	return &Buf{kind: bufWriteByte, off: off, val: val, prev: dst}
}

// CopySlice copies size bytes of src starting at srcOff into dst at
// dstOff, zero-padding reads past the end of src and extending dst as
// needed. A zero size returns dst unchanged.
func CopySlice(srcOff, dstOff, size Word, src, dst *Buf) *Buf {
	if size.IsZeroLit() {
		return dst
	}
	so, okSrc := srcOff.Uint64()
	do, okDst := dstOff.Uint64()
	n, okLen := size.Uint64()
	if okSrc && okDst && okLen && src.kind == bufConcrete && dst.kind == bufConcrete {
		out := grow(dst.bytes, do+n)
		chunk := make([]byte, n)
		if so < uint64(len(src.bytes)) {
			copy(chunk, src.bytes[so:])
		}
		copy(out[do:], chunk)
		return &Buf{bytes: out}
	}
	return &Buf{
		kind:   bufCopySlice,
		off:    dstOff,
		srcOff: srcOff,
		length: size,
		src:    src,
		prev:   dst,
	}
}

// SliceBytes extracts size bytes of b starting at off as a fresh buffer.
func SliceBytes(off, size Word, b *Buf) *Buf {
	return CopySlice(off, Word{}, size, b, EmptyBuf())
}

// ConcPrefix splits a buffer into a concrete prefix and the remaining
// symbolic tail. A fully concrete buffer is all prefix and the tail is
// nil. Any other buffer yields an empty prefix and is returned whole as
// the tail, even where its leading bytes are concrete.
func ConcPrefix(b *Buf) ([]byte, *Buf) {
	if b.kind == bufConcrete {
		return b.bytes, nil
	}
	return nil, b
}

func (b *Buf) String() string {
	switch b.kind {
	case bufConcrete:
		return fmt.Sprintf("0x%x", b.bytes)
	case bufAbstract:
		return b.name
	case bufWriteWord:
		return fmt.Sprintf("(writeword %v %v %v)", b.off, b.val, b.prev)
	case bufWriteByte:
		return fmt.Sprintf("(writebyte %v %v %v)", b.off, b.val, b.prev)
	case bufCopySlice:
		return fmt.Sprintf("(copyslice %v %v %v %v %v)", b.srcOff, b.off, b.length, b.src, b.prev)
	default:
		return fmt.Sprintf("Buf(kind=%d)", b.kind)
	}
}
