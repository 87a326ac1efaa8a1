package expr

import "fmt"

// Byte is a single code or data byte, concrete or abstract. Runtime code
// is a sequence of these so that partially symbolic contracts can still
// be disassembled where their bytes are known.
type Byte struct {
	sym  bool
	b    byte
	name string
}

// LitByte builds a concrete byte.
func LitByte(b byte) Byte {
	return Byte{b: b}
}

// VarByte builds an abstract byte with the given name.
func VarByte(name string) Byte {
	return Byte{sym: true, name: name}
}

// Concrete returns the literal value of the byte, if it has one.
func (b Byte) Concrete() (byte, bool) {
	if b.sym {
		return 0, false
	}
	return b.b, true
}

func (b Byte) String() string {
	if b.sym {
		return b.name
	}
	return fmt.Sprintf("0x%02x", b.b)
}

// LitBytesSeq converts concrete bytes into a Byte sequence.
func LitBytesSeq(bs []byte) []Byte {
	out := make([]Byte, len(bs))
	for i, b := range bs {
		out[i] = LitByte(b)
	}
	return out
}

// FromList packs a Byte sequence into a buffer. If every byte is
// concrete the result is a concrete buffer.
func FromList(bs []Byte) *Buf {
	concrete := make([]byte, len(bs))
	for i, b := range bs {
		v, ok := b.Concrete()
		if !ok {
			return fromSymbolicList(bs)
		}
		concrete[i] = v
	}
	return ConcreteBuf(concrete)
}

func fromSymbolicList(bs []Byte) *Buf {
	buf := EmptyBuf()
	for i, b := range bs {
		if v, ok := b.Concrete(); ok {
			buf = WriteByte(Lit64(uint64(i)), Lit64(uint64(v)), buf)
		} else {
			buf = WriteByte(Lit64(uint64(i)), Var(b.name), buf)
		}
	}
	return buf
}

// ToList unpacks a buffer into a Byte sequence, which succeeds only for
// concrete buffers.
func ToList(b *Buf) ([]Byte, bool) {
	bytes, ok := ToBytes(b)
	if !ok {
		return nil, false
	}
	return LitBytesSeq(bytes), true
}
