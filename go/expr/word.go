// Package expr provides the symbolic value layer of the interpreter:
// 256-bit words, bytes, byte buffers and storage, each of which is
// either a literal, an abstract variable, or a constructor term built
// from other expressions. All operations fold literals eagerly, so a
// fully concrete execution never allocates a term node.
package expr

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

type wordKind uint8

const (
	wLit wordKind = iota
	wVar
	wTerm
	wKeccak
	wBufLength
	wReadWord
	wReadBytes
	wSLoad
)

// WordOp enumerates the operators a word term can apply.
type WordOp uint8

const (
	WAdd WordOp = iota
	WMul
	WSub
	WDiv
	WSDiv
	WMod
	WSMod
	WAddMod
	WMulMod
	WExp
	WSex
	WLt
	WGt
	WSLt
	WSGt
	WEq
	WIsZero
	WAnd
	WOr
	WXor
	WNot
	WByte
	WShl
	WShr
	WSar
)

var wordOpNames = map[WordOp]string{
	WAdd: "add", WMul: "mul", WSub: "sub", WDiv: "div", WSDiv: "sdiv",
	WMod: "mod", WSMod: "smod", WAddMod: "addmod", WMulMod: "mulmod",
	WExp: "exp", WSex: "sex", WLt: "lt", WGt: "gt", WSLt: "slt",
	WSGt: "sgt", WEq: "eq", WIsZero: "iszero", WAnd: "and", WOr: "or",
	WXor: "xor", WNot: "not", WByte: "byte", WShl: "shl", WShr: "shr",
	WSar: "sar",
}

// Word is a 256-bit EVM word, concrete or symbolic. The zero value is
// the literal zero.
type Word struct {
	kind  wordKind
	lit   uint256.Int
	name  string
	op    WordOp
	args  []Word
	n     int // byte width of a readBytes term
	buf   *Buf
	store *Store
}

// Lit64 builds a literal word from a uint64.
func Lit64(v uint64) Word {
	var w Word
	w.lit.SetUint64(v)
	return w
}

// LitU256 builds a literal word from a uint256 value.
func LitU256(v *uint256.Int) Word {
	var w Word
	if v != nil {
		w.lit.Set(v)
	}
	return w
}

// LitBytes builds a literal word from up to 32 big-endian bytes.
func LitBytes(b []byte) Word {
	var w Word
	w.lit.SetBytes(b)
	return w
}

// Var builds an abstract word with the given name.
func Var(name string) Word {
	return Word{kind: wVar, name: name}
}

// Keccak builds the hash term of a symbolic buffer.
func Keccak(b *Buf) Word {
	return Word{kind: wKeccak, buf: b}
}

// IsLit reports whether the word is a literal.
func (w Word) IsLit() bool {
	return w.kind == wLit
}

// Concrete returns the literal value of the word, if it has one.
func (w Word) Concrete() (*uint256.Int, bool) {
	if w.kind != wLit {
		return nil, false
	}
	return new(uint256.Int).Set(&w.lit), true
}

// Uint64 returns the word as a uint64 if it is a literal that fits.
func (w Word) Uint64() (uint64, bool) {
	if w.kind != wLit || !w.lit.IsUint64() {
		return 0, false
	}
	return w.lit.Uint64(), true
}

// Bytes32 returns the literal word as 32 big-endian bytes.
func (w Word) Bytes32() ([32]byte, bool) {
	if w.kind != wLit {
		return [32]byte{}, false
	}
	return w.lit.Bytes32(), true
}

// IsZeroLit reports whether the word is the literal zero.
func (w Word) IsZeroLit() bool {
	return w.kind == wLit && w.lit.IsZero()
}

func term(op WordOp, args ...Word) Word {
	return Word{kind: wTerm, op: op, args: args}
}

func boolWord(b bool) Word {
	if b {
		return Lit64(1)
	}
	return Word{}
}

func bin(op WordOp, a, b Word, fold func(z, x, y *uint256.Int)) Word {
	if a.kind == wLit && b.kind == wLit {
		var z Word
		fold(&z.lit, &a.lit, &b.lit)
		return z
	}
	return term(op, a, b)
}

// Add returns a + b mod 2^256.
func Add(a, b Word) Word {
	return bin(WAdd, a, b, func(z, x, y *uint256.Int) { z.Add(x, y) })
}

// Mul returns a * b mod 2^256.
func Mul(a, b Word) Word {
	return bin(WMul, a, b, func(z, x, y *uint256.Int) { z.Mul(x, y) })
}

// Sub returns a - b mod 2^256.
func Sub(a, b Word) Word {
	return bin(WSub, a, b, func(z, x, y *uint256.Int) { z.Sub(x, y) })
}

// Div returns a / b, or zero if b is zero.
func Div(a, b Word) Word {
	return bin(WDiv, a, b, func(z, x, y *uint256.Int) { z.Div(x, y) })
}

// SDiv returns the signed quotient of a and b, or zero if b is zero.
func SDiv(a, b Word) Word {
	return bin(WSDiv, a, b, func(z, x, y *uint256.Int) { z.SDiv(x, y) })
}

// Mod returns a % b, or zero if b is zero.
func Mod(a, b Word) Word {
	return bin(WMod, a, b, func(z, x, y *uint256.Int) { z.Mod(x, y) })
}

// SMod returns the signed remainder of a and b, or zero if b is zero.
func SMod(a, b Word) Word {
	return bin(WSMod, a, b, func(z, x, y *uint256.Int) { z.SMod(x, y) })
}

// AddMod returns (a + b) % m without intermediate overflow, zero if m is zero.
func AddMod(a, b, m Word) Word {
	if a.kind == wLit && b.kind == wLit && m.kind == wLit {
		var z Word
		z.lit.AddMod(&a.lit, &b.lit, &m.lit)
		return z
	}
	return term(WAddMod, a, b, m)
}

// MulMod returns (a * b) % m without intermediate overflow, zero if m is zero.
func MulMod(a, b, m Word) Word {
	if a.kind == wLit && b.kind == wLit && m.kind == wLit {
		var z Word
		z.lit.MulMod(&a.lit, &b.lit, &m.lit)
		return z
	}
	return term(WMulMod, a, b, m)
}

// Exp returns base raised to exponent mod 2^256.
func Exp(base, exponent Word) Word {
	return bin(WExp, base, exponent, func(z, x, y *uint256.Int) { z.Exp(x, y) })
}

// Sex sign-extends x from the byte at position b.
func Sex(b, x Word) Word {
	return bin(WSex, b, x, func(z, xx, yy *uint256.Int) { z.ExtendSign(yy, xx) })
}

// Lt returns 1 if a < b, else 0.
func Lt(a, b Word) Word {
	if a.kind == wLit && b.kind == wLit {
		return boolWord(a.lit.Lt(&b.lit))
	}
	return term(WLt, a, b)
}

// Gt returns 1 if a > b, else 0.
func Gt(a, b Word) Word {
	if a.kind == wLit && b.kind == wLit {
		return boolWord(a.lit.Gt(&b.lit))
	}
	return term(WGt, a, b)
}

// SLt returns 1 if a < b under signed comparison, else 0.
func SLt(a, b Word) Word {
	if a.kind == wLit && b.kind == wLit {
		return boolWord(a.lit.Slt(&b.lit))
	}
	return term(WSLt, a, b)
}

// SGt returns 1 if a > b under signed comparison, else 0.
func SGt(a, b Word) Word {
	if a.kind == wLit && b.kind == wLit {
		return boolWord(b.lit.Slt(&a.lit))
	}
	return term(WSGt, a, b)
}

// Eq returns 1 if a equals b, else 0.
func Eq(a, b Word) Word {
	if a.kind == wLit && b.kind == wLit {
		return boolWord(a.lit.Eq(&b.lit))
	}
	return term(WEq, a, b)
}

// IsZero returns 1 if a is zero, else 0.
func IsZero(a Word) Word {
	if a.kind == wLit {
		return boolWord(a.lit.IsZero())
	}
	return term(WIsZero, a)
}

// And returns the bitwise conjunction of a and b.
func And(a, b Word) Word {
	return bin(WAnd, a, b, func(z, x, y *uint256.Int) { z.And(x, y) })
}

// Or returns the bitwise disjunction of a and b.
func Or(a, b Word) Word {
	return bin(WOr, a, b, func(z, x, y *uint256.Int) { z.Or(x, y) })
}

// Xor returns the bitwise exclusive-or of a and b.
func Xor(a, b Word) Word {
	return bin(WXor, a, b, func(z, x, y *uint256.Int) { z.Xor(x, y) })
}

// Not returns the bitwise complement of a.
func Not(a Word) Word {
	if a.kind == wLit {
		var z Word
		z.lit.Not(&a.lit)
		return z
	}
	return term(WNot, a)
}

// ByteAt returns the i-th byte of x, counting from the most significant.
func ByteAt(i, x Word) Word {
	if i.kind == wLit && x.kind == wLit {
		var z Word
		z.lit.Set(&x.lit)
		z.lit.Byte(&i.lit)
		return z
	}
	return term(WByte, i, x)
}

// Shl returns value shifted left by shift bits.
func Shl(shift, value Word) Word {
	if shift.kind == wLit && value.kind == wLit {
		var z Word
		if shift.lit.LtUint64(256) {
			z.lit.Lsh(&value.lit, uint(shift.lit.Uint64()))
		}
		return z
	}
	return term(WShl, shift, value)
}

// Shr returns value shifted right by shift bits.
func Shr(shift, value Word) Word {
	if shift.kind == wLit && value.kind == wLit {
		var z Word
		if shift.lit.LtUint64(256) {
			z.lit.Rsh(&value.lit, uint(shift.lit.Uint64()))
		}
		return z
	}
	return term(WShr, shift, value)
}

// Sar returns value arithmetically shifted right by shift bits.
func Sar(shift, value Word) Word {
	if shift.kind == wLit && value.kind == wLit {
		var z Word
		if shift.lit.LtUint64(256) {
			z.lit.SRsh(&value.lit, uint(shift.lit.Uint64()))
		} else if value.lit.Sign() < 0 {
			z.lit.SetAllOne()
		}
		return z
	}
	return term(WSar, shift, value)
}

// Min returns the smaller of two words; symbolic operands produce an
// ITE-free term that selects the smaller operand via Lt.
func Min(a, b Word) Word {
	if a.kind == wLit && b.kind == wLit {
		if a.lit.Lt(&b.lit) {
			return a
		}
		return b
	}
	// min(a, b) == b ^ ((a ^ b) & -(a < b))
	d := Xor(a, b)
	m := Sub(Word{}, Lt(a, b))
	return Xor(b, And(d, m))
}

func (w Word) String() string {
	switch w.kind {
	case wLit:
		return w.lit.Hex()
	case wVar:
		return w.name
	case wKeccak:
		return fmt.Sprintf("(keccak %v)", w.buf)
	case wBufLength:
		return fmt.Sprintf("(buflength %v)", w.buf)
	case wReadWord:
		return fmt.Sprintf("(readword %v %v)", w.args[0], w.buf)
	case wReadBytes:
		return fmt.Sprintf("(read%d %v %v)", w.n, w.args[0], w.buf)
	case wSLoad:
		return fmt.Sprintf("(sload %v %v)", w.args[0], w.args[1])
	case wTerm:
		parts := make([]string, 0, len(w.args)+1)
		parts = append(parts, wordOpNames[w.op])
		for _, a := range w.args {
			parts = append(parts, a.String())
		}
		return "(" + strings.Join(parts, " ") + ")"
	default:
		return fmt.Sprintf("Word(kind=%d)", w.kind)
	}
}
