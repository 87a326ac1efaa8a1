package expr

import "fmt"

// PropKind enumerates the forms of propositional constraints collected
// along an execution path.
type PropKind uint8

const (
	PropEq PropKind = iota
	PropNeq
)

// Prop is a propositional constraint over two words.
type Prop struct {
	Kind PropKind
	A, B Word
}

// PEq states that a and b are equal.
func PEq(a, b Word) Prop {
	return Prop{Kind: PropEq, A: a, B: b}
}

// PNeq states that a and b are distinct.
func PNeq(a, b Word) Prop {
	return Prop{Kind: PropNeq, A: a, B: b}
}

// PNonZero states that w is non-zero.
func PNonZero(w Word) Prop {
	return PNeq(w, Word{})
}

// PZero states that w is zero.
func PZero(w Word) Prop {
	return PEq(w, Word{})
}

func (p Prop) String() string {
	op := "=="
	if p.Kind == PropNeq {
		op = "!="
	}
	return fmt.Sprintf("(%v %s %v)", p.A, op, p.B)
}
