// Package hevm holds the public types shared across the interpreter:
// scalar value types, the error taxonomy, the suspension queries and
// the Oracle interface drivers implement to answer them.
package hevm

import (
	"encoding/hex"
	"fmt"

	"github.com/holiman/uint256"
)

// Gas is the unit of computation cost. Gas levels are always non-negative
// during execution; the signed type makes underflow checks cheap.
type Gas int64

// Address is the 160-bit account identifier of the Ethereum state.
type Address [20]byte

// Hash is a 256-bit hash value, big-endian.
type Hash [32]byte

// W256 is a 256-bit word in big-endian byte order. It is the comparable
// form used as map keys for storage slots and cached values; arithmetic
// goes through *uint256.Int.
type W256 [32]byte

func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// Word returns the address left-padded to a 256-bit word.
func (a Address) Word() (w W256) {
	copy(w[12:], a[:])
	return w
}

// AddressFromWord truncates a 256-bit word to its low 160 bits.
func AddressFromWord(w W256) (a Address) {
	copy(a[:], w[12:])
	return a
}

func (h Hash) String() string {
	return "0x" + hex.EncodeToString(h[:])
}

func (w W256) String() string {
	return "0x" + hex.EncodeToString(w[:])
}

// Uint256 converts the word into a fresh *uint256.Int.
func (w W256) Uint256() *uint256.Int {
	return new(uint256.Int).SetBytes32(w[:])
}

func (w W256) IsZero() bool {
	return w == W256{}
}

// W256FromUint256 converts a *uint256.Int into its big-endian word form.
// A nil input yields zero.
func W256FromUint256(v *uint256.Int) (w W256) {
	if v == nil {
		return w
	}
	return v.Bytes32()
}

// W256FromUint64 builds a word holding the given small value.
func W256FromUint64(v uint64) W256 {
	return W256FromUint256(uint256.NewInt(v))
}

// CodeLocation identifies a program point of a specific contract.
type CodeLocation struct {
	Addr Address
	Pc   uint64
}

func (l CodeLocation) String() string {
	return fmt.Sprintf("%v:%d", l.Addr, l.Pc)
}
