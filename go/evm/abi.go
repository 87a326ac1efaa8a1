package evm

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/crypto"
)

// Minimal ABI packing, just enough for the cheat-code dispatcher: the
// Error(string) revert payload, static word tuples, and string arrays.

func selectorOf(signature string) [4]byte {
	return [4]byte(crypto.Keccak256([]byte(signature))[:4])
}

func abiWord(v uint64) []byte {
	out := make([]byte, 32)
	binary.BigEndian.PutUint64(out[24:], v)
	return out
}

// abiEncodeError packs a revert payload carrying Error(string).
func abiEncodeError(msg string) []byte {
	sel := selectorOf("Error(string)")
	out := append([]byte(nil), sel[:]...)
	out = append(out, abiWord(32)...)
	out = append(out, abiWord(uint64(len(msg)))...)
	out = append(out, []byte(msg)...)
	if pad := len(msg) % 32; pad != 0 {
		out = append(out, make([]byte, 32-pad)...)
	}
	return out
}

func abiReadWord(data []byte, off uint64) ([32]byte, bool) {
	if off+32 > uint64(len(data)) {
		return [32]byte{}, false
	}
	return [32]byte(data[off : off+32]), true
}

func abiReadU64(data []byte, off uint64) (uint64, bool) {
	w, ok := abiReadWord(data, off)
	if !ok {
		return 0, false
	}
	for _, b := range w[:24] {
		if b != 0 {
			return 0, false
		}
	}
	return binary.BigEndian.Uint64(w[24:]), true
}

// abiDecodeStringArray unpacks a single string[] argument.
func abiDecodeStringArray(args []byte) ([]string, bool) {
	arrayOff, ok := abiReadU64(args, 0)
	if !ok {
		return nil, false
	}
	count, ok := abiReadU64(args, arrayOff)
	if !ok || count > 1024 {
		return nil, false
	}
	base := arrayOff + 32
	out := make([]string, 0, count)
	for i := uint64(0); i < count; i++ {
		elemOff, ok := abiReadU64(args, base+32*i)
		if !ok {
			return nil, false
		}
		strLen, ok := abiReadU64(args, base+elemOff)
		if !ok {
			return nil, false
		}
		start := base + elemOff + 32
		if start+strLen > uint64(len(args)) {
			return nil, false
		}
		out = append(out, string(args[start:start+strLen]))
	}
	return out, true
}
