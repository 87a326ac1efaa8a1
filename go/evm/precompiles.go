package evm

import (
	"crypto/sha256"
	"encoding/binary"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/blake2b"
	"github.com/ethereum/go-ethereum/crypto/bn256"
	"golang.org/x/crypto/ripemd160"

	"github.com/sbip-sg/hevm/go/expr"
	"github.com/sbip-sg/hevm/go/hevm"
)

// isPrecompileAddress reports whether the address is one of the nine
// built-in contracts.
func isPrecompileAddress(a hevm.Address) bool {
	for i := 0; i < 19; i++ {
		if a[i] != 0 {
			return false
		}
	}
	return 1 <= a[19] && a[19] <= 9
}

// rightPadded returns size bytes of data starting at start, zero padded
// past the end.
func rightPadded(data []byte, start, size uint64) []byte {
	out := make([]byte, size)
	if start < uint64(len(data)) {
		copy(out, data[start:])
	}
	return out
}

// runPrecompileCall executes a precompile inline, without pushing a
// frame. The callee gas cap was already carved out of the caller; the
// unused remainder flows back.
func runPrecompileCall(vm *VM, target hevm.Address, inOff, inSize, outOff, outSize uint64, calleeGas Gas) error {
	inBuf := expr.SliceBytes(expr.Lit64(inOff), expr.Lit64(inSize), vm.state.Memory)
	if inSize == 0 {
		inBuf = expr.EmptyBuf()
	}
	input, ok := expr.ToBytes(inBuf)
	if !ok {
		return hevm.UnexpectedSymbolicArg{Pc: vm.state.Pc, Msg: "precompile with symbolic input"}
	}

	cost, output, ok := executePrecompile(vm.block.Schedule, target[19], input)
	if !ok || cost > calleeGas {
		// Failures and unaffordable runs both consume the whole cap.
		vm.burned += calleeGas
		vm.state.Returndata = expr.EmptyBuf()
		vm.state.Stack.push(expr.Word{})
		vm.traces.leaf(ErrorTrace{Err: hevm.ErrPrecompileFailure})
		return nil
	}
	vm.burned += cost
	vm.state.Gas += calleeGas - cost

	outBuf := expr.ConcreteBuf(output)
	vm.state.Returndata = outBuf
	n := uint64(len(output))
	if outSize < n {
		n = outSize
	}
	if n > 0 {
		vm.state.Memory = expr.CopySlice(expr.Lit64(0), expr.Lit64(outOff), expr.Lit64(n), outBuf, vm.state.Memory)
	}
	vm.state.Stack.push(expr.Lit64(1))
	vm.tx.Substate.touch(target)
	return nil
}

// executePrecompile prices and runs one of the nine built-in contracts.
// The returned flag is false on malformed input.
func executePrecompile(fees FeeSchedule, which byte, input []byte) (Gas, []byte, bool) {
	words := Gas(sizeInWords(uint64(len(input))))
	switch which {
	case 0x1:
		return fees.GEcrecover, runEcrecover(input), true
	case 0x2:
		sum := sha256.Sum256(input)
		return fees.GSha256Base + fees.GSha256Word*words, sum[:], true
	case 0x3:
		h := ripemd160.New()
		h.Write(input)
		out := make([]byte, 32)
		copy(out[12:], h.Sum(nil))
		return fees.GRipemd160Base + fees.GRipemd160Word*words, out, true
	case 0x4:
		return fees.GIdentityBase + fees.GIdentityWord*words, append([]byte(nil), input...), true
	case 0x5:
		return runModexp(input)
	case 0x6:
		return runEcadd(fees, input)
	case 0x7:
		return runEcmul(fees, input)
	case 0x8:
		return runEcpairing(fees, input)
	case 0x9:
		return runBlake2f(fees, input)
	}
	return 0, nil, false
}

func runEcrecover(input []byte) []byte {
	const ecRecoverInputLength = 128
	padded := rightPadded(input, 0, ecRecoverInputLength)

	r := new(big.Int).SetBytes(padded[64:96])
	s := new(big.Int).SetBytes(padded[96:128])
	v := padded[63]

	// Anything but a canonical {27, 28} recovery id with clean upper
	// bytes yields an empty result, not a failure.
	for _, b := range padded[32:63] {
		if b != 0 {
			return nil
		}
	}
	if v != 27 && v != 28 {
		return nil
	}
	if !crypto.ValidateSignatureValues(v-27, r, s, false) {
		return nil
	}

	sig := make([]byte, 65)
	copy(sig[0:32], padded[64:96])
	copy(sig[32:64], padded[96:128])
	sig[64] = v - 27

	pub, err := crypto.Ecrecover(padded[:32], sig)
	if err != nil {
		return nil
	}
	out := make([]byte, 32)
	copy(out[12:], crypto.Keccak256(pub[1:])[12:])
	return out
}

// runModexp implements the EIP-2565 repricing of the big integer
// modular exponentiation precompile.
func runModexp(input []byte) (Gas, []byte, bool) {
	baseLen := new(big.Int).SetBytes(rightPadded(input, 0, 32))
	expLen := new(big.Int).SetBytes(rightPadded(input, 32, 32))
	modLen := new(big.Int).SetBytes(rightPadded(input, 64, 32))
	if !baseLen.IsUint64() || !expLen.IsUint64() || !modLen.IsUint64() {
		return 0, nil, false
	}
	bLen, eLen, mLen := baseLen.Uint64(), expLen.Uint64(), modLen.Uint64()

	// Inputs large enough to matter are priced out long before they
	// could be allocated.
	const maxModexpLen = 1 << 24
	if bLen > maxModexpLen || eLen > maxModexpLen || mLen > maxModexpLen {
		return 0, nil, false
	}

	var body []byte
	if uint64(len(input)) > 96 {
		body = input[96:]
	}
	base := new(big.Int).SetBytes(rightPadded(body, 0, bLen))
	exponent := new(big.Int).SetBytes(rightPadded(body, bLen, eLen))
	modulus := new(big.Int).SetBytes(rightPadded(body, bLen+eLen, mLen))

	// Pricing: multiplication complexity times the iteration count over
	// the quadratic divisor, floored at 200.
	maxLen := bLen
	if mLen > maxLen {
		maxLen = mLen
	}
	mulComplexity := ceilDiv(maxLen, 8) * ceilDiv(maxLen, 8)

	var iterCount uint64
	head := new(big.Int).SetBytes(rightPadded(body, bLen, min64(eLen, 32)))
	switch {
	case eLen <= 32 && head.Sign() == 0:
		iterCount = 0
	case eLen <= 32:
		iterCount = uint64(head.BitLen() - 1)
	default:
		iterCount = 8*(eLen-32) + uint64(max(head.BitLen()-1, 0))
	}
	if iterCount == 0 {
		iterCount = 1
	}
	gas := Gas(mulComplexity * iterCount / 3)
	if gas < 200 {
		gas = 200
	}

	if mLen == 0 {
		return gas, nil, true
	}
	result := new(big.Int).Exp(base, exponent, modulus)
	out := make([]byte, mLen)
	result.FillBytes(out)
	return gas, out, true
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func runEcadd(fees FeeSchedule, input []byte) (Gas, []byte, bool) {
	padded := rightPadded(input, 0, 128)
	x := new(bn256.G1)
	if _, err := x.Unmarshal(padded[0:64]); err != nil {
		return fees.GEcadd, nil, false
	}
	y := new(bn256.G1)
	if _, err := y.Unmarshal(padded[64:128]); err != nil {
		return fees.GEcadd, nil, false
	}
	res := new(bn256.G1).Add(x, y)
	return fees.GEcadd, res.Marshal(), true
}

func runEcmul(fees FeeSchedule, input []byte) (Gas, []byte, bool) {
	padded := rightPadded(input, 0, 96)
	p := new(bn256.G1)
	if _, err := p.Unmarshal(padded[0:64]); err != nil {
		return fees.GEcmul, nil, false
	}
	scalar := new(big.Int).SetBytes(padded[64:96])
	res := new(bn256.G1).ScalarMult(p, scalar)
	return fees.GEcmul, res.Marshal(), true
}

func runEcpairing(fees FeeSchedule, input []byte) (Gas, []byte, bool) {
	gas := fees.GPairingBase + fees.GPairingPoint*Gas(len(input)/192)
	if len(input)%192 != 0 {
		return gas, nil, false
	}
	var g1s []*bn256.G1
	var g2s []*bn256.G2
	for i := 0; i < len(input); i += 192 {
		g1 := new(bn256.G1)
		if _, err := g1.Unmarshal(input[i : i+64]); err != nil {
			return gas, nil, false
		}
		g2 := new(bn256.G2)
		if _, err := g2.Unmarshal(input[i+64 : i+192]); err != nil {
			return gas, nil, false
		}
		g1s = append(g1s, g1)
		g2s = append(g2s, g2)
	}
	out := make([]byte, 32)
	if bn256.PairingCheck(g1s, g2s) {
		out[31] = 1
	}
	return gas, out, true
}

func runBlake2f(fees FeeSchedule, input []byte) (Gas, []byte, bool) {
	const blake2fInputLength = 213
	if len(input) != blake2fInputLength {
		return 0, nil, false
	}
	if input[212] != 0 && input[212] != 1 {
		return 0, nil, false
	}
	rounds := binary.BigEndian.Uint32(input[0:4])
	gas := fees.GFround * Gas(rounds)

	var h [8]uint64
	for i := 0; i < 8; i++ {
		h[i] = binary.LittleEndian.Uint64(input[4+i*8:])
	}
	var m [16]uint64
	for i := 0; i < 16; i++ {
		m[i] = binary.LittleEndian.Uint64(input[68+i*8:])
	}
	var t [2]uint64
	t[0] = binary.LittleEndian.Uint64(input[196:204])
	t[1] = binary.LittleEndian.Uint64(input[204:212])
	final := input[212] == 1

	blake2b.F(&h, m, t, final, rounds)

	out := make([]byte, 64)
	for i := 0; i < 8; i++ {
		binary.LittleEndian.PutUint64(out[i*8:], h[i])
	}
	return gas, out, true
}
