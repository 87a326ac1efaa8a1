package evm

import (
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/sbip-sg/hevm/go/expr"
	"github.com/sbip-sg/hevm/go/hevm"
)

// CheatCodeAddress is the magic address test code calls to reach into
// the machine: the low 160 bits of keccak256("hevm cheat code").
var CheatCodeAddress = func() hevm.Address {
	h := crypto.Keccak256([]byte("hevm cheat code"))
	return hevm.Address(h[12:32])
}()

var (
	selFFI   = selectorOf("ffi(string[])")
	selWarp  = selectorOf("warp(uint256)")
	selRoll  = selectorOf("roll(uint256)")
	selStore = selectorOf("store(address,bytes32,bytes32)")
	selLoad  = selectorOf("load(address,bytes32)")
	selSign  = selectorOf("sign(uint256,bytes32)")
	selAddr  = selectorOf("addr(uint256)")
)

// opCheat handles a call targeting the cheat-code address. The call
// never pushes a frame; the effect is applied inline.
func opCheat(vm *VM, hasValue bool) error {
	s := vm.state.Stack
	argBase := 2
	if hasValue {
		argBase = 3
	}
	gasW := s.back(0)
	inOffW := s.back(argBase)
	inSizeW := s.back(argBase + 1)
	outOffW := s.back(argBase + 2)
	outSizeW := s.back(argBase + 3)

	for i := 0; i < argBase+4; i++ {
		s.pop()
	}

	inOff, inSize, err := vm.accessMemoryRange(inOffW, inSizeW)
	if err != nil {
		return err
	}
	outOff, outSize, err := vm.accessMemoryRange(outOffW, outSizeW)
	if err != nil {
		return err
	}

	requested, err := vm.forceConcrete(gasW, "call gas")
	if err != nil {
		return err
	}
	reqGas := Gas(math.MaxInt64)
	if requested.IsUint64() && requested.Uint64() <= math.MaxInt64 {
		reqGas = Gas(requested.Uint64())
	}
	fees := vm.block.Schedule
	wasWarm := vm.tx.Substate.accessAddress(CheatCodeAddress)
	cost, calleeGas := fees.costOfCall(true, true, vm.state.Gas, reqGas, wasWarm)
	if vm.state.Gas < cost {
		return hevm.OutOfGas{Have: vm.state.Gas, Need: cost}
	}
	vm.state.Gas -= cost
	vm.burned += cost - calleeGas
	// Cheat codes themselves are free; the forwarded gas flows back.
	vm.state.Gas += calleeGas

	inBuf := expr.SliceBytes(expr.Lit64(inOff), expr.Lit64(inSize), vm.state.Memory)
	if inSize == 0 {
		inBuf = expr.EmptyBuf()
	}
	input, ok := expr.ToBytes(inBuf)
	if !ok {
		return hevm.UnexpectedSymbolicArg{Pc: vm.state.Pc, Msg: "cheat code with symbolic calldata"}
	}
	if len(input) < 4 {
		return hevm.BadCheatCode{}
	}
	sel := [4]byte(input[:4])
	args := input[4:]

	switch sel {
	case selWarp:
		w, ok := abiReadWord(args, 0)
		if !ok {
			return hevm.BadCheatCode{Selector: sel}
		}
		vm.block.Timestamp = expr.LitBytes(w[:])
		return cheatDone(vm, nil, outOff, outSize)

	case selRoll:
		w, ok := abiReadWord(args, 0)
		if !ok {
			return hevm.BadCheatCode{Selector: sel}
		}
		vm.block.Number = new(uint256.Int).SetBytes(w[:])
		return cheatDone(vm, nil, outOff, outSize)

	case selStore:
		target, ok1 := abiReadWord(args, 0)
		slot, ok2 := abiReadWord(args, 32)
		val, ok3 := abiReadWord(args, 64)
		if !ok1 || !ok2 || !ok3 {
			return hevm.BadCheatCode{Selector: sel}
		}
		addr := hevm.AddressFromWord(target)
		if _, ok := vm.env.Contracts[addr]; !ok {
			vm.env.Contracts[addr] = NewContract(RuntimeCode(nil))
		}
		vm.env.Storage = expr.WriteStorage(
			wordOfAddress(addr), expr.LitBytes(slot[:]), expr.LitBytes(val[:]), vm.env.Storage)
		return cheatDone(vm, nil, outOff, outSize)

	case selLoad:
		target, ok1 := abiReadWord(args, 0)
		slot, ok2 := abiReadWord(args, 32)
		if !ok1 || !ok2 {
			return hevm.BadCheatCode{Selector: sel}
		}
		addr := hevm.AddressFromWord(target)
		val, _ := expr.ReadStorage(wordOfAddress(addr), expr.LitBytes(slot[:]), vm.env.Storage)
		out, ok := val.Bytes32()
		if !ok {
			return hevm.UnexpectedSymbolicArg{Pc: vm.state.Pc, Msg: "load of a symbolic slot", Args: []expr.Word{val}}
		}
		return cheatDone(vm, out[:], outOff, outSize)

	case selSign:
		key, ok1 := abiReadWord(args, 0)
		digest, ok2 := abiReadWord(args, 32)
		if !ok1 || !ok2 {
			return hevm.BadCheatCode{Selector: sel}
		}
		v, r, sOut, ok := signFixedNonce(key, digest)
		if !ok {
			return hevm.BadCheatCode{Selector: sel}
		}
		out := make([]byte, 0, 96)
		out = append(out, abiWord(uint64(v))...)
		out = append(out, r[:]...)
		out = append(out, sOut[:]...)
		return cheatDone(vm, out, outOff, outSize)

	case selAddr:
		key, ok := abiReadWord(args, 0)
		if !ok {
			return hevm.BadCheatCode{Selector: sel}
		}
		addr, ok := addressOfKey(key)
		if !ok {
			return hevm.BadCheatCode{Selector: sel}
		}
		out := make([]byte, 32)
		copy(out[12:], addr[:])
		return cheatDone(vm, out, outOff, outSize)

	case selFFI:
		if !vm.allowFFI {
			payload := abiEncodeError("ffi disabled: run again with --ffi if you want to allow tests to call external scripts")
			return cheatReverted(vm, payload, outOff, outSize)
		}
		argv, ok := abiDecodeStringArray(args)
		if !ok || len(argv) == 0 {
			return hevm.BadCheatCode{Selector: sel}
		}
		vm.pending = &pendingFFI{outOffset: outOff, outSize: outSize}
		vm.result = &runResult{kind: resultQuery, query: hevm.PleaseDoFFI{Argv: argv}}
		return errSuspend

	default:
		return hevm.BadCheatCode{Selector: sel}
	}
}

// cheatDone finishes a successful cheat call: output into the requested
// range, a 1 on the stack.
func cheatDone(vm *VM, output []byte, outOff, outSize uint64) error {
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
	return nil
}

// cheatReverted finishes a reverting cheat call: the payload lands in
// returndata and a 0 on the stack.
func cheatReverted(vm *VM, payload []byte, outOff, outSize uint64) error {
	outBuf := expr.ConcreteBuf(payload)
	vm.state.Returndata = outBuf
	n := uint64(len(payload))
	if outSize < n {
		n = outSize
	}
	if n > 0 {
		vm.state.Memory = expr.CopySlice(expr.Lit64(0), expr.Lit64(outOff), expr.Lit64(n), outBuf, vm.state.Memory)
	}
	vm.state.Stack.push(expr.Word{})
	return nil
}

// signFixedNonce signs the digest with a constant nonce of 420,
// incremented until the signature is well formed, and always reports a
// recovery id of 28. This is deliberately insecure; it exists only so
// tests produce stable signatures.
func signFixedNonce(key, digest [32]byte) (v byte, r, s [32]byte, ok bool) {
	curve := crypto.S256()
	n := curve.Params().N

	d := new(big.Int).SetBytes(key[:])
	if d.Sign() == 0 || d.Cmp(n) >= 0 {
		return 0, r, s, false
	}
	e := new(big.Int).SetBytes(digest[:])

	k := big.NewInt(420)
	for {
		kx, _ := curve.ScalarBaseMult(k.Bytes())
		rInt := new(big.Int).Mod(kx, n)
		if rInt.Sign() == 0 {
			k.Add(k, big.NewInt(1))
			continue
		}
		kInv := new(big.Int).ModInverse(k, n)
		sInt := new(big.Int).Mul(rInt, d)
		sInt.Add(sInt, e)
		sInt.Mul(sInt, kInv)
		sInt.Mod(sInt, n)
		if sInt.Sign() == 0 {
			k.Add(k, big.NewInt(1))
			continue
		}
		rInt.FillBytes(r[:])
		sInt.FillBytes(s[:])
		return 28, r, s, true
	}
}

// addressOfKey derives the account address of a private key.
func addressOfKey(key [32]byte) (hevm.Address, bool) {
	curve := crypto.S256()
	n := curve.Params().N
	d := new(big.Int).SetBytes(key[:])
	if d.Sign() == 0 || d.Cmp(n) >= 0 {
		return hevm.Address{}, false
	}
	x, y := curve.ScalarBaseMult(d.Bytes())
	pub := make([]byte, 64)
	x.FillBytes(pub[:32])
	y.FillBytes(pub[32:])
	return hevm.Address(crypto.Keccak256(pub)[12:32]), true
}
