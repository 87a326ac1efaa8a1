package evm

import (
	"math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/sbip-sg/hevm/go/expr"
	"github.com/sbip-sg/hevm/go/hevm"
)

type frKind uint8

const (
	frReturned frKind = iota
	frReverted
	frErrored
)

// frameResult is the outcome of one frame, dispatched by finishFrame.
type frameResult struct {
	kind   frKind
	output *expr.Buf
	err    error
}

func frameReturned(output *expr.Buf) frameResult {
	return frameResult{kind: frReturned, output: output}
}

func frameReverted(output *expr.Buf) frameResult {
	return frameResult{kind: frReverted, output: output}
}

func frameErrored(err error) frameResult {
	return frameResult{kind: frErrored, err: err}
}

// codeForCall returns the code object a callee executes. A contract
// still under construction exposes only the concrete prefix of its init
// code; the data tail belongs to the constructor invocation alone.
func codeForCall(c *Contract) *Contract {
	if c.Code.IsInit() && c.Code.initTail != nil {
		stripped := *c
		stripped.Code = InitCode(c.Code.initPrefix, nil)
		return &stripped
	}
	return c
}

func opCall(vm *VM, op OpCode) error {
	s := vm.state.Stack
	hasValue := op == CALL || op == CALLCODE

	gasW := s.back(0)
	target, err := vm.forceAddress(s.back(1), "call target")
	if err != nil {
		return err
	}
	valueW := expr.Word{}
	argBase := 2
	if hasValue {
		valueW = s.back(2)
		argBase = 3
	}
	inOffW := s.back(argBase)
	inSizeW := s.back(argBase + 1)
	outOffW := s.back(argBase + 2)
	outSizeW := s.back(argBase + 3)

	if op == CALL && vm.state.Static && !valueW.IsZeroLit() {
		return hevm.ErrStateChangeWhileStatic
	}

	if target == CheatCodeAddress {
		return opCheat(vm, hasValue)
	}

	isPrecompile := isPrecompileAddress(target)
	var callee *Contract
	if !isPrecompile {
		if callee, err = vm.needContract(target); err != nil {
			return err
		}
	}

	value := uint256.NewInt(0)
	if hasValue {
		if value, err = vm.forceConcrete(valueW, "call value"); err != nil {
			return err
		}
	}

	// All checks that can suspend or fail without charge are done; pop
	// the operands and start charging.
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
	wasWarm := vm.tx.Substate.accessAddress(target)
	recipientExists := isPrecompile || (callee != nil && !callee.isEmpty())
	cost, calleeGas := fees.costOfCall(recipientExists, value.IsZero(), vm.state.Gas, reqGas, wasWarm)
	if vm.state.Gas < cost {
		return hevm.OutOfGas{Have: vm.state.Gas, Need: cost}
	}
	vm.state.Gas -= cost
	vm.burned += cost - calleeGas

	self := vm.state.Contract
	if value.Gt(vm.balanceOf(self)) {
		return vm.failCallShallow(calleeGas, hevm.ErrBalanceTooLow)
	}
	if len(vm.frames) >= maxCallDepth {
		return vm.failCallShallow(calleeGas, hevm.ErrCallDepthLimitReached)
	}

	if isPrecompile {
		return runPrecompileCall(vm, target, inOff, inSize, outOff, outSize, calleeGas)
	}

	// Reversion snapshot precedes the value transfer so that a revert
	// undoes it.
	frame := &Frame{
		kind:         frameCall,
		target:       target,
		outOffset:    outOff,
		outSize:      outSize,
		revContracts: snapshotContracts(vm.env.Contracts),
		revStorage:   vm.env.Storage,
		revSubstate:  vm.tx.Substate.clone(),
	}

	if op == CALL && !value.IsZero() {
		if err := vm.transfer(self, target, value); err != nil {
			return err
		}
	}
	vm.tx.Substate.touch(target)

	calldata := expr.SliceBytes(expr.Lit64(inOff), expr.Lit64(inSize), vm.state.Memory)
	if inSize == 0 {
		calldata = expr.EmptyBuf()
	}
	frame.data = calldata
	if data, ok := expr.ToBytes(calldata); ok && len(data) >= 4 {
		sel := [4]byte(data[:4])
		frame.selector = &sel
	}

	child := FrameState{
		CodeContract: target,
		Code:         codeForCall(callee),
		Stack:        newStack(),
		Memory:       expr.EmptyBuf(),
		Calldata:     calldata,
		Gas:          calleeGas,
		Returndata:   expr.EmptyBuf(),
		Static:       vm.state.Static || op == STATICCALL,
	}
	switch op {
	case CALL, STATICCALL:
		child.Contract = target
		child.Caller = wordOfAddress(self)
		child.Callvalue = expr.LitU256(value)
	case CALLCODE:
		child.Contract = self
		child.Caller = wordOfAddress(self)
		child.Callvalue = expr.LitU256(value)
	case DELEGATECALL:
		child.Contract = self
		child.Caller = vm.state.Caller
		child.Callvalue = vm.state.Callvalue
	}
	frame.context = child.Contract

	vm.state.Pc += 1
	frame.saved = vm.state
	vm.frames = append(vm.frames, frame)
	vm.state = child
	vm.markPcMoved()
	vm.traces.enter(FrameTrace{Target: target, Context: child.Contract, Selector: frame.selector})
	return nil
}

// failCallShallow handles call failures detected before a frame is
// pushed: the result is a zero push with the forwarded gas returned.
func (vm *VM) failCallShallow(calleeGas Gas, cause error) error {
	vm.state.Gas += calleeGas
	vm.state.Stack.push(expr.Word{})
	vm.state.Returndata = expr.EmptyBuf()
	vm.traces.leaf(ErrorTrace{Err: cause})
	return nil
}

func opCreate(vm *VM, isCreate2 bool) error {
	if vm.state.Static {
		return hevm.ErrStateChangeWhileStatic
	}
	s := vm.state.Stack
	valueW := s.pop()
	offW := s.pop()
	sizeW := s.pop()
	var salt [32]byte
	if isCreate2 {
		saltW, err := vm.forceConcrete(s.pop(), "CREATE2 salt")
		if err != nil {
			return err
		}
		salt = saltW.Bytes32()
	}

	value, err := vm.forceConcrete(valueW, "create value")
	if err != nil {
		return err
	}
	off, size, err := vm.accessMemoryRange(offW, sizeW)
	if err != nil {
		return err
	}
	initBuf := expr.SliceBytes(expr.Lit64(off), expr.Lit64(size), vm.state.Memory)
	if size == 0 {
		initBuf = expr.EmptyBuf()
	}

	fees := vm.block.Schedule
	cost, initGas := fees.costOfCreate(vm.state.Gas, size, isCreate2)
	if initGas < 0 || vm.state.Gas < cost {
		return hevm.OutOfGas{Have: vm.state.Gas, Need: cost}
	}
	vm.state.Gas -= cost
	vm.burned += cost - initGas

	self := vm.state.Contract
	creator := vm.env.Contracts[self]

	var newAddr hevm.Address
	if isCreate2 {
		initBytes, ok := expr.ToBytes(initBuf)
		if !ok {
			return hevm.UnexpectedSymbolicArg{Pc: vm.state.Pc, Msg: "CREATE2 with symbolic init code"}
		}
		newAddr = hevm.Address(crypto.CreateAddress2(addrToGeth(self), salt, crypto.Keccak256(initBytes)))
	} else {
		newAddr = hevm.Address(crypto.CreateAddress(addrToGeth(self), creator.Nonce))
	}

	if creator.Nonce == math.MaxUint64 {
		vm.state.Gas += initGas
		vm.state.Stack.push(expr.Word{})
		vm.state.Returndata = expr.EmptyBuf()
		vm.traces.leaf(ErrorTrace{Err: hevm.ErrNonceOverflow})
		return nil
	}
	if value.Gt(vm.balanceOf(self)) {
		vm.state.Gas += initGas
		vm.state.Stack.push(expr.Word{})
		vm.state.Returndata = expr.EmptyBuf()
		vm.traces.leaf(ErrorTrace{Err: hevm.ErrBalanceTooLow})
		return nil
	}
	if len(vm.frames) >= maxCallDepth {
		vm.state.Gas += initGas
		vm.state.Stack.push(expr.Word{})
		vm.state.Returndata = expr.EmptyBuf()
		vm.traces.leaf(ErrorTrace{Err: hevm.ErrCallDepthLimitReached})
		return nil
	}

	if existing, ok := vm.env.Contracts[newAddr]; ok && (existing.Nonce != 0 || existing.hasDeployedCode()) {
		// Address collision consumes everything that was forwarded and
		// still bumps the creator nonce.
		vm.burned += initGas
		creator.Nonce++
		vm.state.Stack.push(expr.Word{})
		vm.state.Returndata = expr.EmptyBuf()
		return nil
	}

	creator.Nonce++

	frame := &Frame{
		kind:         frameCreation,
		createe:      newAddr,
		revContracts: snapshotContracts(vm.env.Contracts),
		revStorage:   vm.env.Storage,
		revSubstate:  vm.tx.Substate.clone(),
	}

	// A fresh deployment starts with empty storage even if the address
	// held dust before; the prior balance carries over.
	vm.env.Storage = expr.ClearStorage(wordOfAddress(newAddr), vm.env.Storage)
	prefix, tail := expr.ConcPrefix(initBuf)
	created := NewContract(InitCode(prefix, tail))
	created.Nonce = 1
	if existing, ok := vm.env.Contracts[newAddr]; ok {
		created.Balance = new(uint256.Int).Set(existing.Balance)
	}
	vm.env.Contracts[newAddr] = created
	if err := vm.transfer(self, newAddr, value); err != nil {
		return err
	}

	child := FrameState{
		Contract:     newAddr,
		CodeContract: newAddr,
		Code:         created,
		Stack:        newStack(),
		Memory:       expr.EmptyBuf(),
		Calldata:     expr.EmptyBuf(),
		Callvalue:    expr.LitU256(value),
		Caller:       wordOfAddress(self),
		Gas:          initGas,
		Returndata:   expr.EmptyBuf(),
		Static:       vm.state.Static,
	}

	vm.state.Pc += 1
	frame.saved = vm.state
	vm.frames = append(vm.frames, frame)
	vm.state = child
	vm.markPcMoved()
	vm.traces.enter(FrameTrace{Target: newAddr, Context: newAddr, Create: true})
	return nil
}

// finishFrame ends the active frame and dispatches its result into the
// parent, or into the transaction-level result for the outermost frame.
func (vm *VM) finishFrame(res frameResult) {
	vm.markPcMoved()

	creation := vm.inCreation()
	if res.kind == frReturned && creation {
		if _, ok := expr.ToBytes(res.output); !ok {
			res = frameErrored(hevm.UnexpectedSymbolicArg{
				Pc:  vm.state.Pc,
				Msg: "symbolic runtime code",
			})
		}
	}

	switch res.kind {
	case frReturned:
		vm.traces.leaf(ReturnTrace{Output: res.output})
	case frReverted:
		vm.traces.leaf(ErrorTrace{Err: hevm.Revert{Output: res.output}})
	case frErrored:
		vm.traces.leaf(ErrorTrace{Err: res.err})
	}

	if len(vm.frames) == 0 {
		vm.finalize(res)
		return
	}

	f := vm.frames[len(vm.frames)-1]
	vm.frames = vm.frames[:len(vm.frames)-1]
	child := vm.state
	vm.state = f.saved
	vm.traces.exit()

	switch res.kind {
	case frReturned:
		if f.kind == frameCreation {
			vm.depositCode(f.createe, res.output)
			vm.state.Returndata = expr.EmptyBuf()
			vm.state.Gas += child.Gas
			vm.state.Stack.push(wordOfAddress(f.createe))
		} else {
			vm.state.Returndata = res.output
			vm.writeCallOutput(f, res.output)
			vm.state.Gas += child.Gas
			vm.state.Stack.push(expr.Lit64(1))
		}
	case frReverted:
		vm.env.Contracts = f.revContracts
		vm.env.Storage = f.revStorage
		vm.tx.Substate = revertedSubstate(vm.tx.Substate, f.revSubstate)
		vm.state.Returndata = res.output
		if f.kind == frameCall {
			vm.writeCallOutput(f, res.output)
		}
		vm.state.Gas += child.Gas
		vm.state.Stack.push(expr.Word{})
	case frErrored:
		vm.env.Contracts = f.revContracts
		vm.env.Storage = f.revStorage
		vm.tx.Substate = revertedSubstate(vm.tx.Substate, f.revSubstate)
		vm.state.Returndata = expr.EmptyBuf()
		vm.burned += child.Gas
		vm.state.Stack.push(expr.Word{})
	}
}

// depositCode replaces the createe's init code with the returned
// runtime code. The EIP-170 and EIP-3541 checks ran at RETURN time.
func (vm *VM) depositCode(createe hevm.Address, output *expr.Buf) {
	c, ok := vm.env.Contracts[createe]
	if !ok {
		return
	}
	bytes, _ := expr.ToBytes(output)
	deployed := NewContract(RuntimeCode(expr.LitBytesSeq(bytes)))
	deployed.Balance = c.Balance
	deployed.Nonce = c.Nonce
	vm.env.Contracts[createe] = deployed
}

// writeCallOutput copies a callee's return buffer into the caller's
// requested output range, truncated to the shorter of the two.
func (vm *VM) writeCallOutput(f *Frame, output *expr.Buf) {
	if f.outSize == 0 {
		return
	}
	n := expr.Min(expr.Lit64(f.outSize), expr.BufLength(output))
	if n.IsZeroLit() {
		return
	}
	vm.state.Memory = expr.CopySlice(expr.Lit64(0), expr.Lit64(f.outOffset), n, output, vm.state.Memory)
}

// revertedSubstate restores the pre-call substate of a reverted or
// failed frame. The EIP-2929 warm sets survive the revert, and the
// EIP-161 interaction with the RIPEMD-160 precompile address is
// preserved: if 0x03 was touched inside the reverting frame it stays
// touched.
func revertedSubstate(current SubState, snapshot SubState) SubState {
	out := snapshot.clone()
	out.accessedAddrs = current.accessedAddrs
	out.accessedKeys = current.accessedKeys

	ripemd := hevm.Address{19: 0x03}
	touchedNow := false
	for _, a := range current.touched {
		if a == ripemd {
			touchedNow = true
			break
		}
	}
	if touchedNow {
		out.touch(ripemd)
	}
	return out
}

func addrToGeth(a hevm.Address) common.Address {
	return common.Address(a)
}
