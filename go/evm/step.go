package evm

import (
	"math"

	"github.com/holiman/uint256"

	"github.com/sbip-sg/hevm/go/expr"
	"github.com/sbip-sg/hevm/go/hevm"
)

// errSuspend is returned by handlers that have parked a Query or Choose
// in vm.result; it is not a frame error.
const errSuspend = hevm.ConstError("suspended")

// burn charges gas against the active frame, moving it into the burned
// counter.
func (vm *VM) burn(need Gas) error {
	if need < 0 {
		return hevm.ErrIllegalOverflow
	}
	if vm.state.Gas < need {
		return hevm.OutOfGas{Have: vm.state.Gas, Need: need}
	}
	vm.state.Gas -= need
	vm.burned += need
	return nil
}

// forceConcrete extracts the literal value of a word, or fails the
// frame with UnexpectedSymbolicArg.
func (vm *VM) forceConcrete(w expr.Word, msg string) (*uint256.Int, error) {
	if v, ok := w.Concrete(); ok {
		return v, nil
	}
	return nil, hevm.UnexpectedSymbolicArg{Pc: vm.state.Pc, Msg: msg, Args: []expr.Word{w}}
}

// forceU64 extracts a literal word that must fit 64 bits.
func (vm *VM) forceU64(w expr.Word, msg string) (uint64, error) {
	v, err := vm.forceConcrete(w, msg)
	if err != nil {
		return 0, err
	}
	if !v.IsUint64() {
		return 0, hevm.ErrIllegalOverflow
	}
	return v.Uint64(), nil
}

// accessMemoryRange charges memory expansion for [off, off+size) and
// raises the high-water mark. Zero-length accesses are free and do not
// extend memory.
func (vm *VM) accessMemoryRange(offW, sizeW expr.Word) (off, size uint64, err error) {
	if sizeW.IsZeroLit() {
		return 0, 0, nil
	}
	if off, err = vm.forceU64(offW, "memory offset"); err != nil {
		return 0, 0, err
	}
	if size, err = vm.forceU64(sizeW, "memory size"); err != nil {
		return 0, 0, err
	}
	return off, size, vm.expandMemory(off, size)
}

func (vm *VM) expandMemory(off, size uint64) error {
	if size == 0 {
		return nil
	}
	needed := off + size
	if needed < off || needed > math.MaxUint64-31 {
		return hevm.ErrIllegalOverflow
	}
	if needed <= vm.state.MemorySize {
		return nil
	}
	newSize := sizeInWords(needed) * 32
	fees := vm.block.Schedule
	cost := fees.memoryCost(newSize) - fees.memoryCost(vm.state.MemorySize)
	if err := vm.burn(cost); err != nil {
		return err
	}
	vm.state.MemorySize = newSize
	return nil
}

// readMemory extracts size bytes of frame memory as a fresh buffer,
// charging expansion.
func (vm *VM) readMemory(offW, sizeW expr.Word) (*expr.Buf, error) {
	off, size, err := vm.accessMemoryRange(offW, sizeW)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return expr.EmptyBuf(), nil
	}
	return expr.SliceBytes(expr.Lit64(off), expr.Lit64(size), vm.state.Memory), nil
}

// staticGas returns the fixed charge of the opcode, for those opcodes
// whose price does not depend on operands. Operand-dependent parts are
// charged by the handlers.
func staticGas(fees FeeSchedule, op OpCode) Gas {
	switch {
	case op.isPush():
		return fees.GVerylow
	case DUP1 <= op && op <= DUP16:
		return fees.GVerylow
	case SWAP1 <= op && op <= SWAP16:
		return fees.GVerylow
	case LOG0 <= op && op <= LOG4:
		return fees.GLog + Gas(int(op)-int(LOG0))*fees.GLogtopic
	}
	switch op {
	case STOP, RETURN, REVERT, SLOAD, SSTORE, BALANCE, EXTCODESIZE,
		EXTCODECOPY, EXTCODEHASH, CALL, CALLCODE, DELEGATECALL,
		STATICCALL, CREATE, CREATE2, SELFDESTRUCT, INVALID:
		return 0
	case ADDRESS, ORIGIN, CALLER, CALLVALUE, CALLDATASIZE, CODESIZE,
		GASPRICE, RETURNDATASIZE, COINBASE, TIMESTAMP, NUMBER,
		PREVRANDAO, GASLIMIT, CHAINID, BASEFEE, POP, PC, MSIZE, GAS,
		PUSH0:
		return fees.GBase
	case ADD, SUB, NOT, LT, GT, SLT, SGT, EQ, ISZERO, AND, OR, XOR,
		BYTE, SHL, SHR, SAR, CALLDATALOAD, MLOAD, MSTORE, MSTORE8,
		CALLDATACOPY, CODECOPY, RETURNDATACOPY:
		return fees.GVerylow
	case MUL, DIV, SDIV, MOD, SMOD, SIGNEXTEND, SELFBALANCE:
		return fees.GLow
	case ADDMOD, MULMOD, JUMP:
		return fees.GMid
	case JUMPI:
		return fees.GHigh
	case EXP:
		return fees.GExp
	case SHA3:
		return fees.GSha3
	case JUMPDEST:
		return fees.GJumpdest
	case BLOCKHASH:
		return fees.GBlockhash
	}
	return 0
}

// Step executes a single instruction, unless a result is already set.
func (vm *VM) Step() {
	if vm.result != nil {
		return
	}
	vm.exec1()
}

// Run steps the machine until a result or suspension is set.
func (vm *VM) Run() {
	for vm.result == nil {
		vm.exec1()
	}
}

func (vm *VM) exec1() {
	code := vm.state.Code

	// Running off the end of the executable region is an implicit STOP.
	if vm.state.Pc >= uint64(len(code.ops.opIx)) {
		vm.finishFrame(frameReturned(expr.EmptyBuf()))
		return
	}

	o, ok := code.opAt(vm.state.Pc)
	if !ok {
		// The counter can only land inside push data through a bug in
		// jump validation; fail loudly rather than decode data.
		vm.finishFrame(frameErrored(hevm.ErrBadJumpDestination))
		return
	}
	if !o.known {
		vm.finishFrame(frameErrored(hevm.UnexpectedSymbolicArg{
			Pc:  vm.state.Pc,
			Msg: "symbolic opcode byte",
		}))
		return
	}
	op := o.code

	// Stack discipline is validated up front so that a failing opcode
	// leaves no partial mutation behind.
	usage := stackUsageOf(op)
	if vm.state.Stack.len() < usage.pops {
		vm.finishFrame(frameErrored(hevm.ErrStackUnderrun))
		return
	}
	if vm.state.Stack.len()-usage.pops+usage.pushes > maxStackSize {
		vm.finishFrame(frameErrored(hevm.ErrStackLimitExceeded))
		return
	}

	if err := vm.burn(staticGas(vm.block.Schedule, op)); err != nil {
		vm.finishFrame(frameErrored(err))
		return
	}

	vm.pcMoved = false
	err := vm.dispatch(op)
	if err == errSuspend {
		return
	}
	if err != nil {
		vm.finishFrame(frameErrored(err))
		return
	}
	// Handlers that redirect control flow (jumps, calls, frame ends)
	// set pcMoved and position the counter themselves.
	if !vm.pcMoved {
		vm.state.Pc += opSize(op)
	}
}

// markPcMoved records that the current handler placed the program
// counter itself.
func (vm *VM) markPcMoved() { vm.pcMoved = true }

func (vm *VM) dispatch(op OpCode) error {
	switch {
	case op.isPush():
		return opPush(vm, op.pushSize())
	case DUP1 <= op && op <= DUP16:
		vm.state.Stack.dup(int(op) - int(DUP1) + 1)
		return nil
	case SWAP1 <= op && op <= SWAP16:
		vm.state.Stack.swap(int(op) - int(SWAP1) + 1)
		return nil
	case LOG0 <= op && op <= LOG4:
		return opLog(vm, int(op)-int(LOG0))
	}

	switch op {
	case STOP:
		vm.finishFrame(frameReturned(expr.EmptyBuf()))
		return nil
	case ADD:
		return opBin(vm, expr.Add)
	case MUL:
		return opBin(vm, expr.Mul)
	case SUB:
		return opBin(vm, expr.Sub)
	case DIV:
		return opBin(vm, expr.Div)
	case SDIV:
		return opBin(vm, expr.SDiv)
	case MOD:
		return opBin(vm, expr.Mod)
	case SMOD:
		return opBin(vm, expr.SMod)
	case ADDMOD:
		return opTern(vm, expr.AddMod)
	case MULMOD:
		return opTern(vm, expr.MulMod)
	case EXP:
		return opExp(vm)
	case SIGNEXTEND:
		return opBin(vm, expr.Sex)
	case LT:
		return opBin(vm, expr.Lt)
	case GT:
		return opBin(vm, expr.Gt)
	case SLT:
		return opBin(vm, expr.SLt)
	case SGT:
		return opBin(vm, expr.SGt)
	case EQ:
		return opBin(vm, expr.Eq)
	case ISZERO:
		return opUn(vm, expr.IsZero)
	case AND:
		return opBin(vm, expr.And)
	case OR:
		return opBin(vm, expr.Or)
	case XOR:
		return opBin(vm, expr.Xor)
	case NOT:
		return opUn(vm, expr.Not)
	case BYTE:
		return opBin(vm, expr.ByteAt)
	case SHL:
		return opBin(vm, expr.Shl)
	case SHR:
		return opBin(vm, expr.Shr)
	case SAR:
		return opBin(vm, expr.Sar)
	case SHA3:
		return opSha3(vm)
	case ADDRESS:
		vm.state.Stack.push(wordOfAddress(vm.state.Contract))
		return nil
	case BALANCE:
		return opBalance(vm)
	case ORIGIN:
		vm.state.Stack.push(wordOfAddress(vm.tx.Origin))
		return nil
	case CALLER:
		vm.state.Stack.push(vm.state.Caller)
		return nil
	case CALLVALUE:
		vm.state.Stack.push(vm.state.Callvalue)
		return nil
	case CALLDATALOAD:
		off := vm.state.Stack.pop()
		vm.state.Stack.push(expr.ReadWord(off, vm.state.Calldata))
		return nil
	case CALLDATASIZE:
		vm.state.Stack.push(expr.BufLength(vm.state.Calldata))
		return nil
	case CALLDATACOPY:
		return opDataCopy(vm, vm.state.Calldata)
	case CODESIZE:
		vm.state.Stack.push(vm.state.Code.Code.Length())
		return nil
	case CODECOPY:
		return opDataCopy(vm, vm.state.Code.Code.Buffer())
	case GASPRICE:
		vm.state.Stack.push(expr.LitU256(vm.tx.GasPrice))
		return nil
	case EXTCODESIZE:
		return opExtCodeSize(vm)
	case EXTCODECOPY:
		return opExtCodeCopy(vm)
	case RETURNDATASIZE:
		vm.state.Stack.push(expr.BufLength(vm.state.Returndata))
		return nil
	case RETURNDATACOPY:
		return opReturnDataCopy(vm)
	case EXTCODEHASH:
		return opExtCodeHash(vm)
	case BLOCKHASH:
		return opBlockhash(vm)
	case COINBASE:
		vm.state.Stack.push(wordOfAddress(vm.block.Coinbase))
		return nil
	case TIMESTAMP:
		vm.state.Stack.push(vm.block.Timestamp)
		return nil
	case NUMBER:
		vm.state.Stack.push(expr.LitU256(vm.block.Number))
		return nil
	case PREVRANDAO:
		vm.state.Stack.push(expr.LitBytes(vm.block.PrevRandao[:]))
		return nil
	case GASLIMIT:
		vm.state.Stack.push(expr.Lit64(uint64(vm.block.GasLimit)))
		return nil
	case CHAINID:
		vm.state.Stack.push(vm.env.ChainID)
		return nil
	case SELFBALANCE:
		vm.state.Stack.push(expr.LitU256(vm.balanceOf(vm.state.Contract)))
		return nil
	case BASEFEE:
		vm.state.Stack.push(expr.LitU256(vm.block.BaseFee))
		return nil
	case POP:
		vm.state.Stack.pop()
		return nil
	case MLOAD:
		return opMload(vm)
	case MSTORE:
		return opMstore(vm)
	case MSTORE8:
		return opMstore8(vm)
	case SLOAD:
		return opSload(vm)
	case SSTORE:
		return opSstore(vm)
	case JUMP:
		return opJump(vm)
	case JUMPI:
		return opJumpi(vm)
	case PC:
		vm.state.Stack.push(expr.Lit64(vm.state.Pc))
		return nil
	case MSIZE:
		vm.state.Stack.push(expr.Lit64(vm.state.MemorySize))
		return nil
	case GAS:
		// The gas visible to the program is the gas after this
		// instruction's own charge.
		vm.state.Stack.push(expr.Lit64(uint64(vm.state.Gas)))
		return nil
	case JUMPDEST:
		return nil
	case PUSH0:
		vm.state.Stack.push(expr.Word{})
		return nil
	case CREATE:
		return opCreate(vm, false)
	case CREATE2:
		return opCreate(vm, true)
	case CALL:
		return opCall(vm, CALL)
	case CALLCODE:
		return opCall(vm, CALLCODE)
	case RETURN:
		return opReturn(vm)
	case DELEGATECALL:
		return opCall(vm, DELEGATECALL)
	case STATICCALL:
		return opCall(vm, STATICCALL)
	case REVERT:
		return opRevert(vm)
	case SELFDESTRUCT:
		return opSelfdestruct(vm)
	case INVALID:
		return hevm.UnrecognizedOpcode{Op: byte(op)}
	default:
		return hevm.UnrecognizedOpcode{Op: byte(op)}
	}
}
