package evm

import (
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/sbip-sg/hevm/go/expr"
	"github.com/sbip-sg/hevm/go/hevm"
)

func opUn(vm *VM, f func(expr.Word) expr.Word) error {
	s := vm.state.Stack
	s.push(f(s.pop()))
	return nil
}

func opBin(vm *VM, f func(a, b expr.Word) expr.Word) error {
	s := vm.state.Stack
	a := s.pop()
	b := s.pop()
	s.push(f(a, b))
	return nil
}

func opTern(vm *VM, f func(a, b, c expr.Word) expr.Word) error {
	s := vm.state.Stack
	a := s.pop()
	b := s.pop()
	c := s.pop()
	s.push(f(a, b, c))
	return nil
}

func opPush(vm *VM, n int) error {
	code := vm.state.Code.Code
	start := vm.state.Pc + 1

	// The common case reads fully concrete push data out of the
	// executable region, zero padded past the end of the code.
	exe := code.executable()
	data := make([]byte, 0, n)
	concrete := true
	for i := 0; i < n; i++ {
		pos := start + uint64(i)
		if pos >= uint64(len(exe)) {
			break
		}
		b, ok := exe[pos].Concrete()
		if !ok {
			concrete = false
			break
		}
		data = append(data, b)
	}
	if concrete && (code.initTail == nil || start+uint64(n) <= uint64(len(exe))) {
		// Push data truncated by the end of the code reads as zeros.
		for len(data) < n {
			data = append(data, 0)
		}
		vm.state.Stack.push(expr.LitBytes(data))
		return nil
	}

	// Push data reaching into a symbolic region reads from the full
	// code buffer instead.
	vm.state.Stack.push(expr.ReadBytes(n, expr.Lit64(start), code.Buffer()))
	return nil
}

func opExp(vm *VM) error {
	s := vm.state.Stack
	base := s.back(0)
	exponent := s.back(1)
	e, err := vm.forceConcrete(exponent, "EXP: symbolic exponent")
	if err != nil {
		return err
	}
	if err := vm.burn(vm.block.Schedule.expByteCost(e)); err != nil {
		return err
	}
	s.pop()
	s.pop()
	s.push(expr.Exp(base, exponent))
	return nil
}

func opSha3(vm *VM) error {
	s := vm.state.Stack
	off := s.pop()
	size := s.pop()

	n, err := vm.forceU64(size, "SHA3: symbolic size")
	if err != nil {
		return err
	}
	if err := vm.burn(vm.block.Schedule.GSha3word * Gas(sizeInWords(n))); err != nil {
		return err
	}
	buf, err := vm.readMemory(off, size)
	if err != nil {
		return err
	}

	if data, ok := expr.ToBytes(buf); ok {
		hash := hevm.W256(crypto.Keccak256Hash(data))
		preimage := append([]byte(nil), data...)
		vm.env.Sha3Preimages[hash] = preimage
		vm.keccakEqs = append(vm.keccakEqs,
			expr.PEq(expr.LitBytes(hash[:]), expr.Keccak(expr.ConcreteBuf(preimage))))
		s.push(expr.LitBytes(hash[:]))
		return nil
	}
	s.push(expr.Keccak(buf))
	return nil
}

// needContract ensures the account at addr is in the working set,
// suspending with a fetch query when it has to come from RPC. Callers
// must invoke this before mutating any state, so that re-stepping after
// the resume replays the instruction cleanly.
func (vm *VM) needContract(addr hevm.Address) (*Contract, error) {
	if c, ok := vm.env.Contracts[addr]; ok {
		return c, nil
	}
	if cached, ok := vm.cache.FetchedContracts[addr]; ok {
		c := cached.clone()
		vm.env.Contracts[addr] = c
		return c, nil
	}
	vm.result = &runResult{kind: resultQuery, query: hevm.PleaseFetchContract{Addr: addr}}
	return nil, errSuspend
}

// forceAddress extracts a concrete address from a word.
func (vm *VM) forceAddress(w expr.Word, msg string) (hevm.Address, error) {
	v, err := vm.forceConcrete(w, msg)
	if err != nil {
		return hevm.Address{}, err
	}
	return hevm.AddressFromWord(v.Bytes32()), nil
}

// accessAccountCharge warms the address and burns the EIP-2929 cost of
// the touch.
func (vm *VM) accessAccountCharge(addr hevm.Address) error {
	fees := vm.block.Schedule
	if vm.tx.Substate.accessAddress(addr) {
		return vm.burn(fees.GWarmStorageRead)
	}
	return vm.burn(fees.GColdAccountAccess)
}

func (vm *VM) balanceOf(addr hevm.Address) *uint256.Int {
	if c, ok := vm.env.Contracts[addr]; ok {
		return c.Balance
	}
	return uint256.NewInt(0)
}

// transfer moves value between accounts, creating the recipient if
// needed, and touches both parties.
func (vm *VM) transfer(from, to hevm.Address, value *uint256.Int) error {
	src, ok := vm.env.Contracts[from]
	if !ok || src.Balance.Lt(value) {
		return hevm.ErrBalanceTooLow
	}
	dst, ok := vm.env.Contracts[to]
	if !ok {
		dst = NewContract(RuntimeCode(nil))
		vm.env.Contracts[to] = dst
	}
	src.Balance = new(uint256.Int).Sub(src.Balance, value)
	dst.Balance = new(uint256.Int).Add(dst.Balance, value)
	vm.tx.Substate.touch(from)
	vm.tx.Substate.touch(to)
	return nil
}

func opBalance(vm *VM) error {
	s := vm.state.Stack
	addr, err := vm.forceAddress(s.back(0), "BALANCE: symbolic address")
	if err != nil {
		return err
	}
	if _, err := vm.needContract(addr); err != nil {
		return err
	}
	if err := vm.accessAccountCharge(addr); err != nil {
		return err
	}
	s.pop()
	s.push(expr.LitU256(vm.balanceOf(addr)))
	return nil
}

func opExtCodeSize(vm *VM) error {
	s := vm.state.Stack
	addr, err := vm.forceAddress(s.back(0), "EXTCODESIZE: symbolic address")
	if err != nil {
		return err
	}
	c, err := vm.needContract(addr)
	if err != nil {
		return err
	}
	if err := vm.accessAccountCharge(addr); err != nil {
		return err
	}
	s.pop()
	s.push(c.Code.Length())
	return nil
}

func opExtCodeHash(vm *VM) error {
	s := vm.state.Stack
	addr, err := vm.forceAddress(s.back(0), "EXTCODEHASH: symbolic address")
	if err != nil {
		return err
	}
	c, err := vm.needContract(addr)
	if err != nil {
		return err
	}
	if err := vm.accessAccountCharge(addr); err != nil {
		return err
	}
	s.pop()
	if c.isEmpty() {
		s.push(expr.Word{})
	} else {
		s.push(expr.LitBytes(c.CodeHash[:]))
	}
	return nil
}

func opExtCodeCopy(vm *VM) error {
	s := vm.state.Stack
	addr, err := vm.forceAddress(s.back(0), "EXTCODECOPY: symbolic address")
	if err != nil {
		return err
	}
	c, err := vm.needContract(addr)
	if err != nil {
		return err
	}
	if err := vm.accessAccountCharge(addr); err != nil {
		return err
	}
	s.pop()
	memOff := s.pop()
	codeOff := s.pop()
	size := s.pop()
	return copyToMemory(vm, c.Code.Buffer(), memOff, codeOff, size)
}

// copyToMemory implements the shared tail of the *COPY instructions:
// memory expansion, the per-word copy fee, and the write itself.
func copyToMemory(vm *VM, src *expr.Buf, memOff, srcOff, size expr.Word) error {
	n, err := vm.forceU64(size, "copy size")
	if err != nil {
		return err
	}
	if err := vm.burn(vm.block.Schedule.GCopy * Gas(sizeInWords(n))); err != nil {
		return err
	}
	off, _, err := vm.accessMemoryRange(memOff, size)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	vm.state.Memory = expr.CopySlice(srcOff, expr.Lit64(off), size, src, vm.state.Memory)
	return nil
}

func opDataCopy(vm *VM, src *expr.Buf) error {
	s := vm.state.Stack
	memOff := s.pop()
	srcOff := s.pop()
	size := s.pop()
	return copyToMemory(vm, src, memOff, srcOff, size)
}

func opReturnDataCopy(vm *VM) error {
	s := vm.state.Stack
	memOff := s.pop()
	dataOff := s.pop()
	size := s.pop()

	// Reading beyond the return buffer is an error, checked when the
	// bounds are statically known.
	if end, ok := expr.Add(dataOff, size).Uint64(); ok {
		if length, ok := expr.BufLength(vm.state.Returndata).Uint64(); ok && end > length {
			return hevm.ErrInvalidMemoryAccess
		}
	}
	return copyToMemory(vm, vm.state.Returndata, memOff, dataOff, size)
}

func opBlockhash(vm *VM) error {
	s := vm.state.Stack
	num, err := vm.forceU64(s.pop(), "BLOCKHASH: symbolic block number")
	if err != nil {
		return err
	}
	current := vm.block.Number
	if !current.IsUint64() || num >= current.Uint64() || num+256 < current.Uint64() {
		s.push(expr.Word{})
		return nil
	}
	// There is no chain history here; block hashes are derived from the
	// decimal rendering of the number, as the original does.
	hash := crypto.Keccak256([]byte(fmt.Sprintf("%d", num)))
	s.push(expr.LitBytes(hash))
	return nil
}

func opMload(vm *VM) error {
	s := vm.state.Stack
	off := s.pop()
	if _, _, err := vm.accessMemoryRange(off, expr.Lit64(32)); err != nil {
		return err
	}
	s.push(expr.ReadWord(off, vm.state.Memory))
	return nil
}

func opMstore(vm *VM) error {
	s := vm.state.Stack
	off := s.pop()
	val := s.pop()
	o, _, err := vm.accessMemoryRange(off, expr.Lit64(32))
	if err != nil {
		return err
	}
	vm.state.Memory = expr.WriteWord(expr.Lit64(o), val, vm.state.Memory)
	return nil
}

func opMstore8(vm *VM) error {
	s := vm.state.Stack
	off := s.pop()
	val := s.pop()
	o, _, err := vm.accessMemoryRange(off, expr.Lit64(1))
	if err != nil {
		return err
	}
	vm.state.Memory = expr.WriteByte(expr.Lit64(o), val, vm.state.Memory)
	return nil
}

// resolveStorage reads the current value of a slot, consulting the
// fetched-storage cache and suspending on a miss for external accounts.
func (vm *VM) resolveStorage(addr hevm.Address, slotW expr.Word) (expr.Word, error) {
	addrW := wordOfAddress(addr)
	val, ok := expr.ReadStorage(addrW, slotW, vm.env.Storage)
	if ok {
		return val, nil
	}
	contract := vm.env.Contracts[addr]
	slot, slotConcrete := slotW.Bytes32()
	if contract != nil && contract.External {
		if !slotConcrete {
			return expr.Word{}, hevm.UnexpectedSymbolicArg{
				Pc:   vm.state.Pc,
				Msg:  "symbolic slot of an RPC-sourced contract",
				Args: []expr.Word{slotW},
			}
		}
		if slots, ok := vm.cache.FetchedStorage[hevm.W256(addr.Word())]; ok {
			if v, ok := slots[hevm.W256(slot)]; ok {
				vm.installSlot(addr, hevm.W256(slot), v)
				return expr.LitBytes(v[:]), nil
			}
		}
		vm.result = &runResult{kind: resultQuery, query: hevm.PleaseFetchSlot{
			Addr: addr,
			Slot: hevm.W256(slot),
		}}
		return expr.Word{}, errSuspend
	}
	return expr.Word{}, nil
}

// installSlot records a fetched slot value in the unified storage and
// the original-value map used by the SSTORE refund calculus.
func (vm *VM) installSlot(addr hevm.Address, slot hevm.W256, val hevm.W256) {
	vm.env.Storage = expr.WriteStorage(
		wordOfAddress(addr), expr.LitBytes(slot[:]), expr.LitBytes(val[:]), vm.env.Storage)
	vm.recordOrigStorage(addr, slot, val)
}

func (vm *VM) recordOrigStorage(addr hevm.Address, slot hevm.W256, val hevm.W256) {
	slots, ok := vm.env.OrigStorage[addr]
	if !ok {
		slots = map[hevm.W256]hevm.W256{}
		vm.env.OrigStorage[addr] = slots
	}
	if _, ok := slots[slot]; !ok {
		slots[slot] = val
	}
}

// accessSlotCost warms the slot and returns the cold surcharge, if any.
// Symbolic slots are priced as cold and left out of the warm set.
func (vm *VM) accessSlotCost(addr hevm.Address, slotW expr.Word) Gas {
	slot, ok := slotW.Bytes32()
	if !ok {
		return vm.block.Schedule.GColdSload
	}
	if vm.tx.Substate.accessSlot(addr, hevm.W256(slot)) {
		return 0
	}
	return vm.block.Schedule.GColdSload
}

func opSload(vm *VM) error {
	s := vm.state.Stack
	addr := vm.state.Contract
	slotW := s.back(0)

	val, err := vm.resolveStorage(addr, slotW)
	if err != nil {
		return err
	}
	fees := vm.block.Schedule
	cost := fees.GSload
	if cold := vm.accessSlotCost(addr, slotW); cold != 0 {
		cost = cold
	}
	if err := vm.burn(cost); err != nil {
		return err
	}
	s.pop()
	s.push(val)
	return nil
}

func opSstore(vm *VM) error {
	if vm.state.Static {
		return hevm.ErrStateChangeWhileStatic
	}
	fees := vm.block.Schedule
	if vm.state.Gas <= fees.GCallstipend {
		return hevm.OutOfGas{Have: vm.state.Gas, Need: fees.GCallstipend + 1}
	}

	s := vm.state.Stack
	addr := vm.state.Contract
	slotW := s.back(0)
	newW := s.back(1)

	current, err := vm.resolveStorage(addr, slotW)
	if err != nil {
		return err
	}

	slot, slotConcrete := slotW.Bytes32()
	var original expr.Word
	haveOriginal := false
	if slotConcrete {
		if slots, ok := vm.env.OrigStorage[addr]; ok {
			if v, ok := slots[hevm.W256(slot)]; ok {
				original = expr.LitBytes(v[:])
				haveOriginal = true
			}
		}
		if !haveOriginal && current.IsLit() {
			// No write has happened yet this transaction, so the
			// current value is the original one.
			original = current
			haveOriginal = true
		}
	}

	cold := vm.accessSlotCost(addr, slotW)
	cost, refundDelta := sstoreCost(fees, original, current, newW, haveOriginal)
	if err := vm.burn(cost + cold); err != nil {
		return err
	}
	if refundDelta != 0 {
		vm.tx.Substate.refunds = append(vm.tx.Substate.refunds, refund{Addr: addr, Amount: refundDelta})
	}

	s.pop()
	s.pop()
	if slotConcrete {
		if cur, ok := current.Bytes32(); ok {
			vm.recordOrigStorage(addr, hevm.W256(slot), hevm.W256(cur))
		}
	}
	vm.env.Storage = expr.WriteStorage(wordOfAddress(addr), slotW, newW, vm.env.Storage)
	return nil
}

// sstoreCost implements the EIP-2200/3529 pricing table for literal
// operands. With any operand symbolic the conservative g_sset is
// charged and the refund counter is left alone.
func sstoreCost(fees FeeSchedule, original, current, newW expr.Word, haveOriginal bool) (Gas, Gas) {
	cur, okC := current.Bytes32()
	next, okN := newW.Bytes32()
	orig, okO := original.Bytes32()
	if !okC || !okN || !okO || !haveOriginal {
		return fees.GSset, 0
	}

	clearRefund := fees.GSreset + fees.GAccessListStorageKey
	zero := [32]byte{}
	switch {
	case cur == next:
		return fees.GSload, 0
	case cur == orig && orig == zero:
		return fees.GSset, 0
	case cur == orig:
		if next == zero {
			return fees.GSreset, clearRefund
		}
		return fees.GSreset, 0
	default:
		delta := Gas(0)
		if orig != zero {
			if cur == zero {
				delta -= clearRefund
			}
			if next == zero {
				delta += clearRefund
			}
		}
		if orig == next {
			if orig == zero {
				delta += fees.GSset - fees.GSload
			} else {
				delta += fees.GSreset - fees.GSload
			}
		}
		return fees.GSload, delta
	}
}

func opJump(vm *VM) error {
	dest, err := vm.forceU64(vm.state.Stack.pop(), "JUMP: symbolic destination")
	if err != nil {
		return err
	}
	return vm.jumpTo(dest)
}

func (vm *VM) jumpTo(dest uint64) error {
	if !vm.state.Code.validJumpDest(dest) {
		return hevm.ErrBadJumpDestination
	}
	vm.state.Pc = dest
	vm.markPcMoved()
	return nil
}

func opJumpi(vm *VM) error {
	s := vm.state.Stack
	destW := s.pop()
	cond := s.pop()

	dest, err := vm.forceU64(destW, "JUMPI: symbolic destination")
	if err != nil {
		return err
	}
	if cond.IsLit() {
		if !cond.IsZeroLit() {
			return vm.jumpTo(dest)
		}
		return nil
	}
	return vm.branch(cond, &pendingJumpi{dest: dest})
}

func opLog(vm *VM, n int) error {
	if vm.state.Static {
		return hevm.ErrStateChangeWhileStatic
	}
	s := vm.state.Stack
	off := s.pop()
	size := s.pop()
	topics := make([]expr.Word, n)
	for i := 0; i < n; i++ {
		topics[i] = s.pop()
	}

	length, err := vm.forceU64(size, "LOG: symbolic size")
	if err != nil {
		return err
	}
	if err := vm.burn(vm.block.Schedule.GLogdata * Gas(length)); err != nil {
		return err
	}
	data, err := vm.readMemory(off, size)
	if err != nil {
		return err
	}
	entry := LogEntry{Addr: vm.state.Contract, Data: data, Topics: topics}
	vm.logs = append(vm.logs, entry)
	vm.traces.leaf(EventTrace{Log: entry})
	return nil
}

func opReturn(vm *VM) error {
	s := vm.state.Stack
	off := s.pop()
	size := s.pop()
	output, err := vm.readMemory(off, size)
	if err != nil {
		return err
	}

	if vm.inCreation() {
		return vm.finishCreationReturn(output)
	}
	vm.finishFrame(frameReturned(output))
	return nil
}

// finishCreationReturn validates and prices the code deposit before the
// creation frame is popped.
func (vm *VM) finishCreationReturn(output *expr.Buf) error {
	fees := vm.block.Schedule
	length, err := vm.forceU64(expr.BufLength(output), "code deposit with symbolic size")
	if err != nil {
		return err
	}
	if length > fees.MaxCodeSize {
		return hevm.MaxCodeSizeExceeded{Limit: fees.MaxCodeSize, Got: length}
	}
	if err := vm.burn(fees.GCodedeposit * Gas(length)); err != nil {
		return err
	}
	if length > 0 {
		first := expr.ReadByte(expr.Lit64(0), output)
		if v, ok := first.Uint64(); ok {
			if v == 0xef {
				return hevm.ErrInvalidFormat
			}
		} else {
			return vm.branch(expr.Eq(first, expr.Lit64(0xef)), &pendingEFCheck{output: output})
		}
	}
	vm.finishFrame(frameReturned(output))
	return nil
}

func opRevert(vm *VM) error {
	s := vm.state.Stack
	off := s.pop()
	size := s.pop()
	output, err := vm.readMemory(off, size)
	if err != nil {
		return err
	}
	vm.finishFrame(frameReverted(output))
	return nil
}

func opSelfdestruct(vm *VM) error {
	if vm.state.Static {
		return hevm.ErrStateChangeWhileStatic
	}
	s := vm.state.Stack
	recipient, err := vm.forceAddress(s.back(0), "SELFDESTRUCT: symbolic recipient")
	if err != nil {
		return err
	}
	beneficiary, err := vm.needContract(recipient)
	if err != nil {
		return err
	}

	fees := vm.block.Schedule
	self := vm.state.Contract
	funds := vm.balanceOf(self)

	cost := fees.GSelfdestruct
	if !vm.tx.Substate.accessAddress(recipient) {
		cost += fees.GColdAccountAccess
	}
	if beneficiary.isEmpty() && !funds.IsZero() {
		cost += fees.GSelfdestructNewAcct
	}
	if err := vm.burn(cost); err != nil {
		return err
	}
	s.pop()

	if recipient != self {
		beneficiary.Balance = new(uint256.Int).Add(beneficiary.Balance, funds)
	}
	vm.env.Contracts[self].Balance = uint256.NewInt(0)
	vm.tx.Substate.selfDestructs = append(vm.tx.Substate.selfDestructs, self)
	vm.tx.Substate.touch(self)
	vm.tx.Substate.touch(recipient)

	vm.finishFrame(frameReturned(expr.EmptyBuf()))
	return nil
}

// inCreation reports whether the active frame is a creation frame.
func (vm *VM) inCreation() bool {
	if len(vm.frames) == 0 {
		return vm.tx.IsCreate
	}
	return vm.frames[len(vm.frames)-1].kind == frameCreation
}
