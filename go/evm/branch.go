package evm

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/sbip-sg/hevm/go/expr"
	"github.com/sbip-sg/hevm/go/hevm"
)

// pendingOp is the typed record of an operation suspended on a branch
// query. It carries just enough state to apply the verdict; the rest of
// the instruction already ran.
type pendingOp interface {
	isPending()
	cond() expr.Word
}

// pendingJumpi is a JUMPI whose condition went to the solver.
type pendingJumpi struct {
	condition expr.Word
	dest      uint64
}

// pendingEFCheck is a code deposit whose first byte is symbolic; the
// solver decides whether it is the forbidden 0xEF.
type pendingEFCheck struct {
	condition expr.Word
	output    *expr.Buf
}

// pendingFFI is a cheat-code ffi call waiting for process output.
type pendingFFI struct {
	outOffset uint64
	outSize   uint64
}

func (p *pendingJumpi) isPending()   {}
func (p *pendingEFCheck) isPending() {}
func (p *pendingFFI) isPending()     {}

func (p *pendingJumpi) cond() expr.Word   { return p.condition }
func (p *pendingEFCheck) cond() expr.Word { return p.condition }
func (p *pendingFFI) cond() expr.Word     { return expr.Word{} }

// branch suspends execution on an SMT query for the given condition.
// The pending record is applied by ResumeBranch.
func (vm *VM) branch(cond expr.Word, p pendingOp) error {
	switch pp := p.(type) {
	case *pendingJumpi:
		pp.condition = cond
	case *pendingEFCheck:
		pp.condition = cond
	}
	vm.pending = p
	vm.result = &runResult{kind: resultQuery, query: hevm.PleaseAskSMT{
		Cond:       cond,
		Conditions: append([]expr.Prop(nil), vm.constraints...),
	}}
	return errSuspend
}

// ResumeContract installs a fetched account and clears the suspension;
// the next step replays the instruction that asked.
func (vm *VM) ResumeContract(addr hevm.Address, info hevm.AccountInfo) {
	c := NewContract(RuntimeCode(expr.LitBytesSeq(info.Code)))
	c.Nonce = info.Nonce
	if info.Balance != nil {
		c.Balance = new(uint256.Int).Set(info.Balance)
	}
	c.External = true
	vm.cache.FetchedContracts[addr] = c.clone()
	vm.env.Contracts[addr] = c
	vm.result = nil
}

// ResumeSlot installs a fetched storage value and clears the
// suspension.
func (vm *VM) ResumeSlot(addr hevm.Address, slot hevm.W256, val hevm.W256) {
	slots, ok := vm.cache.FetchedStorage[hevm.W256(addr.Word())]
	if !ok {
		slots = map[hevm.W256]hevm.W256{}
		vm.cache.FetchedStorage[hevm.W256(addr.Word())] = slots
	}
	slots[slot] = val
	vm.installSlot(addr, slot, val)
	vm.result = nil
}

// ResumeBranch applies an SMT verdict to the pending branch. A decided
// case extends the path conditions and continues; Unknown re-emits the
// question as a user choice; Inconsistent kills the path.
func (vm *VM) ResumeBranch(res hevm.BranchResult) {
	p := vm.pending
	if p == nil {
		return
	}
	switch res {
	case hevm.CaseTrue:
		vm.takeBranch(true)
	case hevm.CaseFalse:
		vm.takeBranch(false)
	case hevm.Unknown:
		vm.result = &runResult{kind: resultChoose, choose: &hevm.PleaseChoosePath{
			Loc:  vm.loc(),
			Cond: p.cond(),
		}}
	case hevm.Inconsistent:
		vm.result = nil
		vm.pending = nil
		vm.finishFrame(frameErrored(hevm.ErrDeadPath))
	}
}

// ResumeChoice applies a user-selected branch direction to a pending
// Choose suspension.
func (vm *VM) ResumeChoice(taken bool) {
	if vm.pending == nil {
		return
	}
	vm.takeBranch(taken)
}

func (vm *VM) takeBranch(taken bool) {
	p := vm.pending
	vm.pending = nil
	vm.result = nil

	cond := p.cond()
	loc := vm.loc()
	iter := vm.iterations[loc]
	vm.iterations[loc] = iter + 1
	vm.cache.Path[pathKey{Loc: loc, Iter: iter}] = taken
	if taken {
		vm.constraints = append(vm.constraints, expr.PNonZero(cond))
	} else {
		vm.constraints = append(vm.constraints, expr.PZero(cond))
	}

	switch p := p.(type) {
	case *pendingJumpi:
		if taken {
			if err := vm.jumpTo(p.dest); err != nil {
				vm.finishFrame(frameErrored(err))
			}
		} else {
			vm.state.Pc += 1
		}
	case *pendingEFCheck:
		if taken {
			vm.finishFrame(frameErrored(hevm.ErrInvalidFormat))
		} else {
			vm.finishFrame(frameReturned(p.output))
		}
	}
}

// ResumeFFI delivers the stdout of a cheat-code ffi invocation and
// completes the suspended call.
func (vm *VM) ResumeFFI(stdout []byte) {
	p, ok := vm.pending.(*pendingFFI)
	if !ok {
		return
	}
	vm.pending = nil
	vm.result = nil

	output := expr.ConcreteBuf(append([]byte(nil), stdout...))
	vm.state.Returndata = output
	n := uint64(len(stdout))
	if p.outSize < n {
		n = p.outSize
	}
	if n > 0 {
		vm.state.Memory = expr.CopySlice(expr.Lit64(0), expr.Lit64(p.outOffset),
			expr.Lit64(n), output, vm.state.Memory)
	}
	vm.state.Stack.push(expr.Lit64(1))
	vm.state.Pc += 1
}

// Exec drives a VM to completion, answering its queries through the
// given oracle. Unresolvable user choices abort with an error; drivers
// that explore paths use Step and the Resume methods directly.
func Exec(vm *VM, oracle hevm.Oracle) (hevm.VMResult, error) {
	for {
		vm.Run()
		if res, ok := vm.Result(); ok {
			return res, nil
		}
		if q, ok := vm.Query(); ok {
			switch q := q.(type) {
			case hevm.PleaseFetchContract:
				info, err := oracle.FetchContract(q.Addr)
				if err != nil {
					return nil, fmt.Errorf("fetching contract %v: %w", q.Addr, err)
				}
				vm.ResumeContract(q.Addr, info)
			case hevm.PleaseFetchSlot:
				val, err := oracle.FetchSlot(q.Addr, q.Slot)
				if err != nil {
					return nil, fmt.Errorf("fetching slot %v of %v: %w", q.Slot, q.Addr, err)
				}
				vm.ResumeSlot(q.Addr, q.Slot, val)
			case hevm.PleaseAskSMT:
				vm.ResumeBranch(oracle.AskSMT(q.Cond, q.Conditions))
			case hevm.PleaseDoFFI:
				out, err := oracle.RunFFI(q.Argv)
				if err != nil {
					return nil, fmt.Errorf("ffi %v: %w", q.Argv, err)
				}
				vm.ResumeFFI(out)
			}
			continue
		}
		if c, ok := vm.Choice(); ok {
			return nil, fmt.Errorf("execution requires a path choice at %v", c.Loc)
		}
	}
}
