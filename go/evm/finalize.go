package evm

import (
	"github.com/holiman/uint256"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/sbip-sg/hevm/go/expr"
	"github.com/sbip-sg/hevm/go/hevm"
)

// finalize closes out the transaction once the outermost frame has
// ended: revert or clear state as the outcome dictates, settle the gas
// accounts, and run the EIP-161 sweep.
func (vm *VM) finalize(res frameResult) {
	switch res.kind {
	case frErrored:
		vm.burned += vm.state.Gas
		vm.state.Gas = 0
		vm.env.Contracts = snapshotContracts(vm.tx.TxReversion)
		vm.env.Storage = vm.tx.StorageReversion
		vm.tx.Substate = newSubState()
		vm.result = &runResult{kind: resultFailure, err: res.err}
	case frReverted:
		vm.env.Contracts = snapshotContracts(vm.tx.TxReversion)
		vm.env.Storage = vm.tx.StorageReversion
		vm.tx.Substate = newSubState()
		vm.result = &runResult{kind: resultFailure, err: hevm.Revert{Output: res.output}}
	case frReturned:
		if vm.tx.IsCreate {
			vm.depositCode(vm.tx.ToAddr, res.output)
		}
		vm.result = &runResult{kind: resultSuccess, output: res.output}
	}

	// Gas settlement: the sender gets the remainder plus the capped
	// refund back, the coinbase earns the priority fee on what was
	// used.
	gasRemaining := uint64(vm.state.Gas)
	gasUsed := uint64(vm.tx.GasLimit - vm.state.Gas)
	refund := uint64(vm.tx.Substate.refundTotal())
	if cap := gasUsed / 5; refund > cap {
		refund = cap
	}

	vm.creditAccount(vm.tx.Origin, new(uint256.Int).Mul(
		uint256.NewInt(gasRemaining+refund), vm.tx.GasPrice))
	coinbaseEarnings := new(uint256.Int).Mul(uint256.NewInt(gasUsed), vm.tx.PriorityFee)
	coinbaseEarnings.Add(coinbaseEarnings, uint256.NewInt(uint64(vm.block.Schedule.RBlock)))
	vm.creditAccount(vm.block.Coinbase, coinbaseEarnings)

	// EIP-161 sweep: selfdestructed accounts go first, then every
	// touched account that ended up empty.
	doomed := map[hevm.Address]struct{}{}
	for _, a := range vm.tx.Substate.selfDestructs {
		doomed[a] = struct{}{}
	}
	for _, a := range vm.tx.Substate.touched {
		if c, ok := vm.env.Contracts[a]; ok && c.isEmpty() {
			doomed[a] = struct{}{}
		}
	}
	for _, a := range sortedAddresses(doomed) {
		delete(vm.env.Contracts, a)
		vm.env.Storage = expr.ClearStorage(wordOfAddress(a), vm.env.Storage)
	}
}

func (vm *VM) creditAccount(addr hevm.Address, amount *uint256.Int) {
	if amount.IsZero() {
		return
	}
	c, ok := vm.env.Contracts[addr]
	if !ok {
		c = NewContract(RuntimeCode(nil))
		vm.env.Contracts[addr] = c
	}
	c.Balance = new(uint256.Int).Add(c.Balance, amount)
}

func sortedAddresses(set map[hevm.Address]struct{}) []hevm.Address {
	addrs := maps.Keys(set)
	slices.SortFunc(addrs, func(a, b hevm.Address) int {
		for i := range a {
			if a[i] != b[i] {
				return int(a[i]) - int(b[i])
			}
		}
		return 0
	})
	return addrs
}
