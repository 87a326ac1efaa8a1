package evm

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"go.uber.org/mock/gomock"

	"github.com/sbip-sg/hevm/go/expr"
	"github.com/sbip-sg/hevm/go/hevm"
)

func TestExec_FetchesContractThroughOracle(t *testing.T) {
	ctrl := gomock.NewController(t)
	oracle := hevm.NewMockOracle(ctrl)

	unknown := hevm.Address{19: 0xdd}
	remoteCode := []byte{byte(STOP), byte(STOP), byte(STOP)}
	oracle.EXPECT().FetchContract(unknown).Return(hevm.AccountInfo{
		Code:    remoteCode,
		Nonce:   7,
		Balance: uint256.NewInt(123),
	}, nil)

	var p prog
	p.pushAddr(unknown)
	p.op(EXTCODESIZE, STOP)

	vm := testVM(p, 1_000_000)
	res, err := Exec(vm, oracle)
	if err != nil {
		t.Fatalf("exec failed: %v", err)
	}
	if _, ok := res.(hevm.Success); !ok {
		t.Fatalf("expected success, got %v", res)
	}
	if got := stackTop(t, vm); got != uint64(len(remoteCode)) {
		t.Errorf("expected code size %d, got %d", len(remoteCode), got)
	}
	if c := vm.Env().Contracts[unknown]; c == nil || !c.External {
		t.Errorf("fetched contract must be installed and marked external")
	}
	if _, ok := vm.Cache().FetchedContracts[unknown]; !ok {
		t.Errorf("fetched contract must be cached")
	}
}

func TestExec_FetchesStorageSlotThroughOracle(t *testing.T) {
	ctrl := gomock.NewController(t)
	oracle := hevm.NewMockOracle(ctrl)

	external := hevm.Address{19: 0xee}
	oracle.EXPECT().FetchContract(external).Return(hevm.AccountInfo{
		Code:    []byte{byte(PUSH1), 5, byte(SLOAD), byte(PUSH1), 0, byte(MSTORE), byte(PUSH1), 32, byte(PUSH1), 0, byte(RETURN)},
		Balance: uint256.NewInt(0),
	}, nil)
	oracle.EXPECT().FetchSlot(external, hevm.W256FromUint64(5)).Return(hevm.W256FromUint64(99), nil)

	var p prog
	p.push(32).push(0).push(0).push(0)
	p.push(0)
	p.pushAddr(external)
	p.push(0xff, 0xff, 0xff)
	p.op(CALL, STOP)

	vm := testVM(p, 1_000_000)
	res, err := Exec(vm, oracle)
	if err != nil {
		t.Fatalf("exec failed: %v", err)
	}
	if _, ok := res.(hevm.Success); !ok {
		t.Fatalf("expected success, got %v", res)
	}
	data, ok := expr.ToBytes(vm.state.Returndata)
	if !ok || new(uint256.Int).SetBytes(data).Uint64() != 99 {
		t.Errorf("expected the fetched slot value 99, got %x", data)
	}
}

func TestJumpi_SymbolicConditionAsksSMT(t *testing.T) {
	// calldata is abstract, so the branch condition reaches the solver.
	// code: PUSH1 0 CALLDATALOAD PUSH1 <dest> JUMPI STOP ... JUMPDEST STOP
	var p prog
	p.push(0).op(CALLDATALOAD)
	dest := byte(len(p) + 4)
	p.push(dest).op(JUMPI, STOP)
	p.op(JUMPDEST).push(1).op(POP, STOP)

	build := func() *VM {
		return testVMWith(p, 1_000_000, func(opts *VMOpts) {
			opts.Calldata = expr.AbstractBuf("calldata")
		})
	}

	t.Run("case true jumps", func(t *testing.T) {
		vm := build()
		vm.Run()
		q, ok := vm.Query()
		if !ok {
			t.Fatalf("expected an SMT suspension")
		}
		if _, isAsk := q.(hevm.PleaseAskSMT); !isAsk {
			t.Fatalf("expected PleaseAskSMT, got %v", q)
		}
		vm.ResumeBranch(hevm.CaseTrue)
		wantSuccess(t, runToResult(t, vm))
		if vm.Pc() <= uint64(dest) {
			t.Errorf("expected execution past the jump destination")
		}
		if len(vm.Constraints()) != 1 {
			t.Fatalf("expected one recorded constraint")
		}
		if !vm.Cache().Path[pathKey{Loc: hevm.CodeLocation{Addr: testAddress, Pc: uint64(dest) - 2}, Iter: 0}] {
			t.Errorf("taken branch polarity not recorded")
		}
	})

	t.Run("case false falls through", func(t *testing.T) {
		vm := build()
		vm.Run()
		if _, ok := vm.Query(); !ok {
			t.Fatalf("expected an SMT suspension")
		}
		vm.ResumeBranch(hevm.CaseFalse)
		wantSuccess(t, runToResult(t, vm))
		if len(vm.Constraints()) != 1 {
			t.Errorf("expected the negated constraint to be recorded")
		}
	})

	t.Run("unknown becomes a user choice", func(t *testing.T) {
		vm := build()
		vm.Run()
		if _, ok := vm.Query(); !ok {
			t.Fatalf("expected an SMT suspension")
		}
		vm.ResumeBranch(hevm.Unknown)
		choice, ok := vm.Choice()
		if !ok {
			t.Fatalf("expected a user choice")
		}
		if choice.Loc.Addr != testAddress {
			t.Errorf("choice location points at the wrong contract")
		}
		vm.ResumeChoice(true)
		wantSuccess(t, runToResult(t, vm))
	})

	t.Run("inconsistent kills the path", func(t *testing.T) {
		vm := build()
		vm.Run()
		if _, ok := vm.Query(); !ok {
			t.Fatalf("expected an SMT suspension")
		}
		vm.ResumeBranch(hevm.Inconsistent)
		err := wantFailure(t, runToResult(t, vm))
		if !errors.Is(err, hevm.ErrDeadPath) {
			t.Errorf("expected a dead path, got %v", err)
		}
	})

	t.Run("iteration counter advances", func(t *testing.T) {
		vm := build()
		vm.Run()
		vm.ResumeBranch(hevm.CaseFalse)
		vm.Run()
		loc := hevm.CodeLocation{Addr: testAddress, Pc: uint64(dest) - 2}
		if vm.iterations[loc] != 1 {
			t.Errorf("expected one recorded iteration, got %d", vm.iterations[loc])
		}
	})
}

func TestSha3_RecordsPreimageAndEquality(t *testing.T) {
	// Hashing a concrete buffer records the preimage and the equality
	// proposition.
	var p prog
	p.push(0x2a).push(0).op(MSTORE)
	p.push(32).push(0).op(SHA3, STOP)

	vm := testVM(p, 1_000_000)
	wantSuccess(t, runToResult(t, vm))

	preimage := make([]byte, 32)
	preimage[31] = 0x2a
	hash := hevm.W256(crypto.Keccak256Hash(preimage))

	top, ok := vm.StackAt(0).Bytes32()
	if !ok || hevm.W256(top) != hash {
		t.Errorf("expected the keccak hash on the stack")
	}

	stored, ok := vm.Env().Sha3Preimages[hash]
	if !ok || !bytes.Equal(stored, preimage) {
		t.Errorf("preimage not recorded")
	}
	if len(vm.KeccakEqs()) != 1 {
		t.Errorf("expected one keccak equality, got %d", len(vm.KeccakEqs()))
	}
}

func TestSha3_SymbolicBufferYieldsKeccakTerm(t *testing.T) {
	// Hash over memory with a symbolic word keeps the result symbolic.
	var p prog
	p.push(0).op(CALLDATALOAD)
	p.push(0).op(MSTORE)
	p.push(32).push(0).op(SHA3, STOP)

	vm := testVMWith(p, 1_000_000, func(opts *VMOpts) {
		opts.Calldata = expr.AbstractBuf("calldata")
	})
	wantSuccess(t, runToResult(t, vm))
	if vm.StackAt(0).IsLit() {
		t.Errorf("hash of a symbolic buffer must stay symbolic")
	}
	if len(vm.KeccakEqs()) != 0 {
		t.Errorf("no equality should be recorded for symbolic hashes")
	}
}

func TestCache_MergeIsUnionWithLastWriteWins(t *testing.T) {
	a := NewCache()
	b := NewCache()

	addr1 := hevm.Address{19: 1}
	addr2 := hevm.Address{19: 2}
	c1 := NewContract(RuntimeCode(expr.LitBytesSeq([]byte{1})))
	c2 := NewContract(RuntimeCode(expr.LitBytesSeq([]byte{2})))
	c3 := NewContract(RuntimeCode(expr.LitBytesSeq([]byte{3})))

	a.FetchedContracts[addr1] = c1
	b.FetchedContracts[addr1] = c2
	b.FetchedContracts[addr2] = c3

	a.FetchedStorage[hevm.W256FromUint64(1)] = map[hevm.W256]hevm.W256{
		hevm.W256FromUint64(0): hevm.W256FromUint64(10),
	}
	b.FetchedStorage[hevm.W256FromUint64(1)] = map[hevm.W256]hevm.W256{
		hevm.W256FromUint64(0): hevm.W256FromUint64(20),
		hevm.W256FromUint64(1): hevm.W256FromUint64(30),
	}

	loc := hevm.CodeLocation{Addr: addr1, Pc: 3}
	a.Path[pathKey{Loc: loc, Iter: 0}] = false
	b.Path[pathKey{Loc: loc, Iter: 0}] = true

	a.Merge(b)

	if a.FetchedContracts[addr1] != c2 {
		t.Errorf("later contract write must win")
	}
	if a.FetchedContracts[addr2] != c3 {
		t.Errorf("missing contract must be unioned in")
	}
	slots := a.FetchedStorage[hevm.W256FromUint64(1)]
	if slots[hevm.W256FromUint64(0)] != hevm.W256FromUint64(20) {
		t.Errorf("later slot write must win")
	}
	if slots[hevm.W256FromUint64(1)] != hevm.W256FromUint64(30) {
		t.Errorf("new slot must be unioned in")
	}
	if !a.Path[pathKey{Loc: loc, Iter: 0}] {
		t.Errorf("later path polarity must win")
	}
}

func TestExec_SurfacesUnresolvedChoice(t *testing.T) {
	ctrl := gomock.NewController(t)
	oracle := hevm.NewMockOracle(ctrl)
	oracle.EXPECT().AskSMT(gomock.Any(), gomock.Any()).Return(hevm.Unknown)

	var p prog
	p.push(0).op(CALLDATALOAD)
	p.push(byte(len(p) + 4)).op(JUMPI, STOP)
	p.op(JUMPDEST, STOP)

	vm := testVMWith(p, 1_000_000, func(opts *VMOpts) {
		opts.Calldata = expr.AbstractBuf("calldata")
	})
	if _, err := Exec(vm, oracle); err == nil {
		t.Fatalf("expected the unresolved choice to surface as an error")
	}
}
