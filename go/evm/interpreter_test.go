package evm

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/sbip-sg/hevm/go/expr"
	"github.com/sbip-sg/hevm/go/hevm"
)

func createAddressOf(sender hevm.Address, nonce uint64) hevm.Address {
	return hevm.Address(crypto.CreateAddress(addrToGeth(sender), nonce))
}

var (
	testAddress = hevm.Address{18: 0xaa, 19: 0xaa}
	testCaller  = hevm.Address{18: 0x13, 19: 0x37}
)

// prog is a tiny assembler for test bytecode.
type prog []byte

func (p *prog) op(ops ...OpCode) *prog {
	for _, o := range ops {
		*p = append(*p, byte(o))
	}
	return p
}

func (p *prog) push(data ...byte) *prog {
	*p = append(*p, byte(PUSH1)+byte(len(data)-1))
	*p = append(*p, data...)
	return p
}

func (p *prog) pushWord(w [32]byte) *prog {
	return p.push(w[:]...)
}

func (p *prog) pushAddr(a hevm.Address) *prog {
	return p.push(a[:]...)
}

func testVM(code []byte, gas Gas) *VM {
	return testVMWith(code, gas, func(*VMOpts) {})
}

func testVMWith(code []byte, gas Gas, tweak func(*VMOpts)) *VM {
	opts := VMOpts{
		Contract:      NewContract(RuntimeCode(expr.LitBytesSeq(code))),
		Address:       testAddress,
		Caller:        testCaller,
		Origin:        testCaller,
		Calldata:      expr.EmptyBuf(),
		Gas:           gas,
		GasLimit:      gas,
		BlockGasLimit: 30_000_000,
		Number:        uint256.NewInt(1),
		Timestamp:     expr.Lit64(1),
		ChainID:       expr.Lit64(1),
		GasPrice:      uint256.NewInt(1),
		PriorityFee:   uint256.NewInt(1),
	}
	tweak(&opts)
	return NewVM(opts)
}

func runToResult(t *testing.T, vm *VM) hevm.VMResult {
	t.Helper()
	vm.Run()
	res, ok := vm.Result()
	if !ok {
		if q, isQuery := vm.Query(); isQuery {
			t.Fatalf("execution suspended unexpectedly on %v", q)
		}
		t.Fatalf("execution did not finish")
	}
	return res
}

func wantSuccess(t *testing.T, res hevm.VMResult) *expr.Buf {
	t.Helper()
	s, ok := res.(hevm.Success)
	if !ok {
		t.Fatalf("expected success, got %v", res)
	}
	return s.Output
}

func wantFailure(t *testing.T, res hevm.VMResult) error {
	t.Helper()
	f, ok := res.(hevm.Failure)
	if !ok {
		t.Fatalf("expected failure, got %v", res)
	}
	return f.Err
}

func stackTop(t *testing.T, vm *VM) uint64 {
	t.Helper()
	if vm.StackSize() == 0 {
		t.Fatalf("stack is empty")
	}
	v, ok := vm.StackAt(0).Uint64()
	if !ok {
		t.Fatalf("stack top is not a small literal: %v", vm.StackAt(0))
	}
	return v
}

func TestRun_AddProgram(t *testing.T) {
	// S1: PUSH1 1, PUSH1 1, ADD runs to the end of the code.
	vm := testVM([]byte{0x60, 0x01, 0x60, 0x01, 0x01}, 1_000_000)
	res := runToResult(t, vm)
	wantSuccess(t, res)

	if got := stackTop(t, vm); got != 2 {
		t.Errorf("expected 2 on the stack, got %d", got)
	}
	if vm.Burned() != 9 {
		t.Errorf("expected 9 gas burned, got %d", vm.Burned())
	}
	if vm.Pc() != 5 {
		t.Errorf("expected pc 5, got %d", vm.Pc())
	}
}

func TestRun_MstoreReturn(t *testing.T) {
	// S2: mstore 42 at offset 0 and return the word.
	vm := testVM([]byte{0x60, 0x2a, 0x60, 0x00, 0x52, 0x60, 0x20, 0x60, 0x00, 0xf3}, 1_000_000)
	output := wantSuccess(t, runToResult(t, vm))

	data, ok := expr.ToBytes(output)
	if !ok {
		t.Fatalf("expected concrete output")
	}
	if len(data) != 32 {
		t.Fatalf("expected 32 bytes, got %d", len(data))
	}
	if v := new(uint256.Int).SetBytes(data); !v.Eq(uint256.NewInt(42)) {
		t.Errorf("expected 42, got %v", v)
	}
	if vm.MemorySize() != 32 {
		t.Errorf("expected memory size 32, got %d", vm.MemorySize())
	}
}

func TestRun_OutOfGasOnJumpdest(t *testing.T) {
	// S3: a JUMPDEST costs 1, starting with 0 gas fails.
	vm := testVM([]byte{0x5b}, 0)
	err := wantFailure(t, runToResult(t, vm))

	var oog hevm.OutOfGas
	if !errors.As(err, &oog) {
		t.Fatalf("expected out of gas, got %v", err)
	}
	if oog.Have != 0 || oog.Need != 1 {
		t.Errorf("expected (0, 1), got (%d, %d)", oog.Have, oog.Need)
	}
}

func TestRun_StopWithZeroGasSucceeds(t *testing.T) {
	vm := testVM([]byte{0x00}, 0)
	wantSuccess(t, runToResult(t, vm))
}

func TestRun_BadJumpDestination(t *testing.T) {
	// S4: jumping onto a STOP byte is invalid.
	vm := testVM([]byte{0x60, 0x05, 0x56, 0x5b, 0x00, 0x00}, 1_000_000)
	err := wantFailure(t, runToResult(t, vm))
	if !errors.Is(err, hevm.ErrBadJumpDestination) {
		t.Errorf("expected bad jump destination, got %v", err)
	}
}

func TestRun_JumpIntoPushDataIsInvalid(t *testing.T) {
	// The destination byte is 0x5b but lives inside push data.
	var p prog
	p.push(4).op(JUMP)       // jump to offset 4
	p.push(0x5b)             // 0x5b at offset 4 is data of this push
	p.op(JUMPDEST, STOP)     // a real JUMPDEST later
	vm := testVM(p, 1_000_000)
	err := wantFailure(t, runToResult(t, vm))
	if !errors.Is(err, hevm.ErrBadJumpDestination) {
		t.Errorf("expected bad jump destination, got %v", err)
	}
}

func TestRun_ValidJump(t *testing.T) {
	var p prog
	p.push(4).op(JUMP, INVALID, JUMPDEST).push(1).op(POP, STOP)
	vm := testVM(p, 1_000_000)
	wantSuccess(t, runToResult(t, vm))
}

func TestRun_StackUnderrun(t *testing.T) {
	vm := testVM([]byte{byte(ADD)}, 1_000_000)
	err := wantFailure(t, runToResult(t, vm))
	if !errors.Is(err, hevm.ErrStackUnderrun) {
		t.Errorf("expected stack underrun, got %v", err)
	}
	// The depth check must fire before any mutation.
	if vm.StackSize() != 0 {
		t.Errorf("stack mutated by a failing opcode")
	}
}

func TestRun_StackLimit(t *testing.T) {
	// Push one value beyond the 1024-element limit.
	var p prog
	for i := 0; i < maxStackSize+1; i++ {
		p.push(1)
	}
	vm := testVM(p, 10_000_000)
	err := wantFailure(t, runToResult(t, vm))
	if !errors.Is(err, hevm.ErrStackLimitExceeded) {
		t.Errorf("expected stack limit exceeded, got %v", err)
	}
}

func TestRun_UnrecognizedOpcode(t *testing.T) {
	vm := testVM([]byte{0x21}, 1_000_000)
	err := wantFailure(t, runToResult(t, vm))
	var unrecognized hevm.UnrecognizedOpcode
	if !errors.As(err, &unrecognized) {
		t.Fatalf("expected unrecognized opcode, got %v", err)
	}
	if unrecognized.Op != 0x21 {
		t.Errorf("expected opcode 0x21, got 0x%02x", unrecognized.Op)
	}
}

func TestRun_StaticCallBlocksStorageWrite(t *testing.T) {
	// S5: a STATICCALL into a callee running SSTORE pushes 0 and leaves
	// storage untouched.
	calleeAddr := hevm.Address{19: 0xbb}
	var callee prog
	callee.push(1).push(0).op(SSTORE)

	var caller prog
	caller.push(0).push(0).push(0).push(0) // outSize outOff inSize inOff
	caller.pushAddr(calleeAddr)
	caller.push(0xff, 0xff)
	caller.op(STATICCALL, STOP)

	vm := testVM(caller, 1_000_000)
	vm.Env().Contracts[calleeAddr] = NewContract(RuntimeCode(expr.LitBytesSeq(callee)))

	wantSuccess(t, runToResult(t, vm))
	if got := stackTop(t, vm); got != 0 {
		t.Errorf("expected 0 from the static call, got %d", got)
	}
	if _, ok := expr.ReadStorage(wordOfAddress(calleeAddr), expr.Lit64(0), vm.Env().Storage); ok {
		t.Errorf("storage must not be mutated by a static callee")
	}
}

func TestRun_CreateCollision(t *testing.T) {
	// S6: creating at an address that already has a nonzero nonce
	// pushes 0, burns the forwarded gas and still bumps the nonce.
	collision := hevm.Address(createAddressOf(testAddress, 0))
	var p prog
	p.push(0).push(0).push(0).op(CREATE, STOP)

	vm := testVM(p, 1_000_000)
	blocker := NewContract(RuntimeCode(nil))
	blocker.Nonce = 1
	vm.Env().Contracts[collision] = blocker

	wantSuccess(t, runToResult(t, vm))
	if got := stackTop(t, vm); got != 0 {
		t.Errorf("expected 0 from the colliding create, got %d", got)
	}
	if nonce := vm.Env().Contracts[testAddress].Nonce; nonce != 1 {
		t.Errorf("expected creator nonce 1, got %d", nonce)
	}
	// Everything forwarded to the init frame is gone: beyond the fixed
	// g_create and the program overhead, the caller keeps only the 1/64
	// it held back.
	remaining := vm.GasRemaining()
	expectedOverhead := Gas(3*3 + 32000) // three pushes and g_create
	leftIfNotBurned := 1_000_000 - expectedOverhead
	if remaining >= leftIfNotBurned/2 {
		t.Errorf("collision did not burn the forwarded gas: %d remaining", remaining)
	}
}

func TestRun_Selfdestruct(t *testing.T) {
	// S7: the balance moves to the recipient and the account is swept.
	recipient := hevm.Address{19: 0xcc}
	var p prog
	p.pushAddr(recipient)
	p.op(SELFDESTRUCT)

	vm := testVMWith(p, 1_000_000, func(opts *VMOpts) {
		opts.Contract.Balance = uint256.NewInt(100)
	})
	// The recipient is not in the working set, so the run asks for it;
	// the zero oracle answers with an empty account.
	res, err := Exec(vm, hevm.ZeroOracle{})
	if err != nil {
		t.Fatalf("execution failed: %v", err)
	}
	wantSuccess(t, res)

	if got := vm.Env().Contracts[recipient].Balance; !got.Eq(uint256.NewInt(100)) {
		t.Errorf("expected recipient balance 100, got %v", got)
	}
	if _, ok := vm.Env().Contracts[testAddress]; ok {
		t.Errorf("selfdestructed account should be swept at finalisation")
	}
}

func TestRun_GasAccountingInvariant(t *testing.T) {
	// burned + remaining equals the transaction gas limit throughout.
	tests := map[string][]byte{
		"arithmetic": {0x60, 0x01, 0x60, 0x02, 0x01, 0x00},
		"memory":     {0x60, 0x2a, 0x61, 0x01, 0x00, 0x52, 0x00},
		"sha3":       {0x60, 0x20, 0x60, 0x00, 0x20, 0x00},
	}
	for name, code := range tests {
		t.Run(name, func(t *testing.T) {
			const limit = 100_000
			vm := testVM(code, limit)
			for {
				vm.Step()
				if vm.Frames() == 0 {
					if total := vm.Burned() + vm.GasRemaining(); total != limit {
						t.Fatalf("gas leak: burned %d + remaining %d != %d",
							vm.Burned(), vm.GasRemaining(), limit)
					}
				}
				if _, done := vm.Result(); done {
					break
				}
			}
		})
	}
}

func TestRun_MemorySizeStaysWordAligned(t *testing.T) {
	// Writing a single byte at an unaligned offset rounds the memory
	// size up to the next word.
	var p prog
	p.push(0xff).push(33).op(MSTORE8, STOP)
	vm := testVM(p, 1_000_000)
	wantSuccess(t, runToResult(t, vm))
	if vm.MemorySize() != 64 {
		t.Errorf("expected memory size 64, got %d", vm.MemorySize())
	}
	if vm.MemorySize()%32 != 0 {
		t.Errorf("memory size must be word aligned")
	}
}

func TestRun_RevertPreservesGasAndBuffer(t *testing.T) {
	// REVERT at the top level yields a failure carrying the buffer and
	// keeps the remaining gas.
	var p prog
	p.push(0x2a).push(0).op(MSTORE).push(32).push(0).op(REVERT)
	vm := testVM(p, 1_000_000)
	err := wantFailure(t, runToResult(t, vm))

	var revert hevm.Revert
	if !errors.As(err, &revert) {
		t.Fatalf("expected revert, got %v", err)
	}
	data, ok := expr.ToBytes(revert.Output)
	if !ok || len(data) != 32 || !bytes.Equal(data[31:], []byte{0x2a}) {
		t.Errorf("unexpected revert buffer: %x", data)
	}
	if vm.GasRemaining() == 0 {
		t.Errorf("revert must preserve the remaining gas")
	}
}

func TestRun_ImplicitStopAtCodeEnd(t *testing.T) {
	vm := testVM([]byte{0x60, 0x01}, 1_000_000)
	wantSuccess(t, runToResult(t, vm))
	if got := stackTop(t, vm); got != 1 {
		t.Errorf("expected 1 on the stack, got %d", got)
	}
}

func TestRun_PushTruncatedByCodeEndReadsZeros(t *testing.T) {
	// PUSH2 with only one data byte present pads with zero on the right.
	vm := testVM([]byte{0x61, 0xab}, 1_000_000)
	wantSuccess(t, runToResult(t, vm))
	if got := stackTop(t, vm); got != 0xab00 {
		t.Errorf("expected 0xab00, got 0x%x", got)
	}
}
