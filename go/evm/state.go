// Package evm implements a symbolic-and-concrete interpreter for the
// Ethereum Virtual Machine. A VM executes one instruction per step,
// tracks gas and a call-frame stack, and suspends with a Query whenever
// it needs information it cannot resolve internally (a contract from
// RPC, a storage slot, an SMT branch verdict, an external process).
package evm

import (
	"github.com/holiman/uint256"

	"github.com/sbip-sg/hevm/go/expr"
	"github.com/sbip-sg/hevm/go/hevm"
)

const (
	maxStackSize = 1024 // Maximum size of the VM stack.
	maxCallDepth = 1024 // Maximum number of nested frames.
)

// stack is the operand stack of one frame. Position 0 of back is the
// top of the stack. Bounds are validated once per instruction during
// dispatch; the accessors themselves do not check.
type stack struct {
	data []expr.Word
}

func newStack() *stack {
	return &stack{data: make([]expr.Word, 0, 16)}
}

func (s *stack) len() int {
	return len(s.data)
}

func (s *stack) push(w expr.Word) {
	s.data = append(s.data, w)
}

func (s *stack) pop() expr.Word {
	w := s.data[len(s.data)-1]
	s.data = s.data[:len(s.data)-1]
	return w
}

// back returns the n-th element from the top without removing it;
// back(0) is the top of the stack.
func (s *stack) back(n int) expr.Word {
	return s.data[len(s.data)-n-1]
}

// dup duplicates the n-th element (1-indexed from the top).
func (s *stack) dup(n int) {
	s.push(s.data[len(s.data)-n])
}

// swap exchanges the top with the element n positions below it.
func (s *stack) swap(n int) {
	top := len(s.data) - 1
	s.data[top], s.data[top-n] = s.data[top-n], s.data[top]
}

func (s *stack) clone() *stack {
	data := make([]expr.Word, len(s.data))
	copy(data, s.data)
	return &stack{data: data}
}

// FrameState holds the registers of one activation.
type FrameState struct {
	Contract     hevm.Address // the account whose storage and balance are in scope
	CodeContract hevm.Address // the account whose code is executing
	Code         *Contract
	Pc           uint64
	Stack        *stack
	Memory       *expr.Buf
	MemorySize   uint64 // high-water mark, rounded up to 32
	Calldata     *expr.Buf
	Callvalue    expr.Word
	Caller       expr.Word
	Gas          Gas
	Returndata   *expr.Buf
	Static       bool
}

type frameKind uint8

const (
	frameCall frameKind = iota
	frameCreation
)

// Frame is a suspended caller activation together with the context
// needed to dispatch the callee's result and to revert on failure.
type Frame struct {
	kind  frameKind
	saved FrameState // caller state, stack already popped and adjusted

	// call context
	target    hevm.Address
	context   hevm.Address
	outOffset uint64
	outSize   uint64
	selector  *[4]byte
	data      *expr.Buf

	// creation context
	createe hevm.Address

	// reversion snapshot
	revContracts map[hevm.Address]*Contract
	revStorage   *expr.Store
	revSubstate  SubState
}

// storageKey identifies one storage slot for the EIP-2929 access sets.
type storageKey struct {
	Addr hevm.Address
	Slot hevm.W256
}

type refund struct {
	Addr   hevm.Address
	Amount Gas
}

// SubState is the per-transaction bookkeeping of EIP-161, EIP-2929 and
// EIP-3529.
type SubState struct {
	selfDestructs []hevm.Address
	touched       []hevm.Address
	accessedAddrs map[hevm.Address]struct{}
	accessedKeys  map[storageKey]struct{}
	refunds       []refund
}

func newSubState() SubState {
	return SubState{
		accessedAddrs: map[hevm.Address]struct{}{},
		accessedKeys:  map[storageKey]struct{}{},
	}
}

func (s SubState) clone() SubState {
	cp := SubState{
		selfDestructs: append([]hevm.Address(nil), s.selfDestructs...),
		touched:       append([]hevm.Address(nil), s.touched...),
		refunds:       append([]refund(nil), s.refunds...),
		accessedAddrs: make(map[hevm.Address]struct{}, len(s.accessedAddrs)),
		accessedKeys:  make(map[storageKey]struct{}, len(s.accessedKeys)),
	}
	for a := range s.accessedAddrs {
		cp.accessedAddrs[a] = struct{}{}
	}
	for k := range s.accessedKeys {
		cp.accessedKeys[k] = struct{}{}
	}
	return cp
}

// accessAddress adds the address to the warm set and reports whether it
// was already warm.
func (s *SubState) accessAddress(a hevm.Address) bool {
	if _, warm := s.accessedAddrs[a]; warm {
		return true
	}
	s.accessedAddrs[a] = struct{}{}
	return false
}

// accessSlot adds the storage key to the warm set and reports whether
// it was already warm.
func (s *SubState) accessSlot(a hevm.Address, slot hevm.W256) bool {
	k := storageKey{a, slot}
	if _, warm := s.accessedKeys[k]; warm {
		return true
	}
	s.accessedKeys[k] = struct{}{}
	return false
}

func (s *SubState) touch(a hevm.Address) {
	for _, t := range s.touched {
		if t == a {
			return
		}
	}
	s.touched = append(s.touched, a)
}

func (s *SubState) refundTotal() Gas {
	total := Gas(0)
	for _, r := range s.refunds {
		total += r.Amount
	}
	return total
}

// Env is the world state of the transaction.
type Env struct {
	Contracts     map[hevm.Address]*Contract
	ChainID       expr.Word
	Storage       *expr.Store
	OrigStorage   map[hevm.Address]map[hevm.W256]hevm.W256
	Sha3Preimages map[hevm.W256][]byte
}

// snapshotContracts clones the contract map for reversion.
func snapshotContracts(contracts map[hevm.Address]*Contract) map[hevm.Address]*Contract {
	cp := make(map[hevm.Address]*Contract, len(contracts))
	for a, c := range contracts {
		cp[a] = c.clone()
	}
	return cp
}

// Block carries the header fields visible to the execution.
type Block struct {
	Coinbase   hevm.Address
	Timestamp  expr.Word
	Number     *uint256.Int
	PrevRandao hevm.W256
	GasLimit   Gas
	BaseFee    *uint256.Int
	Schedule   FeeSchedule
}

// TxState carries the transaction-level fields and the substate.
type TxState struct {
	GasPrice    *uint256.Int
	GasLimit    Gas
	PriorityFee *uint256.Int
	Origin      hevm.Address
	ToAddr      hevm.Address
	Value       expr.Word
	Substate         SubState
	IsCreate         bool
	TxReversion      map[hevm.Address]*Contract
	StorageReversion *expr.Store
}

type pathKey struct {
	Loc  hevm.CodeLocation
	Iter int
}

// Cache holds data that outlives speculative exploration paths: RPC
// fetch results and the record of taken branch polarities.
type Cache struct {
	FetchedContracts map[hevm.Address]*Contract
	FetchedStorage   map[hevm.W256]map[hevm.W256]hevm.W256
	Path             map[pathKey]bool
}

func NewCache() *Cache {
	return &Cache{
		FetchedContracts: map[hevm.Address]*Contract{},
		FetchedStorage:   map[hevm.W256]map[hevm.W256]hevm.W256{},
		Path:             map[pathKey]bool{},
	}
}

// Merge unions the other cache into this one, later writes winning on
// conflicts. Merging is commutative up to the last-write-wins rule.
func (c *Cache) Merge(other *Cache) {
	for a, contract := range other.FetchedContracts {
		c.FetchedContracts[a] = contract
	}
	for a, slots := range other.FetchedStorage {
		dst, ok := c.FetchedStorage[a]
		if !ok {
			dst = make(map[hevm.W256]hevm.W256, len(slots))
			c.FetchedStorage[a] = dst
		}
		for k, v := range slots {
			dst[k] = v
		}
	}
	for k, v := range other.Path {
		c.Path[k] = v
	}
}

// LogEntry is one emitted LOG record.
type LogEntry struct {
	Addr   hevm.Address
	Data   *expr.Buf
	Topics []expr.Word
}

type resultKind uint8

const (
	resultSuccess resultKind = iota
	resultFailure
	resultQuery
	resultChoose
)

type runResult struct {
	kind   resultKind
	output *expr.Buf
	err    error
	query  hevm.Query
	choose *hevm.PleaseChoosePath
}

// StorageBase selects how unknown storage slots of non-external
// contracts read: as concrete zeros or as abstract values.
type StorageBase int

const (
	ConcreteStorage StorageBase = iota
	SymbolicStorage
)

// VMOpts is the starting machine configuration.
type VMOpts struct {
	Contract       *Contract
	Address        hevm.Address
	Caller         hevm.Address
	Origin         hevm.Address
	Calldata       *expr.Buf
	CalldataProps  []expr.Prop
	StorageBase    StorageBase
	Value          expr.Word
	Gas            Gas
	GasLimit       Gas
	GasPrice       *uint256.Int
	PriorityFee    *uint256.Int
	BaseFee        *uint256.Int
	Coinbase       hevm.Address
	Number         *uint256.Int
	Timestamp      expr.Word
	PrevRandao     hevm.W256
	BlockGasLimit  Gas
	ChainID        expr.Word
	IsCreate       bool
	TxAccessList   map[hevm.Address][]hevm.W256
	AllowFFI       bool
	Schedule       *FeeSchedule
}

// VM is the whole machine. A nil result means the machine is runnable;
// a set result is either final or a suspension the driver must answer.
type VM struct {
	result     *runResult
	state      FrameState
	frames     []*Frame
	env        Env
	block      Block
	tx         TxState
	logs       []LogEntry
	traces     *Traces
	cache      *Cache
	burned     Gas
	iterations map[hevm.CodeLocation]int
	constraints []expr.Prop
	keccakEqs  []expr.Prop
	allowFFI   bool
	pending    pendingOp
	pcMoved    bool
}

// NewVM builds a VM from the starting configuration, per the rules of
// transaction initialisation: the sender, target, precompiles and the
// access list start warm, and the transaction reversion snapshot is
// taken before the first step.
func NewVM(opts VMOpts) *VM {
	schedule := DefaultSchedule
	if opts.Schedule != nil {
		schedule = *opts.Schedule
	}

	substate := newSubState()
	substate.accessAddress(opts.Origin)
	substate.accessAddress(opts.Address)
	for i := byte(1); i <= 9; i++ {
		substate.accessAddress(hevm.Address{19: i})
	}
	for addr, slots := range opts.TxAccessList {
		substate.accessAddress(addr)
		for _, slot := range slots {
			substate.accessSlot(addr, slot)
		}
	}

	contracts := map[hevm.Address]*Contract{opts.Address: opts.Contract}

	var storage *expr.Store
	if opts.StorageBase == SymbolicStorage {
		storage = expr.AbstractStore("storage")
	} else {
		storage = expr.ConcreteStore()
	}

	vm := &VM{
		state: FrameState{
			Contract:     opts.Address,
			CodeContract: opts.Address,
			Code:         opts.Contract,
			Stack:        newStack(),
			Memory:       expr.EmptyBuf(),
			Calldata:     opts.Calldata,
			Callvalue:    opts.Value,
			Caller:       wordOfAddress(opts.Caller),
			Gas:          opts.Gas,
			Returndata:   expr.EmptyBuf(),
		},
		env: Env{
			Contracts:     contracts,
			ChainID:       opts.ChainID,
			Storage:       storage,
			OrigStorage:   map[hevm.Address]map[hevm.W256]hevm.W256{},
			Sha3Preimages: map[hevm.W256][]byte{},
		},
		block: Block{
			Coinbase:   opts.Coinbase,
			Timestamp:  opts.Timestamp,
			Number:     defaultU256(opts.Number),
			PrevRandao: opts.PrevRandao,
			GasLimit:   opts.BlockGasLimit,
			BaseFee:    defaultU256(opts.BaseFee),
			Schedule:   schedule,
		},
		tx: TxState{
			GasPrice:    defaultU256(opts.GasPrice),
			GasLimit:    opts.GasLimit,
			PriorityFee: defaultU256(opts.PriorityFee),
			Origin:      opts.Origin,
			ToAddr:      opts.Address,
			Value:       opts.Value,
			Substate:         substate,
			IsCreate:         opts.IsCreate,
			TxReversion:      snapshotContracts(contracts),
			StorageReversion: storage,
		},
		traces:      newTraces(),
		cache:       NewCache(),
		iterations:  map[hevm.CodeLocation]int{},
		constraints: append([]expr.Prop(nil), opts.CalldataProps...),
		allowFFI:    opts.AllowFFI,
	}
	return vm
}

func defaultU256(v *uint256.Int) *uint256.Int {
	if v == nil {
		return uint256.NewInt(0)
	}
	return v
}

func wordOfAddress(a hevm.Address) expr.Word {
	return expr.LitBytes(a[:])
}

// Result returns the final outcome, if the machine has reached one.
// Suspensions are not final; use Query and Choice for those.
func (vm *VM) Result() (hevm.VMResult, bool) {
	if vm.result == nil {
		return nil, false
	}
	switch vm.result.kind {
	case resultSuccess:
		return hevm.Success{Output: vm.result.output}, true
	case resultFailure:
		return hevm.Failure{Err: vm.result.err}, true
	default:
		return nil, false
	}
}

// Query returns the pending query, if the machine is suspended on one.
func (vm *VM) Query() (hevm.Query, bool) {
	if vm.result == nil || vm.result.kind != resultQuery {
		return nil, false
	}
	return vm.result.query, true
}

// Choice returns the pending path choice, if the machine is suspended
// on one.
func (vm *VM) Choice() (*hevm.PleaseChoosePath, bool) {
	if vm.result == nil || vm.result.kind != resultChoose {
		return nil, false
	}
	return vm.result.choose, true
}

// Accessors used by drivers and tests.

func (vm *VM) Env() *Env                      { return &vm.env }
func (vm *VM) Block() *Block                  { return &vm.block }
func (vm *VM) Tx() *TxState                   { return &vm.tx }
func (vm *VM) Logs() []LogEntry               { return vm.logs }
func (vm *VM) Traces() *Traces                { return vm.traces }
func (vm *VM) Cache() *Cache                  { return vm.cache }
func (vm *VM) Burned() Gas                    { return vm.burned }
func (vm *VM) GasRemaining() Gas              { return vm.state.Gas }
func (vm *VM) Constraints() []expr.Prop       { return vm.constraints }
func (vm *VM) KeccakEqs() []expr.Prop         { return vm.keccakEqs }
func (vm *VM) Frames() int                    { return len(vm.frames) }
func (vm *VM) Pc() uint64                     { return vm.state.Pc }
func (vm *VM) MemorySize() uint64             { return vm.state.MemorySize }

// StackSize returns the operand stack depth of the active frame.
func (vm *VM) StackSize() int { return vm.state.Stack.len() }

// StackAt returns the n-th stack element from the top.
func (vm *VM) StackAt(n int) expr.Word { return vm.state.Stack.back(n) }

// currentContract returns the account whose storage and balance the
// active frame operates on.
func (vm *VM) currentContract() *Contract {
	return vm.env.Contracts[vm.state.Contract]
}

// loc returns the code location of the active frame.
func (vm *VM) loc() hevm.CodeLocation {
	return hevm.CodeLocation{Addr: vm.state.Contract, Pc: vm.state.Pc}
}
