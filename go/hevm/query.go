package hevm

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/sbip-sg/hevm/go/expr"
)

//go:generate mockgen -source query.go -destination oracle_mock.go -package hevm

// A Query is a request for information the interpreter cannot resolve
// internally. When one is emitted the VM suspends; the driver answers it
// through the matching Resume method and steps the VM again.
type Query interface {
	isQuery()
	fmt.Stringer
}

// PleaseFetchContract asks the driver to look up the account at the
// given address, typically through an RPC endpoint.
type PleaseFetchContract struct {
	Addr Address
}

// PleaseFetchSlot asks the driver for the value of a concrete storage
// slot of a concrete address.
type PleaseFetchSlot struct {
	Addr Address
	Slot W256
}

// PleaseAskSMT asks the driver whether the branch condition is
// satisfiable under the accumulated path conditions.
type PleaseAskSMT struct {
	Cond       expr.Word
	Conditions []expr.Prop
}

// PleaseDoFFI asks the driver to run an external process and return its
// standard output.
type PleaseDoFFI struct {
	Argv []string
}

func (PleaseFetchContract) isQuery() {}
func (PleaseFetchSlot) isQuery()     {}
func (PleaseAskSMT) isQuery()        {}
func (PleaseDoFFI) isQuery()         {}

func (q PleaseFetchContract) String() string {
	return fmt.Sprintf("fetch contract %v", q.Addr)
}

func (q PleaseFetchSlot) String() string {
	return fmt.Sprintf("fetch slot %v of %v", q.Slot, q.Addr)
}

func (q PleaseAskSMT) String() string {
	return fmt.Sprintf("ask smt %v under %d conditions", q.Cond, len(q.Conditions))
}

func (q PleaseDoFFI) String() string {
	return fmt.Sprintf("ffi %v", q.Argv)
}

// PleaseChoosePath is the Choose variant: the SMT solver could not
// decide the branch condition and a user has to pick a direction.
type PleaseChoosePath struct {
	Loc  CodeLocation
	Cond expr.Word
}

func (c PleaseChoosePath) String() string {
	return fmt.Sprintf("choose path at %v", c.Loc)
}

// BranchResult is the verdict of an SMT branch query.
type BranchResult int

const (
	CaseFalse    BranchResult = iota // only the false branch is feasible
	CaseTrue                         // only the true branch is feasible
	Unknown                          // both may be feasible, solver gave up
	Inconsistent                     // the path conditions are unsatisfiable
)

func (r BranchResult) String() string {
	switch r {
	case CaseFalse:
		return "false"
	case CaseTrue:
		return "true"
	case Unknown:
		return "unknown"
	case Inconsistent:
		return "inconsistent"
	default:
		return fmt.Sprintf("BranchResult(%d)", int(r))
	}
}

// AccountInfo is the raw account state delivered in answer to a
// PleaseFetchContract query.
type AccountInfo struct {
	Code    []byte
	Nonce   uint64
	Balance *uint256.Int
}

// An Oracle resolves the queries a VM emits while running. Drivers plug
// in RPC clients, SMT solvers and process runners; tests plug in mocks.
type Oracle interface {
	// FetchContract returns the account state at the given address.
	FetchContract(addr Address) (AccountInfo, error)

	// FetchSlot returns the value of a concrete storage slot.
	FetchSlot(addr Address, slot W256) (W256, error)

	// AskSMT decides a branch condition under the given path conditions.
	AskSMT(cond expr.Word, conditions []expr.Prop) BranchResult

	// RunFFI executes the given command line and returns its stdout.
	RunFFI(argv []string) ([]byte, error)
}

// ZeroOracle answers fetches with empty accounts and zero slots and
// resolves every undecided branch as infeasible. It is sufficient for
// fully concrete executions, which never ask.
type ZeroOracle struct{}

func (ZeroOracle) FetchContract(Address) (AccountInfo, error) {
	return AccountInfo{Balance: uint256.NewInt(0)}, nil
}

func (ZeroOracle) FetchSlot(Address, W256) (W256, error) {
	return W256{}, nil
}

func (ZeroOracle) AskSMT(expr.Word, []expr.Prop) BranchResult {
	return Inconsistent
}

func (ZeroOracle) RunFFI([]string) ([]byte, error) {
	return nil, ConstError("ffi not available")
}
