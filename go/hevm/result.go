package hevm

import (
	"fmt"

	"github.com/sbip-sg/hevm/go/expr"
)

// VMResult is the final outcome of a transaction-level execution.
type VMResult interface {
	isResult()
	fmt.Stringer
}

// Success carries the return buffer of a completed execution.
type Success struct {
	Output *expr.Buf
}

// Failure carries the error that terminated the execution. A Revert
// error holds the revert buffer.
type Failure struct {
	Err error
}

func (Success) isResult() {}
func (Failure) isResult() {}

func (r Success) String() string {
	if data, ok := expr.ToBytes(r.Output); ok {
		return fmt.Sprintf("success: 0x%x", data)
	}
	return "success: <symbolic output>"
}

func (r Failure) String() string {
	return fmt.Sprintf("failure: %v", r.Err)
}
