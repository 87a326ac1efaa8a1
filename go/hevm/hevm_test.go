package hevm

import (
	"errors"
	"testing"

	"github.com/sbip-sg/hevm/go/expr"
)

func TestAddress_WordRoundTrip(t *testing.T) {
	a := Address{0: 0xde, 19: 0xad}
	if got := AddressFromWord(a.Word()); got != a {
		t.Errorf("round trip lost the address: %v", got)
	}
}

func TestW256_Uint256RoundTrip(t *testing.T) {
	w := W256FromUint64(123456)
	if got := W256FromUint256(w.Uint256()); got != w {
		t.Errorf("round trip lost the word")
	}
	if w.IsZero() {
		t.Errorf("nonzero word reported zero")
	}
	if !(W256{}).IsZero() {
		t.Errorf("zero word must report zero")
	}
}

func TestConstError_IsComparable(t *testing.T) {
	var err error = ErrStackUnderrun
	if !errors.Is(err, ErrStackUnderrun) {
		t.Errorf("sentinel comparison failed")
	}
	if errors.Is(err, ErrStackLimitExceeded) {
		t.Errorf("distinct sentinels must differ")
	}
}

func TestErrors_Formatting(t *testing.T) {
	tests := map[string]struct {
		err  error
		want string
	}{
		"out of gas":    {OutOfGas{Have: 1, Need: 2}, "out of gas: have 1, need 2"},
		"unrecognized":  {UnrecognizedOpcode{Op: 0x21}, "unrecognized opcode 0x21"},
		"max code size": {MaxCodeSizeExceeded{Limit: 10, Got: 11}, "max code size exceeded: limit 10, got 11"},
		"revert":        {Revert{Output: expr.EmptyBuf()}, "revert"},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			if got := test.err.Error(); got != test.want {
				t.Errorf("got %q, want %q", got, test.want)
			}
		})
	}
}

func TestBranchResult_String(t *testing.T) {
	tests := map[BranchResult]string{
		CaseFalse:    "false",
		CaseTrue:     "true",
		Unknown:      "unknown",
		Inconsistent: "inconsistent",
	}
	for res, want := range tests {
		if got := res.String(); got != want {
			t.Errorf("%d: got %q, want %q", int(res), got, want)
		}
	}
}

func TestZeroOracle(t *testing.T) {
	var o Oracle = ZeroOracle{}
	info, err := o.FetchContract(Address{})
	if err != nil || len(info.Code) != 0 {
		t.Errorf("zero oracle returns empty accounts")
	}
	slot, err := o.FetchSlot(Address{}, W256{})
	if err != nil || !slot.IsZero() {
		t.Errorf("zero oracle returns zero slots")
	}
	if got := o.AskSMT(expr.Var("x"), nil); got != Inconsistent {
		t.Errorf("zero oracle kills undecided branches, got %v", got)
	}
	if _, err := o.RunFFI([]string{"true"}); err == nil {
		t.Errorf("zero oracle refuses ffi")
	}
}
