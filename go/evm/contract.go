package evm

import (
	"github.com/ethereum/go-ethereum/crypto"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/holiman/uint256"

	"github.com/sbip-sg/hevm/go/expr"
	"github.com/sbip-sg/hevm/go/hevm"
)

type codeKind uint8

const (
	codeRuntime codeKind = iota
	codeInit
)

// ContractCode is the code of a contract: either deployed runtime code,
// or init code consisting of a concrete prefix and a symbolic data tail
// appended by the creator.
type ContractCode struct {
	kind       codeKind
	runtime    []expr.Byte
	initPrefix []byte
	initTail   *expr.Buf
}

// RuntimeCode wraps a byte sequence as deployed code.
func RuntimeCode(bs []expr.Byte) ContractCode {
	return ContractCode{kind: codeRuntime, runtime: bs}
}

// InitCode builds creation code from a concrete prefix and a symbolic
// tail. A nil tail denotes fully concrete init code.
func InitCode(prefix []byte, tail *expr.Buf) ContractCode {
	return ContractCode{kind: codeInit, initPrefix: prefix, initTail: tail}
}

// IsInit reports whether the code is creation code.
func (c ContractCode) IsInit() bool {
	return c.kind == codeInit
}

// executable returns the byte region instructions are decoded from: the
// runtime bytes, or the concrete prefix of init code. The tail of init
// code is data, never executed.
func (c ContractCode) executable() []expr.Byte {
	if c.kind == codeInit {
		return expr.LitBytesSeq(c.initPrefix)
	}
	return c.runtime
}

// Buffer returns the full code as a buffer, for CODESIZE and CODECOPY.
func (c ContractCode) Buffer() *expr.Buf {
	if c.kind == codeInit {
		prefix := expr.ConcreteBuf(c.initPrefix)
		if c.initTail == nil {
			return prefix
		}
		return expr.CopySlice(expr.Lit64(0), expr.Lit64(uint64(len(c.initPrefix))),
			expr.BufLength(c.initTail), c.initTail, prefix)
	}
	return expr.FromList(c.runtime)
}

// Length returns the byte length of the code as a word; symbolic init
// tails yield a symbolic length.
func (c ContractCode) Length() expr.Word {
	if c.kind == codeInit && c.initTail != nil {
		return expr.Add(expr.Lit64(uint64(len(c.initPrefix))), expr.BufLength(c.initTail))
	}
	if c.kind == codeInit {
		return expr.Lit64(uint64(len(c.initPrefix)))
	}
	return expr.Lit64(uint64(len(c.runtime)))
}

// hash derives the code hash. Symbolic bytes hash as zero placeholders;
// external code is always concrete so this only affects synthetic tests.
func (c ContractCode) hash() hevm.Hash {
	var input []byte
	if c.kind == codeInit {
		input = c.initPrefix
	} else {
		input = make([]byte, len(c.runtime))
		for i, b := range c.runtime {
			v, _ := b.Concrete()
			input[i] = v
		}
	}
	return hevm.Hash(crypto.Keccak256Hash(input))
}

// op is one decoded instruction.
type op struct {
	offset uint64
	code   OpCode
	known  bool // false if the opcode byte itself is symbolic
}

// codeOps is the disassembled view of one code object: the decoded op
// list and the byte-position-to-op-index map used for jump validation.
type codeOps struct {
	ops  []op
	opIx []int32 // -1 marks push data and symbolic positions
}

// disassembleBytes decodes the executable region.
func disassembleBytes(code []expr.Byte) *codeOps {
	d := &codeOps{opIx: make([]int32, len(code))}
	for i := range d.opIx {
		d.opIx[i] = -1
	}
	for pos := 0; pos < len(code); {
		b, known := code[pos].Concrete()
		o := op{offset: uint64(pos), code: OpCode(b), known: known}
		d.opIx[pos] = int32(len(d.ops))
		d.ops = append(d.ops, o)
		if known {
			pos += int(opSize(OpCode(b)))
		} else {
			pos++
		}
	}
	return d
}

// The disassembly cache is shared across VMs; identical code is decoded
// once per code hash.
var codeOpsCache, _ = lru.New[hevm.Hash, *codeOps](4096)

func disassemble(code ContractCode, codehash hevm.Hash) *codeOps {
	if cached, ok := codeOpsCache.Get(codehash); ok {
		return cached
	}
	d := disassembleBytes(code.executable())
	codeOpsCache.Add(codehash, d)
	return d
}

// Contract is one account of the working set.
type Contract struct {
	Code     ContractCode
	CodeHash hevm.Hash
	Balance  *uint256.Int
	Nonce    uint64
	External bool // sourced from RPC; storage misses trigger fetches

	ops *codeOps
}

// NewContract builds a contract with the given code and zero balance.
func NewContract(code ContractCode) *Contract {
	hash := code.hash()
	return &Contract{
		Code:     code,
		CodeHash: hash,
		Balance:  uint256.NewInt(0),
		ops:      disassemble(code, hash),
	}
}

// clone produces a snapshot copy. Code and its disassembly are immutable
// and shared; the balance is copied.
func (c *Contract) clone() *Contract {
	cp := *c
	cp.Balance = new(uint256.Int).Set(c.Balance)
	return &cp
}

// opAt returns the instruction starting at the given byte offset, if
// the offset lies inside the executable region.
func (c *Contract) opAt(pc uint64) (op, bool) {
	if pc >= uint64(len(c.ops.opIx)) {
		return op{}, false
	}
	ix := c.ops.opIx[pc]
	if ix < 0 {
		return op{}, false
	}
	return c.ops.ops[ix], true
}

// validJumpDest reports whether the destination is the start of a
// JUMPDEST instruction. A 0x5b byte inside push data does not qualify.
func (c *Contract) validJumpDest(dest uint64) bool {
	o, ok := c.opAt(dest)
	return ok && o.known && o.code == JUMPDEST
}

// isEmpty reports EIP-161 emptiness: no code, zero nonce, zero balance.
func (c *Contract) isEmpty() bool {
	if c.Nonce != 0 || !c.Balance.IsZero() {
		return false
	}
	return c.Code.kind == codeRuntime && len(c.Code.runtime) == 0
}

// hasDeployedCode reports whether the account carries non-empty runtime
// code, which makes it a CREATE collision target.
func (c *Contract) hasDeployedCode() bool {
	return c.Code.kind == codeRuntime && len(c.Code.runtime) > 0
}
