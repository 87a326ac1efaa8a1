package evm

import (
	"github.com/holiman/uint256"

	"github.com/sbip-sg/hevm/go/hevm"
)

// Gas is re-exported for brevity inside this package.
type Gas = hevm.Gas

// FeeSchedule holds the gas cost constants of a revision. The values of
// DefaultSchedule are the Shanghai-era schedule.
type FeeSchedule struct {
	GZero                 Gas
	GBase                 Gas
	GVerylow              Gas
	GLow                  Gas
	GMid                  Gas
	GHigh                 Gas
	GWarmStorageRead      Gas
	GColdSload            Gas
	GColdAccountAccess    Gas
	GAccessListStorageKey Gas
	GSload                Gas
	GSset                 Gas
	GSreset               Gas
	RSclear               Gas
	GSelfdestruct         Gas
	GSelfdestructNewAcct  Gas
	GCreate               Gas
	GCodedeposit          Gas
	GCall                 Gas
	GCallvalue            Gas
	GCallstipend          Gas
	GNewaccount           Gas
	GExp                  Gas
	GExpbyte              Gas
	GMemory               Gas
	GTxcreate             Gas
	GTxdatazero           Gas
	GTxdatanonzero        Gas
	GTransaction          Gas
	GLog                  Gas
	GLogdata              Gas
	GLogtopic             Gas
	GSha3                 Gas
	GSha3word             Gas
	GInitcodeword         Gas
	GCopy                 Gas
	GBlockhash            Gas
	GQuaddivisor          Gas
	GEcrecover            Gas
	GSha256Base           Gas
	GSha256Word           Gas
	GRipemd160Base        Gas
	GRipemd160Word        Gas
	GIdentityBase         Gas
	GIdentityWord         Gas
	GEcadd                Gas
	GEcmul                Gas
	GPairingPoint         Gas
	GPairingBase          Gas
	GFround               Gas
	GJumpdest             Gas
	RBlock                Gas
	MaxCodeSize           uint64
}

// DefaultSchedule is the Shanghai fee schedule.
var DefaultSchedule = FeeSchedule{
	GZero:                 0,
	GBase:                 2,
	GVerylow:              3,
	GLow:                  5,
	GMid:                  8,
	GHigh:                 10,
	GWarmStorageRead:      100,
	GColdSload:            2100,
	GColdAccountAccess:    2600,
	GAccessListStorageKey: 1900,
	GSload:                100,
	GSset:                 20000,
	GSreset:               2900,
	RSclear:               4800,
	GSelfdestruct:         5000,
	GSelfdestructNewAcct:  25000,
	GCreate:               32000,
	GCodedeposit:          200,
	GCall:                 100,
	GCallvalue:            9000,
	GCallstipend:          2300,
	GNewaccount:           25000,
	GExp:                  10,
	GExpbyte:              50,
	GMemory:               3,
	GTxcreate:             32000,
	GTxdatazero:           4,
	GTxdatanonzero:        16,
	GTransaction:          21000,
	GLog:                  375,
	GLogdata:              8,
	GLogtopic:             375,
	GSha3:                 30,
	GSha3word:             6,
	GInitcodeword:         2,
	GCopy:                 3,
	GBlockhash:            20,
	GQuaddivisor:          3,
	GEcrecover:            3000,
	GSha256Base:           60,
	GSha256Word:           12,
	GRipemd160Base:        600,
	GRipemd160Word:        120,
	GIdentityBase:         15,
	GIdentityWord:         3,
	GEcadd:                150,
	GEcmul:                6000,
	GPairingPoint:         34000,
	GPairingBase:          45000,
	GFround:               1,
	GJumpdest:             1,
	RBlock:                0,
	MaxCodeSize:           24576,
}

// ceilDiv returns the quotient of a and b rounded up.
func ceilDiv(a, b uint64) uint64 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

// sizeInWords converts a byte count into a 32-byte word count, rounding up.
func sizeInWords(bytes uint64) uint64 {
	return ceilDiv(bytes, 32)
}

// allButOne64th implements the EIP-150 gas retention rule.
func allButOne64th(n Gas) Gas {
	return n - n/64
}

// memoryCost returns the total cost of a memory of the given byte size,
// per the quadratic fee formula of the yellow paper.
func (f FeeSchedule) memoryCost(byteSize uint64) Gas {
	words := sizeInWords(byteSize)
	return f.GMemory*Gas(words) + Gas(words*words/512)
}

// costOfCall computes the charge of a CALL-family instruction and the
// gas made available to the callee. The recipientExists and zeroValue
// flags select the new-account and value-transfer surcharges; targetWarm
// selects the EIP-2929 base cost.
func (f FeeSchedule) costOfCall(recipientExists, zeroValue bool, available, requested Gas, targetWarm bool) (cost, calleeGas Gas) {
	base := f.GColdAccountAccess
	if targetWarm {
		base = f.GWarmStorageRead
	}
	extras := base
	if !zeroValue {
		extras += f.GCallvalue
		if !recipientExists {
			extras += f.GNewaccount
		}
	}
	cap := requested
	if available >= extras {
		limit := allButOne64th(available - extras)
		if cap > limit {
			cap = limit
		}
	}
	calleeGas = cap
	if !zeroValue {
		calleeGas += f.GCallstipend
	}
	return extras + cap, calleeGas
}

// costOfCreate computes the charge of a CREATE-family instruction and
// the gas handed to the init-code frame. hashInit is set for CREATE2,
// which hashes the init code to derive the target address.
func (f FeeSchedule) costOfCreate(available Gas, initSize uint64, hashInit bool) (cost, initGas Gas) {
	hashCost := Gas(0)
	if hashInit {
		hashCost = f.GSha3word * Gas(sizeInWords(initSize))
	}
	fixed := f.GCreate + hashCost
	initGas = allButOne64th(available - fixed)
	return fixed + initGas, initGas
}

// expByteCost returns the dynamic part of the EXP charge for the given
// literal exponent.
func (f FeeSchedule) expByteCost(exponent *uint256.Int) Gas {
	if exponent.IsZero() {
		return 0
	}
	bytes := Gas((exponent.BitLen() + 7) / 8)
	return f.GExpbyte * bytes
}
