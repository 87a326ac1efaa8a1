package evm

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/sha256"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/sbip-sg/hevm/go/expr"
	"github.com/sbip-sg/hevm/go/hevm"
)

func TestPrecompile_AddressClassification(t *testing.T) {
	for i := byte(1); i <= 9; i++ {
		if !isPrecompileAddress(hevm.Address{19: i}) {
			t.Errorf("0x%02x must be a precompile", i)
		}
	}
	if isPrecompileAddress(hevm.Address{19: 0}) {
		t.Errorf("0x00 is not a precompile")
	}
	if isPrecompileAddress(hevm.Address{19: 10}) {
		t.Errorf("0x0a is not a precompile")
	}
	if isPrecompileAddress(hevm.Address{0: 1, 19: 1}) {
		t.Errorf("high bytes must be zero")
	}
}

func TestPrecompile_Identity(t *testing.T) {
	input := []byte("hello world")
	cost, output, ok := executePrecompile(DefaultSchedule, 0x4, input)
	if !ok {
		t.Fatalf("identity cannot fail")
	}
	if !bytes.Equal(output, input) {
		t.Errorf("identity must copy its input")
	}
	if want := DefaultSchedule.GIdentityBase + DefaultSchedule.GIdentityWord*1; cost != want {
		t.Errorf("expected cost %d, got %d", want, cost)
	}
}

func TestPrecompile_Sha256(t *testing.T) {
	input := []byte("abc")
	want := sha256.Sum256(input)
	cost, output, ok := executePrecompile(DefaultSchedule, 0x2, input)
	if !ok || !bytes.Equal(output, want[:]) {
		t.Errorf("wrong sha256 digest")
	}
	if wantCost := DefaultSchedule.GSha256Base + DefaultSchedule.GSha256Word*1; cost != wantCost {
		t.Errorf("expected cost %d, got %d", wantCost, cost)
	}
}

func TestPrecompile_Ripemd160IsLeftPadded(t *testing.T) {
	_, output, ok := executePrecompile(DefaultSchedule, 0x3, []byte("abc"))
	if !ok {
		t.Fatalf("ripemd cannot fail")
	}
	if len(output) != 32 {
		t.Fatalf("expected 32 bytes, got %d", len(output))
	}
	for _, b := range output[:12] {
		if b != 0 {
			t.Fatalf("expected 12 zero bytes of left padding")
		}
	}
}

func TestPrecompile_EcrecoverRoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("key generation failed: %v", err)
	}
	digest := crypto.Keccak256([]byte("signed message"))
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		t.Fatalf("signing failed: %v", err)
	}

	input := make([]byte, 128)
	copy(input[0:32], digest)
	input[63] = sig[64] + 27
	copy(input[64:96], sig[0:32])
	copy(input[96:128], sig[32:64])

	cost, output, ok := executePrecompile(DefaultSchedule, 0x1, input)
	if !ok {
		t.Fatalf("ecrecover failed")
	}
	if cost != DefaultSchedule.GEcrecover {
		t.Errorf("ecrecover is fixed price")
	}
	want := crypto.PubkeyToAddress(*key.Public().(*ecdsa.PublicKey))
	if !bytes.Equal(output[12:], want[:]) {
		t.Errorf("recovered %x, want %x", output[12:], want)
	}
}

func TestPrecompile_EcrecoverBadInputYieldsEmpty(t *testing.T) {
	input := make([]byte, 128)
	input[63] = 26 // invalid recovery id
	_, output, ok := executePrecompile(DefaultSchedule, 0x1, input)
	if !ok {
		t.Fatalf("malformed ecrecover input is not a failure")
	}
	if len(output) != 0 {
		t.Errorf("expected empty output, got %x", output)
	}
}

func TestPrecompile_ModexpSimple(t *testing.T) {
	// 3^2 mod 5 = 4, all lengths 1.
	var input []byte
	input = append(input, abiWord(1)...)
	input = append(input, abiWord(1)...)
	input = append(input, abiWord(1)...)
	input = append(input, 3, 2, 5)

	cost, output, ok := executePrecompile(DefaultSchedule, 0x5, input)
	if !ok {
		t.Fatalf("modexp failed")
	}
	if cost != 200 {
		t.Errorf("small inputs hit the 200 gas floor, got %d", cost)
	}
	if len(output) != 1 || output[0] != 4 {
		t.Errorf("expected [4], got %x", output)
	}
}

func TestPrecompile_ModexpZeroModulus(t *testing.T) {
	var input []byte
	input = append(input, abiWord(1)...)
	input = append(input, abiWord(1)...)
	input = append(input, abiWord(0)...)
	input = append(input, 3, 2)

	_, output, ok := executePrecompile(DefaultSchedule, 0x5, input)
	if !ok || len(output) != 0 {
		t.Errorf("zero modulus yields empty output")
	}
}

func TestPrecompile_EcaddIdentity(t *testing.T) {
	// Adding the point at infinity to itself stays at infinity.
	input := make([]byte, 128)
	cost, output, ok := executePrecompile(DefaultSchedule, 0x6, input)
	if !ok {
		t.Fatalf("ecadd of zero points failed")
	}
	if cost != DefaultSchedule.GEcadd {
		t.Errorf("wrong ecadd cost %d", cost)
	}
	if !bytes.Equal(output, make([]byte, 64)) {
		t.Errorf("expected the zero point, got %x", output)
	}
}

func TestPrecompile_EcmulByZero(t *testing.T) {
	input := make([]byte, 96)
	_, output, ok := executePrecompile(DefaultSchedule, 0x7, input)
	if !ok || !bytes.Equal(output, make([]byte, 64)) {
		t.Errorf("expected the zero point")
	}
}

func TestPrecompile_EcpairingEmptyInputIsTrue(t *testing.T) {
	cost, output, ok := executePrecompile(DefaultSchedule, 0x8, nil)
	if !ok {
		t.Fatalf("empty pairing failed")
	}
	if cost != DefaultSchedule.GPairingBase {
		t.Errorf("expected base cost only, got %d", cost)
	}
	if len(output) != 32 || output[31] != 1 {
		t.Errorf("empty pairing must be true, got %x", output)
	}
}

func TestPrecompile_EcpairingRejectsRaggedInput(t *testing.T) {
	_, _, ok := executePrecompile(DefaultSchedule, 0x8, make([]byte, 100))
	if ok {
		t.Errorf("input not a multiple of 192 must fail")
	}
}

func TestPrecompile_Blake2fValidation(t *testing.T) {
	tests := map[string]struct {
		build  func() []byte
		wantOk bool
	}{
		"short input": {func() []byte { return make([]byte, 212) }, false},
		"long input":  {func() []byte { return make([]byte, 214) }, false},
		"bad flag": {func() []byte {
			in := make([]byte, 213)
			in[212] = 2
			return in
		}, false},
		"zero rounds": {func() []byte { return make([]byte, 213) }, true},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			_, _, ok := executePrecompile(DefaultSchedule, 0x9, test.build())
			if ok != test.wantOk {
				t.Errorf("expected ok=%v", test.wantOk)
			}
		})
	}
}

func TestPrecompile_Blake2fRoundsPriceLinearly(t *testing.T) {
	in := make([]byte, 213)
	in[3] = 12 // rounds = 12
	cost, output, ok := executePrecompile(DefaultSchedule, 0x9, in)
	if !ok {
		t.Fatalf("valid blake2f input failed")
	}
	if cost != 12 {
		t.Errorf("expected 12 gas, got %d", cost)
	}
	if len(output) != 64 {
		t.Errorf("expected 64 bytes of state, got %d", len(output))
	}
}

func TestPrecompile_InsufficientGasBurnsCapAndPushesZero(t *testing.T) {
	// Call SHA-256 with a gas request below its price.
	shaAddr := hevm.Address{19: 0x02}
	var p prog
	p.push(0).push(0).push(32).push(0) // outSize outOff inSize=32 inOff
	p.push(0)
	p.pushAddr(shaAddr)
	p.push(10) // far below 60 + 12
	p.op(CALL, STOP)

	const limit = 1_000_000
	vm := testVM(p, limit)
	wantSuccess(t, runToResult(t, vm))
	if got := stackTop(t, vm); got != 0 {
		t.Errorf("expected 0 from the underfunded precompile, got %d", got)
	}
	if vm.Burned()+vm.GasRemaining() != limit {
		t.Errorf("gas accounting leak")
	}
}

func TestPrecompile_OutputTruncatedToRequestedSize(t *testing.T) {
	// Identity with a 2-byte output window only writes 2 bytes.
	idAddr := hevm.Address{19: 0x04}
	var p prog
	p.push(0x12, 0x34).push(0).op(MSTORE) // bytes 30,31 = 0x12 0x34
	p.push(2).push(64).push(2).push(30)   // outSize=2 outOff=64 inSize=2 inOff=30
	p.push(0)
	p.pushAddr(idAddr)
	p.push(0xff, 0xff)
	p.op(CALL)
	// load the word at 64; only its top two bytes were written
	p.push(64).op(MLOAD, STOP)

	vm := testVM(p, 1_000_000)
	wantSuccess(t, runToResult(t, vm))
	word, ok := vm.StackAt(0).Bytes32()
	if !ok {
		t.Fatalf("expected a literal word")
	}
	if word[0] != 0x12 || word[1] != 0x34 {
		t.Errorf("expected the identity output at the window start, got %x", word[:4])
	}
	for _, b := range word[2:] {
		if b != 0 {
			t.Fatalf("bytes beyond the output window must stay zero")
		}
	}
	data, _ := expr.ToBytes(vm.state.Returndata)
	if !bytes.Equal(data, []byte{0x12, 0x34}) {
		t.Errorf("returndata carries the full output, got %x", data)
	}
}
