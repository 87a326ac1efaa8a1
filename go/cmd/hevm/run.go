package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/dsnet/golib/unitconv"
	"github.com/holiman/uint256"
	"github.com/urfave/cli/v2"

	"github.com/sbip-sg/hevm/go/evm"
	"github.com/sbip-sg/hevm/go/expr"
	"github.com/sbip-sg/hevm/go/hevm"
)

var RunCmd = cli.Command{
	Action:    doRun,
	Name:      "run",
	Usage:     "Execute EVM bytecode concretely and print the outcome",
	ArgsUsage: "<code-hex>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "calldata",
			Usage: "hex-encoded calldata",
		},
		&cli.Uint64Flag{
			Name:  "gas",
			Usage: "gas budget for the execution",
			Value: 10_000_000,
		},
		&cli.StringFlag{
			Name:  "value",
			Usage: "call value in wei",
			Value: "0",
		},
		&cli.StringFlag{
			Name:  "address",
			Usage: "address of the executing contract",
			Value: "0x000000000000000000000000000000000000aaaa",
		},
		&cli.StringFlag{
			Name:  "caller",
			Usage: "address of the caller",
			Value: "0x0000000000000000000000000000000000001337",
		},
		&cli.BoolFlag{
			Name:  "create",
			Usage: "treat the code as init code of a creation transaction",
		},
		&cli.BoolFlag{
			Name:  "trace",
			Usage: "print the call trace after execution",
		},
	},
}

func doRun(ctx *cli.Context) error {
	if ctx.Args().Len() != 1 {
		return fmt.Errorf("expected exactly one code argument, got %d", ctx.Args().Len())
	}
	code, err := hexBytes(ctx.Args().First())
	if err != nil {
		return fmt.Errorf("invalid code: %w", err)
	}
	calldata, err := hexBytes(ctx.String("calldata"))
	if err != nil {
		return fmt.Errorf("invalid calldata: %w", err)
	}
	address, err := hexAddress(ctx.String("address"))
	if err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}
	caller, err := hexAddress(ctx.String("caller"))
	if err != nil {
		return fmt.Errorf("invalid caller: %w", err)
	}
	value, err := uint256.FromDecimal(ctx.String("value"))
	if err != nil {
		return fmt.Errorf("invalid value: %w", err)
	}

	gas := evm.Gas(ctx.Uint64("gas"))
	contract := evm.NewContract(contractCode(code, ctx.Bool("create")))
	contract.Balance = value

	vm := evm.NewVM(evm.VMOpts{
		Contract:      contract,
		Address:       address,
		Caller:        caller,
		Origin:        caller,
		Calldata:      expr.ConcreteBuf(calldata),
		Value:         expr.LitU256(value),
		Gas:           gas,
		GasLimit:      gas,
		BlockGasLimit: 30_000_000,
		Number:        uint256.NewInt(1),
		Timestamp:     expr.Lit64(1),
		ChainID:       expr.Lit64(1),
		IsCreate:      ctx.Bool("create"),
	})

	result, err := evm.Exec(vm, hevm.ZeroOracle{})
	if err != nil {
		return err
	}

	fmt.Println(result)
	fmt.Printf("gas used: %sgas\n", unitconv.FormatPrefix(float64(gas-vm.GasRemaining()), unitconv.SI, 2))
	if ctx.Bool("trace") {
		fmt.Print(vm.Traces().Render())
	}
	return nil
}

func contractCode(code []byte, create bool) evm.ContractCode {
	if create {
		return evm.InitCode(code, nil)
	}
	return evm.RuntimeCode(expr.LitBytesSeq(code))
}

func hexBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	return hex.DecodeString(s)
}

func hexAddress(s string) (hevm.Address, error) {
	b, err := hexBytes(s)
	if err != nil {
		return hevm.Address{}, err
	}
	if len(b) != 20 {
		return hevm.Address{}, fmt.Errorf("expected 20 bytes, got %d", len(b))
	}
	return hevm.Address(b), nil
}
