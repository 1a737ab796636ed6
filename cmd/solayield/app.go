package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"text/tabwriter"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/solayield/backend/internal/client"
	"github.com/coldbell/solayield/backend/internal/config"
)

var errUsage = errors.New("usage")

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, args []string) error
}

type app struct {
	cfg    config.CLIConfig
	logger *slog.Logger
	out    io.Writer
	errOut io.Writer

	newClient func() (*client.Client, error)
	client    *client.Client
}

func newApp(cfg config.CLIConfig, logger *slog.Logger, out, errOut io.Writer) *app {
	a := &app{cfg: cfg, logger: logger, out: out, errOut: errOut}
	a.newClient = func() (*client.Client, error) {
		return client.New(a.cfg, a.logger)
	}
	return a
}

func (a *app) commands() []command {
	return []command{
		{"init", "create the strategy, marketplace and order counters", a.cmdInit},
		{"create-strategy", "create a yield strategy and its yield-token mint", a.cmdCreateStrategy},
		{"deposit", "deposit underlying into a strategy", a.cmdDeposit},
		{"withdraw", "withdraw principal from a strategy", a.cmdWithdraw},
		{"claim", "claim accrued yield", a.cmdClaim},
		{"redeem", "burn yield tokens for principal", a.cmdRedeem},
		{"create-marketplace", "open the yield-token marketplace of a strategy", a.cmdCreateMarketplace},
		{"place-order", "place a buy or sell order", a.cmdPlaceOrder},
		{"execute-trade", "fill (part of) an open order", a.cmdExecuteTrade},
		{"cancel-order", "cancel an open order and release its escrow", a.cmdCancelOrder},
		{"strategy", "show a strategy", a.cmdStrategy},
		{"position", "show a user position", a.cmdPosition},
		{"marketplace", "show the marketplace of a strategy", a.cmdMarketplace},
		{"order", "show an order", a.cmdOrder},
		{"orders", "list the open orders of a strategy's marketplace", a.cmdOrders},
		{"counters", "show the id counters", a.cmdCounters},
		{"simulate", "run a deposit/claim/trade scenario on an in-memory ledger", a.cmdSimulate},
	}
}

func (a *app) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		a.usage()
		return errUsage
	}
	switch args[0] {
	case "help", "-h", "-help", "--help":
		a.usage()
		return nil
	}
	for _, cmd := range a.commands() {
		if cmd.name == args[0] {
			a.logger.Debug("running command", "command", cmd.name)
			return cmd.run(ctx, args[1:])
		}
	}
	a.usage()
	return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
}

func (a *app) usage() {
	fmt.Fprintln(a.errOut, "usage: solayield <command> [flags]")
	fmt.Fprintln(a.errOut)
	tw := tabwriter.NewWriter(a.errOut, 0, 4, 2, ' ', 0)
	for _, cmd := range a.commands() {
		fmt.Fprintf(tw, "  %s\t%s\n", cmd.name, cmd.summary)
	}
	_ = tw.Flush()
	fmt.Fprintln(a.errOut)
	fmt.Fprintln(a.errOut, "run 'solayield <command> -h' for command flags")
}

func (a *app) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.errOut)
	return fs
}

func (a *app) rpc() (*client.Client, error) {
	if a.client != nil {
		return a.client, nil
	}
	c, err := a.newClient()
	if err != nil {
		return nil, fmt.Errorf("init client: %w", err)
	}
	a.client = c
	return c, nil
}

func (a *app) printJSON(v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(a.out, string(raw))
	return err
}

type txResult struct {
	Action    string         `json:"action"`
	Signature string         `json:"signature"`
	Details   map[string]any `json:"details,omitempty"`
}

func (a *app) printTx(action string, sig solana.Signature, details map[string]any) error {
	return a.printJSON(txResult{Action: action, Signature: sig.String(), Details: details})
}

// optionalUint is a flag that distinguishes "not given" from zero.
type optionalUint struct {
	value *uint64
}

func (o *optionalUint) String() string {
	if o == nil || o.value == nil {
		return ""
	}
	return strconv.FormatUint(*o.value, 10)
}

func (o *optionalUint) Set(raw string) error {
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return err
	}
	o.value = &v
	return nil
}

func (o *optionalUint) require(name string) (uint64, error) {
	if o.value == nil {
		return 0, fmt.Errorf("%w: -%s is required", errUsage, name)
	}
	return *o.value, nil
}

type pubkeyFlag struct {
	value solana.PublicKey
}

func (p *pubkeyFlag) String() string {
	if p == nil || p.value.IsZero() {
		return ""
	}
	return p.value.String()
}

func (p *pubkeyFlag) Set(raw string) error {
	key, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return err
	}
	p.value = key
	return nil
}

func (p *pubkeyFlag) require(name string) (solana.PublicKey, error) {
	if p.value.IsZero() {
		return solana.PublicKey{}, fmt.Errorf("%w: -%s is required", errUsage, name)
	}
	return p.value, nil
}

func requireString(value, name string) error {
	if value == "" {
		return fmt.Errorf("%w: -%s is required", errUsage, name)
	}
	return nil
}
