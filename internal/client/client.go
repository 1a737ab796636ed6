// Package client submits SolaYield instructions over JSON-RPC and reads the
// program's accounts back.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"

	"github.com/coldbell/solayield/backend/internal/config"
	"github.com/coldbell/solayield/backend/internal/protocol"
)

const defaultConfirmPoll = 700 * time.Millisecond

// RPC is the subset of *rpc.Client the client needs.
type RPC interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error)
	GetMultipleAccountsWithOpts(ctx context.Context, accounts []solana.PublicKey, opts *rpc.GetMultipleAccountsOpts) (*rpc.GetMultipleAccountsResult, error)
	GetProgramAccountsWithOpts(ctx context.Context, program solana.PublicKey, opts *rpc.GetProgramAccountsOpts) (rpc.GetProgramAccountsResult, error)
}

type Client struct {
	cfg         config.CLIConfig
	rpc         RPC
	signer      solana.PrivateKey
	logger      *slog.Logger
	confirmPoll time.Duration
}

func New(cfg config.CLIConfig, logger *slog.Logger) (*Client, error) {
	signer, err := solana.PrivateKeyFromSolanaKeygenFile(cfg.KeypairPath)
	if err != nil {
		return nil, fmt.Errorf("load keypair %q: %w", cfg.KeypairPath, err)
	}
	return newClient(cfg, rpc.New(cfg.RPCURL), signer, logger), nil
}

func newClient(cfg config.CLIConfig, conn RPC, signer solana.PrivateKey, logger *slog.Logger) *Client {
	if cfg.ProgramID.IsZero() {
		cfg.ProgramID = protocol.ProgramID
	}
	if cfg.TxTimeout <= 0 {
		cfg.TxTimeout = 30 * time.Second
	}
	return &Client{
		cfg:         cfg,
		rpc:         conn,
		signer:      signer,
		logger:      logger,
		confirmPoll: defaultConfirmPoll,
	}
}

func (c *Client) Signer() solana.PublicKey { return c.signer.PublicKey() }

func (c *Client) ProgramID() solana.PublicKey { return c.cfg.ProgramID }

// TxError is a transaction the cluster rejected. Err is the matching
// *protocol.Error when the failure carried a known custom code.
type TxError struct {
	Signature solana.Signature
	Err       error
}

func (e *TxError) Error() string {
	if e.Signature == (solana.Signature{}) {
		return fmt.Sprintf("transaction rejected: %v", e.Err)
	}
	return fmt.Sprintf("transaction %s failed: %v", e.Signature, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

func programError(txErr any) error {
	if known, ok := protocol.DecodeTransactionError(txErr); ok {
		return known
	}
	return fmt.Errorf("%v", txErr)
}

// Send prepends the configured compute budget, submits and waits for the
// configured commitment.
func (c *Client) Send(ctx context.Context, action string, instructions ...solana.Instruction) (solana.Signature, error) {
	all := make([]solana.Instruction, 0, len(instructions)+2)
	if c.cfg.ComputeUnitLimit > 0 {
		cuLimitIx, err := computebudget.NewSetComputeUnitLimitInstruction(c.cfg.ComputeUnitLimit).ValidateAndBuild()
		if err != nil {
			return solana.Signature{}, fmt.Errorf("build compute unit limit instruction: %w", err)
		}
		all = append(all, cuLimitIx)
	}
	if c.cfg.ComputeUnitPriceMicroLamports > 0 {
		cuPriceIx, err := computebudget.NewSetComputeUnitPriceInstruction(c.cfg.ComputeUnitPriceMicroLamports).ValidateAndBuild()
		if err != nil {
			return solana.Signature{}, fmt.Errorf("build compute unit price instruction: %w", err)
		}
		all = append(all, cuPriceIx)
	}
	all = append(all, instructions...)

	txCtx, cancel := context.WithTimeout(ctx, c.cfg.TxTimeout)
	defer cancel()

	signature, err := c.sendTransaction(txCtx, all)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("send %s: %w", action, err)
	}
	if err := c.waitForConfirmation(txCtx, signature); err != nil {
		return signature, fmt.Errorf("confirm %s: %w", action, err)
	}

	c.logger.Info("transaction confirmed", "action", action, "signature", signature)
	return signature, nil
}

func (c *Client) sendTransaction(ctx context.Context, instructions []solana.Instruction) (solana.Signature, error) {
	recent, err := c.rpc.GetLatestBlockhash(ctx, c.cfg.Commitment)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("get latest blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(
		instructions,
		recent.Value.Blockhash,
		solana.TransactionPayer(c.signer.PublicKey()),
	)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("build transaction: %w", err)
	}

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if c.signer.PublicKey().Equals(key) {
			return &c.signer
		}
		return nil
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("sign transaction: %w", err)
	}

	opts := rpc.TransactionOpts{
		SkipPreflight:       c.cfg.SkipPreflight,
		PreflightCommitment: c.cfg.Commitment,
	}
	if c.cfg.MaxRetries != nil {
		retries := *c.cfg.MaxRetries
		opts.MaxRetries = &retries
	}

	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, opts)
	if err != nil {
		// Preflight simulation failures carry the program error in data.err.
		var rpcErr *jsonrpc.RPCError
		if errors.As(err, &rpcErr) {
			if known, ok := protocol.DecodeTransactionError(rpcErr.Data); ok {
				return solana.Signature{}, &TxError{Err: known}
			}
		}
		return solana.Signature{}, err
	}
	return sig, nil
}

func (c *Client) waitForConfirmation(ctx context.Context, sig solana.Signature) error {
	ticker := time.NewTicker(c.confirmPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			result, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
			if err != nil {
				c.logger.Debug("signature status poll failed", "signature", sig, "err", err)
				continue
			}
			if len(result.Value) == 0 || result.Value[0] == nil {
				continue
			}
			status := result.Value[0]
			if status.Err != nil {
				return &TxError{Signature: sig, Err: programError(status.Err)}
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return nil
			}
		}
	}
}
