package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/pkg/errors"

	"github.com/faremeter/x402-solana-demos/internal/retry"
)

const (
	rpcAttempts  = 3
	rpcRetryBase = 300 * time.Millisecond
)

// solanaTools implements the RPC-backed tool handlers.
type solanaTools struct {
	rpc *rpc.Client
}

func registerTools(server *mcpsdk.Server, tools *solanaTools, gate *paymentGate) {
	addressSchema := map[string]any{
		"type": "string", "description": "Base58-encoded Solana address",
	}
	commitmentSchema := map[string]any{
		"type": "string", "enum": []string{"processed", "confirmed", "finalized"},
	}

	// Free tools.
	server.AddTool(&mcpsdk.Tool{
		Name:        "solana.get_balance",
		Description: "Get SOL balance for an address (lamports)",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"address":    addressSchema,
				"commitment": commitmentSchema,
			},
			"required": []string{"address"},
		},
	}, tools.getBalance)

	server.AddTool(&mcpsdk.Tool{
		Name:        "solana.get_account_info",
		Description: "Get account info for an address",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"address":    addressSchema,
				"commitment": commitmentSchema,
			},
			"required": []string{"address"},
		},
	}, tools.getAccountInfo)

	server.AddTool(&mcpsdk.Tool{
		Name:        "solana.get_latest_blockhash",
		Description: "Get the latest blockhash",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"commitment": commitmentSchema,
			},
		},
	}, tools.getLatestBlockhash)

	// Premium tools, gated behind x402 payment.
	server.AddTool(&mcpsdk.Tool{
		Name:        "solana.get_transaction",
		Description: "Get a confirmed transaction by signature (paid)",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"signature":  map[string]any{"type": "string", "description": "Base58 transaction signature"},
				"commitment": commitmentSchema,
			},
			"required": []string{"signature"},
		},
	}, mcpsdk.ToolHandler(gate.wrap(tools.getTransaction)))

	server.AddTool(&mcpsdk.Tool{
		Name:        "solana.get_signatures_for_address",
		Description: "List recent transaction signatures for an address (paid)",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"address": addressSchema,
				"limit":   map[string]any{"type": "integer", "minimum": 1, "maximum": 1000},
			},
			"required": []string{"address"},
		},
	}, mcpsdk.ToolHandler(gate.wrap(tools.getSignaturesForAddress)))

	server.AddTool(&mcpsdk.Tool{
		Name:        "solana.get_token_accounts_by_owner",
		Description: "List SPL token accounts for an owner, optionally filtered by mint (paid)",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"owner": addressSchema,
				"mint":  map[string]any{"type": "string", "description": "Base58 mint address filter"},
			},
			"required": []string{"owner"},
		},
	}, mcpsdk.ToolHandler(gate.wrap(tools.getTokenAccountsByOwner)))
}

func decodeArgs(req *mcpsdk.CallToolRequest, dest any) error {
	if len(req.Params.Arguments) == 0 {
		return errors.New("missing arguments")
	}
	return json.Unmarshal(req.Params.Arguments, dest)
}

func commitmentOrDefault(commitment string) rpc.CommitmentType {
	switch commitment {
	case "processed":
		return rpc.CommitmentProcessed
	case "confirmed":
		return rpc.CommitmentConfirmed
	default:
		return rpc.CommitmentFinalized
	}
}

func (t *solanaTools) getBalance(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args struct {
		Address    string `json:"address"`
		Commitment string `json:"commitment"`
	}
	if err := decodeArgs(req, &args); err != nil {
		return errorResult(err), nil
	}
	pk, err := solana.PublicKeyFromBase58(args.Address)
	if err != nil {
		return errorResult(errors.Wrap(err, "invalid address")), nil
	}

	var result *rpc.GetBalanceResult
	err = retry.Do(ctx, rpcAttempts, rpcRetryBase, func() error {
		result, err = t.rpc.GetBalance(ctx, pk, commitmentOrDefault(args.Commitment))
		return err
	})
	if err != nil {
		return errorResult(err), nil
	}
	return textResult(map[string]any{"lamports": result.Value})
}

func (t *solanaTools) getAccountInfo(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args struct {
		Address    string `json:"address"`
		Commitment string `json:"commitment"`
	}
	if err := decodeArgs(req, &args); err != nil {
		return errorResult(err), nil
	}
	pk, err := solana.PublicKeyFromBase58(args.Address)
	if err != nil {
		return errorResult(errors.Wrap(err, "invalid address")), nil
	}

	var result *rpc.GetAccountInfoResult
	err = retry.Do(ctx, rpcAttempts, rpcRetryBase, func() error {
		result, err = t.rpc.GetAccountInfoWithOpts(ctx, pk, &rpc.GetAccountInfoOpts{
			Encoding:   solana.EncodingBase64,
			Commitment: commitmentOrDefault(args.Commitment),
		})
		return err
	})
	if err != nil {
		return errorResult(err), nil
	}
	return textResult(result.Value)
}

func (t *solanaTools) getLatestBlockhash(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args struct {
		Commitment string `json:"commitment"`
	}
	if len(req.Params.Arguments) > 0 {
		if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
			return errorResult(err), nil
		}
	}

	var result *rpc.GetLatestBlockhashResult
	err := retry.Do(ctx, rpcAttempts, rpcRetryBase, func() error {
		var err error
		result, err = t.rpc.GetLatestBlockhash(ctx, commitmentOrDefault(args.Commitment))
		return err
	})
	if err != nil {
		return errorResult(err), nil
	}
	return textResult(map[string]any{
		"blockhash":            result.Value.Blockhash.String(),
		"lastValidBlockHeight": result.Value.LastValidBlockHeight,
	})
}

func (t *solanaTools) getTransaction(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args struct {
		Signature  string `json:"signature"`
		Commitment string `json:"commitment"`
	}
	if err := decodeArgs(req, &args); err != nil {
		return errorResult(err), nil
	}
	sig, err := solana.SignatureFromBase58(args.Signature)
	if err != nil {
		return errorResult(errors.Wrap(err, "invalid signature")), nil
	}

	maxVersion := uint64(0)
	var result *rpc.GetTransactionResult
	err = retry.Do(ctx, rpcAttempts, rpcRetryBase, func() error {
		result, err = t.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
			Encoding:                       solana.EncodingBase64,
			Commitment:                     commitmentOrDefault(args.Commitment),
			MaxSupportedTransactionVersion: &maxVersion,
		})
		return err
	})
	if err != nil {
		return errorResult(err), nil
	}
	return textResult(result)
}

func (t *solanaTools) getSignaturesForAddress(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args struct {
		Address string `json:"address"`
		Limit   int    `json:"limit"`
	}
	if err := decodeArgs(req, &args); err != nil {
		return errorResult(err), nil
	}
	pk, err := solana.PublicKeyFromBase58(args.Address)
	if err != nil {
		return errorResult(errors.Wrap(err, "invalid address")), nil
	}

	opts := &rpc.GetSignaturesForAddressOpts{}
	if args.Limit > 0 {
		opts.Limit = &args.Limit
	}

	var result []*rpc.TransactionSignature
	err = retry.Do(ctx, rpcAttempts, rpcRetryBase, func() error {
		result, err = t.rpc.GetSignaturesForAddressWithOpts(ctx, pk, opts)
		return err
	})
	if err != nil {
		return errorResult(err), nil
	}
	return textResult(result)
}

func (t *solanaTools) getTokenAccountsByOwner(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args struct {
		Owner string `json:"owner"`
		Mint  string `json:"mint"`
	}
	if err := decodeArgs(req, &args); err != nil {
		return errorResult(err), nil
	}
	owner, err := solana.PublicKeyFromBase58(args.Owner)
	if err != nil {
		return errorResult(errors.Wrap(err, "invalid owner")), nil
	}

	conf := &rpc.GetTokenAccountsConfig{}
	if args.Mint != "" {
		mint, err := solana.PublicKeyFromBase58(args.Mint)
		if err != nil {
			return errorResult(errors.Wrap(err, "invalid mint")), nil
		}
		conf.Mint = &mint
	} else {
		programID := solana.TokenProgramID
		conf.ProgramId = &programID
	}

	var result *rpc.GetTokenAccountsResult
	err = retry.Do(ctx, rpcAttempts, rpcRetryBase, func() error {
		result, err = t.rpc.GetTokenAccountsByOwner(ctx, owner, conf, &rpc.GetTokenAccountsOpts{
			Encoding: solana.EncodingJSONParsed,
		})
		return err
	})
	if err != nil {
		return errorResult(err), nil
	}
	return textResult(result.Value)
}
