// Package wallet holds the merchant-side Solana signing wallet used to pay
// the fulfillment provider: settlement-asset balance checks, decoding of
// provider-prepared transactions, and sign/broadcast/confirm.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	pkgerrors "github.com/pkg/errors"
)

// DefaultConfirmTimeout bounds the confirmation wait after a broadcast. The
// upstream demo blocked indefinitely here; a hung RPC node would pin the
// handling task forever, so a bound is enforced.
const DefaultConfirmTimeout = 90 * time.Second

const confirmPollInterval = 2 * time.Second

// Wallet signs and submits fulfillment payments from the merchant account.
type Wallet struct {
	key            solana.PrivateKey
	rpc            *rpc.Client
	mint           solana.PublicKey
	confirmTimeout time.Duration
}

// New builds a merchant wallet. secret accepts the keypair either as a JSON
// byte array (the solana-keygen file format) or base58. mint is the
// settlement asset address.
func New(secret, rpcURL, mint string, confirmTimeout time.Duration) (*Wallet, error) {
	key, err := parseSecret(secret)
	if err != nil {
		return nil, err
	}
	mintPub, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "invalid settlement asset address")
	}
	if confirmTimeout <= 0 {
		confirmTimeout = DefaultConfirmTimeout
	}
	return &Wallet{
		key:            key,
		rpc:            rpc.New(rpcURL),
		mint:           mintPub,
		confirmTimeout: confirmTimeout,
	}, nil
}

// Address returns the merchant public key in base58.
func (w *Wallet) Address() string {
	return w.key.PublicKey().String()
}

// Balance returns the merchant's settlement-asset balance in base units.
// A missing token account reads as zero.
func (w *Wallet) Balance(ctx context.Context) (uint64, error) {
	accounts, err := w.rpc.GetTokenAccountsByOwner(
		ctx,
		w.key.PublicKey(),
		&rpc.GetTokenAccountsConfig{Mint: &w.mint},
		&rpc.GetTokenAccountsOpts{Commitment: rpc.CommitmentConfirmed},
	)
	if err != nil {
		return 0, pkgerrors.Wrap(err, "get token accounts")
	}
	if accounts == nil || len(accounts.Value) == 0 {
		return 0, nil
	}

	balance, err := w.rpc.GetTokenAccountBalance(ctx, accounts.Value[0].Pubkey, rpc.CommitmentConfirmed)
	if err != nil {
		return 0, pkgerrors.Wrap(err, "get token account balance")
	}
	amount, err := strconv.ParseUint(balance.Value.Amount, 10, 64)
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "parse balance %q", balance.Value.Amount)
	}
	return amount, nil
}

// SignAndBroadcast deserializes a provider-prepared transaction, adds the
// merchant signature, submits it, and waits for network confirmation. On
// failure it returns any simulation logs the node reported alongside the
// error. There is no retry here: a duplicate submit of a payment transaction
// is exactly the failure mode this system is built to avoid.
func (w *Wallet) SignAndBroadcast(ctx context.Context, raw []byte) (string, []string, error) {
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return "", nil, pkgerrors.Wrap(err, "deserialize transaction")
	}

	if err := w.sign(tx); err != nil {
		return "", nil, err
	}

	sig, err := w.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return "", rpcLogs(err), pkgerrors.Wrap(err, "send transaction")
	}

	if err := w.awaitConfirmation(ctx, sig); err != nil {
		return sig.String(), nil, err
	}
	return sig.String(), nil, nil
}

// sign places the merchant signature at its account index without touching
// signatures other parties may already have contributed.
func (w *Wallet) sign(tx *solana.Transaction) error {
	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return pkgerrors.Wrap(err, "marshal message")
	}
	sig, err := w.key.Sign(msg)
	if err != nil {
		return pkgerrors.Wrap(err, "sign message")
	}
	idx, err := tx.GetAccountIndex(w.key.PublicKey())
	if err != nil {
		return pkgerrors.Wrap(err, "merchant key not in transaction accounts")
	}
	if len(tx.Signatures) <= int(idx) {
		grown := make([]solana.Signature, idx+1)
		copy(grown, tx.Signatures)
		tx.Signatures = grown
	}
	tx.Signatures[idx] = sig
	return nil
}

func (w *Wallet) awaitConfirmation(ctx context.Context, sig solana.Signature) error {
	ctx, cancel := context.WithTimeout(ctx, w.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(confirmPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return pkgerrors.Wrapf(ctx.Err(), "confirmation wait for %s", sig)
		case <-ticker.C:
			statuses, err := w.rpc.GetSignatureStatuses(ctx, true, sig)
			if err != nil {
				// Transient status-poll failures just mean poll again.
				continue
			}
			if statuses == nil || len(statuses.Value) == 0 || statuses.Value[0] == nil {
				continue
			}
			st := statuses.Value[0]
			if st.Err != nil {
				return fmt.Errorf("transaction %s failed on chain: %v", sig, st.Err)
			}
			if st.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				st.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return nil
			}
		}
	}
}

// rpcLogs pulls simulation logs out of a JSON-RPC error, when present.
func rpcLogs(err error) []string {
	var rpcErr *jsonrpc.RPCError
	if !errors.As(err, &rpcErr) {
		return nil
	}
	data, ok := rpcErr.Data.(map[string]interface{})
	if !ok {
		return nil
	}
	rawLogs, ok := data["logs"].([]interface{})
	if !ok {
		return nil
	}
	logs := make([]string, 0, len(rawLogs))
	for _, l := range rawLogs {
		if s, ok := l.(string); ok {
			logs = append(logs, s)
		}
	}
	return logs
}

func parseSecret(secret string) (solana.PrivateKey, error) {
	if key, err := privateKeyFromJSONArray(secret); err == nil {
		return key, nil
	}
	key, err := solana.PrivateKeyFromBase58(secret)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "merchant keypair is neither a JSON byte array nor base58")
	}
	return key, nil
}
