package notary

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"bridgewatch/internal/domain"
)

// EthereumOptions parameterise the on-chain anchor.
type EthereumOptions struct {
	RPCURL     string
	PrivateKey string
	// ToAddress receives the zero-value anchoring transactions. Empty sends to self.
	ToAddress string
	ChainID   int64
	GasLimit  uint64
	Timeout   time.Duration
}

// EthereumAnchor writes each fingerprint as the calldata of a zero-value transaction.
type EthereumAnchor struct {
	opts   EthereumOptions
	logger zerolog.Logger
	key    *ecdsa.PrivateKey
	from   common.Address
	to     common.Address

	client    *ethclient.Client
	clientMux sync.Mutex
	// sendMux keeps nonce assignment sequential across workers and guards unconfirmed.
	sendMux sync.Mutex
	// unconfirmed holds signed txs whose broadcast returned an error, keyed by
	// fingerprint, so a retry resends the same tx instead of anchoring twice.
	unconfirmed map[common.Hash]*types.Transaction
}

const maxUnconfirmed = 1024

// NewEthereumAnchor builds an on-chain anchor.
func NewEthereumAnchor(opts EthereumOptions, logger zerolog.Logger) (*EthereumAnchor, error) {
	if opts.RPCURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}
	if opts.PrivateKey == "" {
		return nil, errors.New("ethereum private key not configured")
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(opts.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse ethereum private key: %w", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	to := from
	if opts.ToAddress != "" {
		if !common.IsHexAddress(opts.ToAddress) {
			return nil, fmt.Errorf("invalid anchor address %q", opts.ToAddress)
		}
		to = common.HexToAddress(opts.ToAddress)
	}

	return &EthereumAnchor{
		opts:        opts,
		logger:      logger.With().Str("component", "ethereum_anchor").Logger(),
		key:         key,
		from:        from,
		to:          to,
		unconfirmed: make(map[common.Hash]*types.Transaction),
	}, nil
}

// From returns the signing address.
func (a *EthereumAnchor) From() common.Address {
	return a.from
}

// Anchor signs and broadcasts a transaction carrying the fingerprint. Calls
// for the same fingerprint reuse the tx signed by an earlier failed attempt.
func (a *EthereumAnchor) Anchor(ctx context.Context, rec Record) (string, error) {
	timeout := a.opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := a.getClient(ctx)
	if err != nil {
		return "", unavailable("dial rpc", err)
	}

	a.sendMux.Lock()
	defer a.sendMux.Unlock()

	if prev, ok := a.unconfirmed[rec.Fingerprint]; ok {
		ref, done, err := a.resend(ctx, client, rec.Fingerprint, prev)
		if done || err != nil {
			return ref, err
		}
	}

	chainID := big.NewInt(a.opts.ChainID)
	if a.opts.ChainID <= 0 {
		chainID, err = client.ChainID(ctx)
		if err != nil {
			return "", unavailable("chain id", err)
		}
	}

	nonce, err := client.PendingNonceAt(ctx, a.from)
	if err != nil {
		return "", unavailable("pending nonce", err)
	}

	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return "", unavailable("gas price", err)
	}

	data := rec.Fingerprint.Bytes()
	gas := a.opts.GasLimit
	if gas == 0 {
		gas, err = client.EstimateGas(ctx, ethereum.CallMsg{From: a.from, To: &a.to, Data: data})
		if err != nil {
			return "", unavailable("estimate gas", err)
		}
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &a.to,
		Value:    big.NewInt(0),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), a.key)
	if err != nil {
		return "", fmt.Errorf("sign anchor tx: %w", err)
	}

	if err := client.SendTransaction(ctx, signed); err != nil {
		a.remember(rec.Fingerprint, signed)
		return "", unavailable("send transaction", err)
	}

	a.logger.Debug().
		Str("tx_hash", signed.Hash().Hex()).
		Uint64("nonce", nonce).
		Str("fingerprint", rec.Fingerprint.Hex()).
		Msg("anchor transaction sent")
	return signed.Hash().Hex(), nil
}

// resend rebroadcasts a previously signed tx. done is false when the tx was
// never accepted and its nonce has since been used, so a fresh tx is needed.
func (a *EthereumAnchor) resend(ctx context.Context, client *ethclient.Client, fp common.Hash, tx *types.Transaction) (string, bool, error) {
	err := client.SendTransaction(ctx, tx)
	switch {
	case err == nil || isKnownTx(err):
	case isNonceTooLow(err):
		_, _, lookupErr := client.TransactionByHash(ctx, tx.Hash())
		if errors.Is(lookupErr, ethereum.NotFound) {
			delete(a.unconfirmed, fp)
			a.logger.Debug().Str("tx_hash", tx.Hash().Hex()).Msg("anchor tx nonce reused, signing again")
			return "", false, nil
		}
		if lookupErr != nil {
			return "", false, unavailable("lookup anchor tx", lookupErr)
		}
	default:
		return "", false, unavailable("resend transaction", err)
	}

	delete(a.unconfirmed, fp)
	a.logger.Debug().
		Str("tx_hash", tx.Hash().Hex()).
		Str("fingerprint", fp.Hex()).
		Msg("anchor transaction confirmed on resend")
	return tx.Hash().Hex(), true, nil
}

func (a *EthereumAnchor) remember(fp common.Hash, tx *types.Transaction) {
	if len(a.unconfirmed) >= maxUnconfirmed {
		for k := range a.unconfirmed {
			delete(a.unconfirmed, k)
			break
		}
	}
	a.unconfirmed[fp] = tx
}

func isKnownTx(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "already known")
}

func isNonceTooLow(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "nonce too low")
}

func (a *EthereumAnchor) getClient(ctx context.Context) (*ethclient.Client, error) {
	a.clientMux.Lock()
	defer a.clientMux.Unlock()

	if a.client != nil {
		return a.client, nil
	}

	client, err := ethclient.DialContext(ctx, a.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	a.client = client
	return client, nil
}

// Close releases the RPC connection.
func (a *EthereumAnchor) Close() {
	a.clientMux.Lock()
	defer a.clientMux.Unlock()
	if a.client != nil {
		a.client.Close()
		a.client = nil
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrNotarizationUnavailable, op, err)
}

var _ Anchor = (*EthereumAnchor)(nil)
