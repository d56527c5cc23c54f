// Package chain looks up on-chain transfer receipts for unique-asset lines.
// Amounts are not recomputed from chain data; a receipt only proves the
// transaction landed without error.
package chain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/tradepost/checkout/internal/circuitbreaker"
	"github.com/tradepost/checkout/internal/config"
	apierrors "github.com/tradepost/checkout/internal/errors"
	"github.com/tradepost/checkout/internal/logger"
	"github.com/tradepost/checkout/internal/metrics"
	"github.com/tradepost/checkout/internal/payments"
	"github.com/tradepost/checkout/internal/rpcutil"
)

const providerName = "chain"

// Receipt status values. Success is 1, anything else failed.
const (
	StatusFailed  = 0
	StatusSuccess = 1
)

// TransactionFetcher is the RPC surface used for receipt lookups.
// *rpc.Client satisfies it.
type TransactionFetcher interface {
	GetTransaction(ctx context.Context, sig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
}

// Receipt is the outcome of a confirmed transaction.
type Receipt struct {
	Hash      string
	Network   string
	Status    int
	Slot      uint64
	BlockTime time.Time
	Error     string // Runtime error reported by the chain, if any
}

// ErrReceiptNotFound means the RPC node has no confirmed transaction for the hash.
var ErrReceiptNotFound = errors.New("chain: transaction not found")

// ErrUnknownNetwork means no RPC endpoint is registered for the network id.
var ErrUnknownNetwork = errors.New("chain: unknown network")

// Client resolves receipts against per-network RPC endpoints.
type Client struct {
	networks       map[string]TransactionFetcher
	defaultNetwork string
	commitment     rpc.CommitmentType
	timeout        time.Duration
	retry          rpcutil.Policy
	breaker        *circuitbreaker.Manager
	metrics        *metrics.Metrics
}

// NewClient registers one RPC client per configured network.
func NewClient(cfg config.ChainConfig, breaker *circuitbreaker.Manager, metricsCollector *metrics.Metrics) *Client {
	fetchers := make(map[string]TransactionFetcher, len(cfg.Networks))
	for network, url := range cfg.Networks {
		if strings.TrimSpace(url) == "" {
			continue
		}
		fetchers[normalizeNetwork(network)] = rpc.New(url)
	}
	return newClient(fetchers, cfg, breaker, metricsCollector)
}

func newClient(fetchers map[string]TransactionFetcher, cfg config.ChainConfig, breaker *circuitbreaker.Manager, metricsCollector *metrics.Metrics) *Client {
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	retry := rpcutil.DefaultPolicy()
	if cfg.RetryAttempts > 0 {
		retry.Attempts = cfg.RetryAttempts
	}
	return &Client{
		networks:       fetchers,
		defaultNetwork: normalizeNetwork(cfg.DefaultNetwork),
		commitment:     commitmentFromString(cfg.Commitment),
		timeout:        timeout,
		retry:          retry,
		breaker:        breaker,
		metrics:        metricsCollector,
	}
}

// Configured reports whether at least one network is registered.
func (c *Client) Configured() bool {
	return c != nil && len(c.networks) > 0
}

// Networks lists registered network ids.
func (c *Client) Networks() []string {
	out := make([]string, 0, len(c.networks))
	for n := range c.networks {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// GetTransactionReceipt fetches the receipt for hash on network. An empty
// network selects the default.
func (c *Client) GetTransactionReceipt(ctx context.Context, hash, network string) (Receipt, error) {
	if !c.Configured() {
		return Receipt{}, payments.NotConfigured("chain rpc")
	}
	network = normalizeNetwork(network)
	if network == "" {
		network = c.defaultNetwork
	}
	fetcher, ok := c.networks[network]
	if !ok {
		return Receipt{}, fmt.Errorf("%w: %q", ErrUnknownNetwork, network)
	}
	sig, err := solana.SignatureFromBase58(strings.TrimSpace(hash))
	if err != nil {
		return Receipt{}, apierrors.Wrap(apierrors.ErrCodeInvalidField, "transaction hash is not a valid signature", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	maxVersion := uint64(0)
	opts := &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     c.commitment,
		MaxSupportedTransactionVersion: &maxVersion,
	}

	start := time.Now()
	result, err := rpcutil.Do(ctx, c.retry, func() (*rpc.GetTransactionResult, error) {
		return circuitbreaker.Call(c.breaker, circuitbreaker.ServiceChainRPC, func() (*rpc.GetTransactionResult, error) {
			out, err := fetcher.GetTransaction(ctx, sig, opts)
			if errors.Is(err, rpc.ErrNotFound) {
				// Not an outage; keep it out of the breaker counts.
				return nil, nil
			}
			return out, err
		})
	})
	if err != nil {
		err = payments.External(apierrors.ErrCodeRPCError, providerName, err)
	}
	c.metrics.ObserveProviderCall(providerName, "get_transaction", time.Since(start), err)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Warn().
			Err(err).
			Str("network", network).
			Str("signature", logger.TruncateReference(hash)).
			Msg("chain.receipt_lookup_failed")
		return Receipt{}, err
	}
	if result == nil {
		return Receipt{}, ErrReceiptNotFound
	}

	receipt := Receipt{Hash: sig.String(), Network: network, Slot: result.Slot, Status: StatusSuccess}
	if result.BlockTime != nil {
		receipt.BlockTime = result.BlockTime.Time().UTC()
	}
	if result.Meta == nil {
		receipt.Status = StatusFailed
		receipt.Error = "transaction meta missing"
	} else if result.Meta.Err != nil {
		receipt.Status = StatusFailed
		receipt.Error = fmt.Sprintf("%v", result.Meta.Err)
	}
	return receipt, nil
}

// Verify requires receipt status 1 for exp.Reference on exp.Network.
func (c *Client) Verify(ctx context.Context, exp payments.Expectation) (payments.Verification, error) {
	if !c.Configured() {
		return payments.Verification{}, payments.NotConfigured("chain rpc")
	}
	if strings.TrimSpace(exp.Reference) == "" {
		return payments.Rejected(apierrors.ErrCodeMissingPayment, "transaction hash required"), nil
	}

	receipt, err := c.GetTransactionReceipt(ctx, exp.Reference, exp.Network)
	switch {
	case errors.Is(err, ErrReceiptNotFound):
		return payments.Rejected(apierrors.ErrCodePaymentNotVerified, "transaction not found or not yet confirmed"), nil
	case errors.Is(err, ErrUnknownNetwork):
		return payments.Rejected(apierrors.ErrCodeInvalidField, err.Error()), nil
	case apierrors.CodeOf(err) == apierrors.ErrCodeInvalidField:
		return payments.Rejected(apierrors.ErrCodeInvalidField, "transaction hash is not a valid signature"), nil
	case err != nil:
		return payments.Verification{}, err
	}

	v := payments.Verification{
		ObservedStatus:    fmt.Sprintf("%d", receipt.Status),
		ObservedReference: receipt.Hash,
	}
	if receipt.Status != StatusSuccess {
		v.Code = apierrors.ErrCodeTransactionFailed
		v.Reason = "transaction failed on chain: " + receipt.Error
		return v, nil
	}
	v.OK = true
	return v, nil
}

func normalizeNetwork(network string) string {
	return strings.ToLower(strings.TrimSpace(network))
}

// commitmentFromString converts a config value to rpc.CommitmentType.
func commitmentFromString(value string) rpc.CommitmentType {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "confirmed":
		return rpc.CommitmentConfirmed
	case "finalized", "finalised", "":
		return rpc.CommitmentFinalized
	default:
		return rpc.CommitmentFinalized
	}
}
