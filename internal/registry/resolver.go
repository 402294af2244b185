// Package registry resolves document owners from the on-chain portal
// registry. Lookups are point reads of the portal contract's ownerDid view,
// cached in-process with a bounded TTL.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jellydator/ttlcache/v2"
)

// ErrBadAddress is returned for inputs that are not hex addresses.
var ErrBadAddress = errors.New("not a hex address")

const registryABIJSON = `[{"inputs":[{"internalType":"address","name":"collaborator","type":"address"}],"name":"ownerDid","outputs":[{"internalType":"string","name":"","type":"string"}],"stateMutability":"view","type":"function"}]`

var registryABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(registryABIJSON))
	if err != nil {
		panic(fmt.Sprintf("parse registry ABI: %v", err))
	}
	return parsed
}()

// ChainReader is the slice of the ethclient surface the resolver needs.
type ChainReader interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Resolver reads `(contract, collaborator) -> ownerDid` with a TTL cache.
// Negative results (no registered owner) are cached; RPC failures are not.
type Resolver struct {
	chain       ChainReader
	cache       *ttlcache.Cache
	callTimeout time.Duration
}

// Config configures the resolver.
type Config struct {
	TTL         time.Duration
	CallTimeout time.Duration
}

// Dial connects to the registry RPC endpoint and returns a resolver.
func Dial(rpcURL string, cfg Config) (*Resolver, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial registry rpc: %w", err)
	}
	return New(client, cfg), nil
}

// New wraps an existing chain reader.
func New(chain ChainReader, cfg Config) *Resolver {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 15 * time.Second
	}

	cache := ttlcache.NewCache()
	_ = cache.SetTTL(cfg.TTL)
	cache.SkipTTLExtensionOnHit(true)

	return &Resolver{chain: chain, cache: cache, callTimeout: cfg.CallTimeout}
}

// ResolveOwnerDid returns the owner DID registered for the collaborator on
// the portal contract, or "" when the registry names none.
func (r *Resolver) ResolveOwnerDid(ctx context.Context, contractAddress, collaboratorAddress string) (string, error) {
	if !common.IsHexAddress(contractAddress) {
		return "", fmt.Errorf("%w: contract %q", ErrBadAddress, contractAddress)
	}
	if !common.IsHexAddress(collaboratorAddress) {
		return "", fmt.Errorf("%w: collaborator %q", ErrBadAddress, collaboratorAddress)
	}

	key := strings.ToLower(contractAddress) + "|" + strings.ToLower(collaboratorAddress)
	if cached, err := r.cache.Get(key); err == nil {
		return cached.(string), nil
	}

	did, err := r.readOwnerDid(ctx, contractAddress, collaboratorAddress)
	if err != nil {
		// Do not cache: a transient RPC fault must not pin "unknown owner"
		// for the full TTL.
		return "", err
	}

	_ = r.cache.Set(key, did)
	return did, nil
}

// Close releases the cache's eviction goroutine.
func (r *Resolver) Close() {
	_ = r.cache.Close()
}

func (r *Resolver) readOwnerDid(ctx context.Context, contractAddress, collaboratorAddress string) (string, error) {
	data, err := registryABI.Pack("ownerDid", common.HexToAddress(collaboratorAddress))
	if err != nil {
		return "", fmt.Errorf("pack ownerDid call: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	to := common.HexToAddress(contractAddress)
	out, err := r.chain.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return "", fmt.Errorf("registry read %s: %w", contractAddress, err)
	}

	results, err := registryABI.Unpack("ownerDid", out)
	if err != nil {
		return "", fmt.Errorf("unpack ownerDid result: %w", err)
	}
	did, ok := results[0].(string)
	if !ok {
		return "", fmt.Errorf("unexpected ownerDid result type %T", results[0])
	}

	if did == "" {
		slog.Debug("Registry has no owner for collaborator",
			"contract", contractAddress, "collaborator", collaboratorAddress)
	}
	return did, nil
}
