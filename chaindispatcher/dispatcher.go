package chaindispatcher

import (
	"context"
	"math/big"
	"runtime/debug"
	"time"

	"github.com/ethereum/go-ethereum/log"
	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"github.com/dapplink-baas/wallet-chain-provider/chain"
	"github.com/dapplink-baas/wallet-chain-provider/chain/algorand"
	"github.com/dapplink-baas/wallet-chain-provider/chain/bitcoin"
	"github.com/dapplink-baas/wallet-chain-provider/chain/conflux"
	"github.com/dapplink-baas/wallet-chain-provider/chain/cosmos"
	"github.com/dapplink-baas/wallet-chain-provider/chain/ethereum"
	"github.com/dapplink-baas/wallet-chain-provider/chain/near"
	"github.com/dapplink-baas/wallet-chain-provider/chain/solana"
	"github.com/dapplink-baas/wallet-chain-provider/chain/starcoin"
)

// ChainSelector resolves a chain code to its metadata.
type ChainSelector func(code string) (*chain.ChainInfo, error)

type ProviderFactory func(info *chain.ChainInfo, selector chain.ClientSelector) (chain.BaseProvider, error)

type ClientFactory func(conf chain.ClientConfig) (chain.BaseClient, error)

// SignerSource resolves signers by address, see signer.KeyStore.
type SignerSource interface {
	Signers(ctx context.Context, addresses []string) (map[string]chain.Signer, error)
}

const clientCacheTTL = 10 * time.Minute

func defaultProviders() map[string]ProviderFactory {
	return map[string]ProviderFactory{
		bitcoin.ChainName:  bitcoin.NewChainAdaptor,
		ethereum.ChainName: ethereum.NewChainAdaptor,
		conflux.ChainName:  conflux.NewChainAdaptor,
		algorand.ChainName: algorand.NewChainAdaptor,
		cosmos.ChainName:   cosmos.NewChainAdaptor,
		near.ChainName:     near.NewChainAdaptor,
		solana.ChainName:   solana.NewChainAdaptor,
		starcoin.ChainName: starcoin.NewChainAdaptor,
	}
}

func defaultClients() map[string]ClientFactory {
	return map[string]ClientFactory{
		bitcoin.ClientName:  bitcoin.NewBlockbook,
		ethereum.ClientName: ethereum.NewGeth,
		conflux.ClientName:  conflux.NewConflux,
		algorand.ClientName: algorand.NewAlgod,
		cosmos.ClientName:   cosmos.NewCosmos,
		near.ClientName:     near.NewNearCli,
		solana.ClientName:   solana.NewClient,
		starcoin.ClientName: starcoin.NewStcClient,
	}
}

type Option func(*ProviderController)

// WithClientCache keeps constructed clients and providers for reuse across
// calls. Without it every call builds them afresh.
func WithClientCache() Option {
	return func(p *ProviderController) {
		p.cache = gocache.New(clientCacheTTL, 2*clientCacheTTL)
	}
}

func WithProviderFactory(impl string, f ProviderFactory) Option {
	return func(p *ProviderController) {
		p.providers[impl] = f
	}
}

func WithClientFactory(name string, f ClientFactory) Option {
	return func(p *ProviderController) {
		p.clients[name] = f
	}
}

// WithSigners sets where SignTransactionByAddress finds keys.
func WithSigners(s SignerSource) Option {
	return func(p *ProviderController) {
		p.signers = s
	}
}

// ProviderController routes operations on a chain code to the provider and
// client configured for it.
type ProviderController struct {
	chains    ChainSelector
	providers map[string]ProviderFactory
	clients   map[string]ClientFactory
	cache     *gocache.Cache
	signers   SignerSource
}

func NewProviderController(chains ChainSelector, opts ...Option) *ProviderController {
	p := &ProviderController{
		chains:    chains,
		providers: defaultProviders(),
		clients:   defaultClients(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *ProviderController) chainInfo(code string) (*chain.ChainInfo, error) {
	info, err := p.chains(code)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, chain.NewNotFoundError("chain %s", code)
	}
	return info, nil
}

func (p *ProviderController) newClient(code string, conf chain.ClientConfig) (chain.BaseClient, error) {
	key := "client/" + code + "/" + conf.Name
	if p.cache != nil {
		if c, ok := p.cache.Get(key); ok {
			return c.(chain.BaseClient), nil
		}
	}
	factory, ok := p.clients[conf.Name]
	if !ok {
		return nil, chain.NewNotFoundError("client implementation %s", conf.Name)
	}
	c, err := factory(conf)
	if err != nil {
		log.Error("create client fail", "chain", code, "client", conf.Name, "err", err)
		return nil, err
	}
	if p.cache != nil {
		p.cache.SetDefault(key, c)
	}
	return c, nil
}

// GetClient builds the client named prefer, or the first configured client
// when prefer is empty.
func (p *ProviderController) GetClient(ctx context.Context, code, prefer string) (chain.BaseClient, error) {
	info, err := p.chainInfo(code)
	if err != nil {
		return nil, err
	}
	for _, conf := range info.Clients {
		if prefer == "" || conf.Name == prefer {
			return p.newClient(code, conf)
		}
	}
	if prefer != "" {
		return nil, chain.NewNotFoundError("client %s of chain %s", prefer, code)
	}
	return nil, chain.NewNotFoundError("client of chain %s", code)
}

// clientSelector builds configured clients in order until filter accepts
// one.
func (p *ProviderController) clientSelector(info *chain.ChainInfo) chain.ClientSelector {
	return func(ctx context.Context, filter func(chain.BaseClient) bool) (chain.BaseClient, error) {
		for _, conf := range info.Clients {
			c, err := p.newClient(info.Code, conf)
			if err != nil {
				return nil, err
			}
			if filter == nil || filter(c) {
				return c, nil
			}
		}
		return nil, chain.NewNotFoundError("matching client of chain %s", info.Code)
	}
}

func (p *ProviderController) GetProvider(ctx context.Context, code string) (chain.BaseProvider, error) {
	info, err := p.chainInfo(code)
	if err != nil {
		return nil, err
	}
	key := "provider/" + code
	if p.cache != nil {
		if prov, ok := p.cache.Get(key); ok {
			return prov.(chain.BaseProvider), nil
		}
	}
	factory, ok := p.providers[info.Impl]
	if !ok {
		return nil, chain.NewNotFoundError("provider implementation %s of chain %s", info.Impl, code)
	}
	prov, err := factory(info, p.clientSelector(info))
	if err != nil {
		log.Error("failed to setup chain", "chain", code, "impl", info.Impl, "err", err)
		return nil, err
	}
	if p.cache != nil {
		p.cache.SetDefault(key, prov)
	}
	return prov, nil
}

// dispatch runs fn and turns a panic inside a chain implementation into an
// error for the caller.
func dispatch[T any](method, code string, fn func() (T, error)) (res T, err error) {
	defer func() {
		if e := recover(); e != nil {
			log.Error("panic error", "method", method, "chain", code, "msg", e)
			log.Debug(string(debug.Stack()))
			err = errors.Errorf("panic in %s: %v", method, e)
		}
	}()
	log.Debug(method, "chain", code)
	res, err = fn()
	if err != nil {
		log.Debug("finish handling", "method", method, "chain", code, "err", err)
	}
	return res, err
}

func withClient[T any](ctx context.Context, p *ProviderController, method, code string, fn func(chain.BaseClient) (T, error)) (T, error) {
	return dispatch(method, code, func() (T, error) {
		c, err := p.GetClient(ctx, code, "")
		if err != nil {
			var zero T
			return zero, err
		}
		return fn(c)
	})
}

func withProvider[T any](ctx context.Context, p *ProviderController, method, code string, fn func(chain.BaseProvider) (T, error)) (T, error) {
	return dispatch(method, code, func() (T, error) {
		prov, err := p.GetProvider(ctx, code)
		if err != nil {
			var zero T
			return zero, err
		}
		return fn(prov)
	})
}

func (p *ProviderController) GetInfo(ctx context.Context, code string) (*chain.ClientInfo, error) {
	return withClient(ctx, p, "GetInfo", code, func(c chain.BaseClient) (*chain.ClientInfo, error) {
		return c.GetInfo(ctx)
	})
}

func (p *ProviderController) GetAddress(ctx context.Context, code, address string) (*chain.AddressInfo, error) {
	return withClient(ctx, p, "GetAddress", code, func(c chain.BaseClient) (*chain.AddressInfo, error) {
		return c.GetAddress(ctx, address)
	})
}

func (p *ProviderController) BatchGetAddresses(ctx context.Context, code string, addresses []string) ([]*chain.AddressInfo, error) {
	return withClient(ctx, p, "BatchGetAddresses", code, func(c chain.BaseClient) ([]*chain.AddressInfo, error) {
		return c.GetAddresses(ctx, addresses), nil
	})
}

func (p *ProviderController) GetBalance(ctx context.Context, code string, req chain.BalanceRequest) (*big.Int, error) {
	return withClient(ctx, p, "GetBalance", code, func(c chain.BaseClient) (*big.Int, error) {
		return c.GetBalance(ctx, req)
	})
}

func (p *ProviderController) BatchGetBalances(ctx context.Context, code string, reqs []chain.BalanceRequest) ([]*big.Int, error) {
	return withClient(ctx, p, "BatchGetBalances", code, func(c chain.BaseClient) ([]*big.Int, error) {
		return c.GetBalances(ctx, reqs), nil
	})
}

func (p *ProviderController) GetFeePricePerUnit(ctx context.Context, code string) (*chain.FeePricePerUnit, error) {
	return withClient(ctx, p, "GetFeePricePerUnit", code, func(c chain.BaseClient) (*chain.FeePricePerUnit, error) {
		return c.GetFeePricePerUnit(ctx)
	})
}

func (p *ProviderController) BroadcastTransaction(ctx context.Context, code, rawTx string) (string, error) {
	return withClient(ctx, p, "BroadcastTransaction", code, func(c chain.BaseClient) (string, error) {
		return c.BroadcastTransaction(ctx, rawTx)
	})
}

func (p *ProviderController) GetTransactionStatus(ctx context.Context, code, txid string) (chain.TransactionStatus, error) {
	return withClient(ctx, p, "GetTransactionStatus", code, func(c chain.BaseClient) (chain.TransactionStatus, error) {
		return c.GetTransactionStatus(ctx, txid)
	})
}

func (p *ProviderController) GetTokenInfo(ctx context.Context, code, address string) (*chain.TokenInfo, error) {
	return withClient(ctx, p, "GetTokenInfo", code, func(c chain.BaseClient) (*chain.TokenInfo, error) {
		return c.GetTokenInfo(ctx, address)
	})
}

func (p *ProviderController) GetUTXOs(ctx context.Context, code string, addresses []string) ([][]chain.UTXO, error) {
	return withClient(ctx, p, "GetUTXOs", code, func(c chain.BaseClient) ([][]chain.UTXO, error) {
		return c.GetUTXOs(ctx, addresses), nil
	})
}

func (p *ProviderController) BuildUnsignedTx(ctx context.Context, code string, tx *chain.UnsignedTx) (*chain.UnsignedTx, error) {
	return withProvider(ctx, p, "BuildUnsignedTx", code, func(prov chain.BaseProvider) (*chain.UnsignedTx, error) {
		return prov.BuildUnsignedTx(ctx, tx)
	})
}

func (p *ProviderController) PubkeyToAddress(ctx context.Context, code string, verifier chain.Verifier, encoding string) (string, error) {
	return withProvider(ctx, p, "PubkeyToAddress", code, func(prov chain.BaseProvider) (string, error) {
		return prov.PubkeyToAddress(ctx, verifier, encoding)
	})
}

func (p *ProviderController) SignTransaction(ctx context.Context, code string, tx *chain.UnsignedTx, signers map[string]chain.Signer) (*chain.SignedTx, error) {
	return withProvider(ctx, p, "SignTransaction", code, func(prov chain.BaseProvider) (*chain.SignedTx, error) {
		return prov.SignTransaction(ctx, tx, signers)
	})
}

// SignTransactionByAddress signs with the keys WithSigners holds for the
// input addresses.
func (p *ProviderController) SignTransactionByAddress(ctx context.Context, code string, tx *chain.UnsignedTx) (*chain.SignedTx, error) {
	if p.signers == nil {
		return nil, chain.NewNotFoundError("signer source")
	}
	if err := chain.CheckIsDefined(tx, "tx"); err != nil {
		return nil, err
	}
	var addresses []string
	seen := map[string]bool{}
	for _, in := range tx.Inputs {
		if !seen[in.Address] {
			seen[in.Address] = true
			addresses = append(addresses, in.Address)
		}
	}
	signers, err := p.signers.Signers(ctx, addresses)
	if err != nil {
		return nil, err
	}
	return p.SignTransaction(ctx, code, tx, signers)
}

func (p *ProviderController) VerifyAddress(ctx context.Context, code, address string) (*chain.AddressValidation, error) {
	return withProvider(ctx, p, "VerifyAddress", code, func(prov chain.BaseProvider) (*chain.AddressValidation, error) {
		return prov.VerifyAddress(address), nil
	})
}

func (p *ProviderController) VerifyTokenAddress(ctx context.Context, code, address string) (*chain.AddressValidation, error) {
	return withProvider(ctx, p, "VerifyTokenAddress", code, func(prov chain.BaseProvider) (*chain.AddressValidation, error) {
		return chain.VerifyTokenAddress(prov, address), nil
	})
}

func (p *ProviderController) SignMessage(ctx context.Context, code string, msg *chain.TypedMessage, signer chain.Signer) (string, error) {
	return withProvider(ctx, p, "SignMessage", code, func(prov chain.BaseProvider) (string, error) {
		return prov.SignMessage(ctx, msg, signer)
	})
}

func (p *ProviderController) VerifyMessage(ctx context.Context, code, address string, msg *chain.TypedMessage, signature string) (bool, error) {
	return withProvider(ctx, p, "VerifyMessage", code, func(prov chain.BaseProvider) (bool, error) {
		return prov.VerifyMessage(ctx, address, msg, signature)
	})
}
