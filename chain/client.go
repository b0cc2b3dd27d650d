package chain

import (
	"context"
	"math/big"
)

// BaseClient is the read path of a chain. Batch methods return one slot per
// input in input order; a nil slot means that item could not be fetched.
type BaseClient interface {
	GetInfo(ctx context.Context) (*ClientInfo, error)
	GetAddress(ctx context.Context, address string) (*AddressInfo, error)
	GetAddresses(ctx context.Context, addresses []string) []*AddressInfo
	GetBalance(ctx context.Context, req BalanceRequest) (*big.Int, error)
	GetBalances(ctx context.Context, reqs []BalanceRequest) []*big.Int
	GetFeePricePerUnit(ctx context.Context) (*FeePricePerUnit, error)
	// BroadcastTransaction returns the txid echoed by the node, or "" when
	// the node only reports success.
	BroadcastTransaction(ctx context.Context, rawTx string) (string, error)
	GetTransactionStatus(ctx context.Context, txid string) (TransactionStatus, error)
	GetTransactionStatuses(ctx context.Context, txids []string) []*TransactionStatus
	GetTokenInfo(ctx context.Context, address string) (*TokenInfo, error)
	GetTokenInfos(ctx context.Context, addresses []string) []*TokenInfo
	// GetUTXO returns a non-nil slice on success.
	GetUTXO(ctx context.Context, address string) ([]UTXO, error)
	GetUTXOs(ctx context.Context, addresses []string) [][]UTXO
}

// SingleClient is the minimum a chain client implements. SimpleClient turns
// it into a BaseClient.
type SingleClient interface {
	GetInfo(ctx context.Context) (*ClientInfo, error)
	GetAddress(ctx context.Context, address string) (*AddressInfo, error)
	GetFeePricePerUnit(ctx context.Context) (*FeePricePerUnit, error)
	BroadcastTransaction(ctx context.Context, rawTx string) (string, error)
	GetTransactionStatus(ctx context.Context, txid string) (TransactionStatus, error)
}

type balanceGetter interface {
	GetBalance(ctx context.Context, req BalanceRequest) (*big.Int, error)
}

type tokenInfoGetter interface {
	GetTokenInfo(ctx context.Context, address string) (*TokenInfo, error)
}

type utxoGetter interface {
	GetUTXO(ctx context.Context, address string) ([]UTXO, error)
}

// SimpleClient fans batch methods out over the single item methods of the
// wrapped client. Chain clients embed it and override what their node can
// batch natively. Single item methods defined on the wrapped client take
// precedence over the defaults here.
type SimpleClient struct {
	SingleClient
}

func NewSimpleClient(single SingleClient) SimpleClient {
	return SimpleClient{SingleClient: single}
}

// GetBalance reads the native balance from GetAddress. Token balances need
// a chain specific override.
func (s SimpleClient) GetBalance(ctx context.Context, req BalanceRequest) (*big.Int, error) {
	if req.TokenAddress != "" {
		return nil, NotImplemented("token balance")
	}
	info, err := s.SingleClient.GetAddress(ctx, req.Address)
	if err != nil {
		return nil, err
	}
	if info.Balance == nil {
		return big.NewInt(0), nil
	}
	return info.Balance, nil
}

func (s SimpleClient) GetTokenInfo(ctx context.Context, address string) (*TokenInfo, error) {
	return nil, NotImplemented("GetTokenInfo")
}

func (s SimpleClient) GetUTXO(ctx context.Context, address string) ([]UTXO, error) {
	return nil, NotImplemented("GetUTXO")
}

func (s SimpleClient) GetAddresses(ctx context.Context, addresses []string) []*AddressInfo {
	return BatchCall2SingleCall(ctx, addresses, s.SingleClient.GetAddress)
}

func (s SimpleClient) GetBalances(ctx context.Context, reqs []BalanceRequest) []*big.Int {
	get := s.GetBalance
	if g, ok := s.SingleClient.(balanceGetter); ok {
		get = g.GetBalance
	}
	return BatchCall2SingleCall(ctx, reqs, get)
}

func (s SimpleClient) GetTransactionStatuses(ctx context.Context, txids []string) []*TransactionStatus {
	return BatchCall2SingleCall(ctx, txids, func(ctx context.Context, txid string) (*TransactionStatus, error) {
		status, err := s.SingleClient.GetTransactionStatus(ctx, txid)
		if err != nil {
			return nil, err
		}
		return &status, nil
	})
}

func (s SimpleClient) GetTokenInfos(ctx context.Context, addresses []string) []*TokenInfo {
	get := s.GetTokenInfo
	if g, ok := s.SingleClient.(tokenInfoGetter); ok {
		get = g.GetTokenInfo
	}
	return BatchCall2SingleCall(ctx, addresses, get)
}

func (s SimpleClient) GetUTXOs(ctx context.Context, addresses []string) [][]UTXO {
	get := s.GetUTXO
	if g, ok := s.SingleClient.(utxoGetter); ok {
		get = g.GetUTXO
	}
	return BatchCall2SingleCall(ctx, addresses, func(ctx context.Context, address string) ([]UTXO, error) {
		utxos, err := get(ctx, address)
		if err == nil && utxos == nil {
			utxos = []UTXO{}
		}
		return utxos, err
	})
}
