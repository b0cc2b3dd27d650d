package chain

import (
	"fmt"
	"math/big"
	"strconv"
	"time"
)

// Options is the implementation specific options bag of a chain or client
// descriptor. Values come from YAML so numbers may arrive as int or float64.
type Options map[string]interface{}

func (o Options) String(key, def string) string {
	if v, ok := o[key]; ok && v != nil {
		switch s := v.(type) {
		case string:
			return s
		default:
			return fmt.Sprint(s)
		}
	}
	return def
}

func (o Options) Int64(key string, def int64) int64 {
	switch v := o[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case uint64:
		return int64(v)
	case float64:
		return int64(v)
	case string:
		if n, err := strconv.ParseInt(v, 0, 64); err == nil {
			return n
		}
	}
	return def
}

func (o Options) Float(key string, def float64) float64 {
	switch v := o[key].(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		return v
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func (o Options) Bool(key string, def bool) bool {
	switch v := o[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// ClientConfig names a client implementation and carries its constructor
// arguments.
type ClientConfig struct {
	Name    string
	URLs    []string
	Timeout time.Duration
	Headers map[string]string
	Options Options
}

type ChainInfo struct {
	Code        string
	FeeCode     string
	Impl        string
	Decimals    int32
	ImplOptions Options
	Clients     []ClientConfig
}

type CoinInfo struct {
	Code         string
	ChainCode    string
	Decimals     int32
	TokenAddress string
}

type UTXO struct {
	Txid  string
	Vout  uint32
	Value *big.Int
}

type TxInput struct {
	Address      string
	Value        *big.Int
	TokenAddress string
	UTXO         *UTXO
	// PublicKey is the hex encoded public key of Address, needed by chains
	// whose signed envelope embeds it.
	PublicKey string
}

type TxOutput struct {
	Address      string
	Value        *big.Int
	TokenAddress string
	Payload      map[string]interface{}
}

type UnsignedTx struct {
	Inputs          []TxInput
	Outputs         []TxOutput
	Nonce           *uint64
	FeeLimit        *big.Int
	FeePricePerUnit *big.Int
	Payload         map[string]interface{}
}

// Clone returns a copy whose slices and payload map can be modified without
// touching tx. Values inside the payload are shared.
func (tx *UnsignedTx) Clone() *UnsignedTx {
	if tx == nil {
		return &UnsignedTx{Payload: map[string]interface{}{}}
	}
	out := &UnsignedTx{
		Inputs:  append([]TxInput(nil), tx.Inputs...),
		Outputs: append([]TxOutput(nil), tx.Outputs...),
		Payload: make(map[string]interface{}, len(tx.Payload)),
	}
	if tx.Nonce != nil {
		n := *tx.Nonce
		out.Nonce = &n
	}
	if tx.FeeLimit != nil {
		out.FeeLimit = new(big.Int).Set(tx.FeeLimit)
	}
	if tx.FeePricePerUnit != nil {
		out.FeePricePerUnit = new(big.Int).Set(tx.FeePricePerUnit)
	}
	for k, v := range tx.Payload {
		out.Payload[k] = v
	}
	return out
}

type SignedTx struct {
	Txid  string
	RawTx string
}

type AddressInfo struct {
	Balance  *big.Int
	Existing bool
	Nonce    *uint64
}

type TransactionStatus int

const (
	TxNotFound TransactionStatus = iota
	TxPending
	TxInvalid
	TxConfirmAndSuccess
	TxConfirmButFailed
)

func (s TransactionStatus) String() string {
	switch s {
	case TxNotFound:
		return "NOT_FOUND"
	case TxPending:
		return "PENDING"
	case TxInvalid:
		return "INVALID"
	case TxConfirmAndSuccess:
		return "CONFIRM_AND_SUCCESS"
	case TxConfirmButFailed:
		return "CONFIRM_BUT_FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the status can no longer change for a txid.
func (s TransactionStatus) Terminal() bool {
	return s != TxPending
}

type ClientInfo struct {
	BestBlockNumber int64
	IsReady         bool
}

type EstimatedPrice struct {
	Price        *big.Int
	WaitingBlock int64
	Payload      map[string]interface{}
}

type FeePricePerUnit struct {
	Normal EstimatedPrice
	Others []EstimatedPrice
}

type TokenInfo struct {
	Address  string
	Symbol   string
	Name     string
	Decimals int32
}

type BalanceRequest struct {
	Address      string
	TokenAddress string
}

type AddressValidation struct {
	IsValid           bool
	NormalizedAddress string
	DisplayAddress    string
	Encoding          string
}

func InvalidAddress() *AddressValidation {
	return &AddressValidation{IsValid: false}
}

// TypedMessage is a message to sign. Type values are chain specific.
type TypedMessage struct {
	Type    int
	Message string
}

func Uint64Ptr(n uint64) *uint64 {
	return &n
}

func Int64Ptr(n int64) *int64 {
	return &n
}
