package bitcoin

import (
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/pkg/errors"
)

const (
	EncodingP2PKH      = "P2PKH"
	EncodingP2SHP2WPKH = "P2SH_P2WPKH"
	EncodingP2WPKH     = "P2WPKH"
	EncodingP2TR       = "P2TR"
)

func normalizeEncoding(encoding string) (string, error) {
	switch strings.ToUpper(strings.TrimSpace(encoding)) {
	case "", EncodingP2WPKH, "84", "BECH32":
		return EncodingP2WPKH, nil
	case EncodingP2PKH, "44", "LEGACY":
		return EncodingP2PKH, nil
	case EncodingP2SHP2WPKH, "P2SH", "49", "NESTED":
		return EncodingP2SHP2WPKH, nil
	case EncodingP2TR, "86", "TAPROOT":
		return EncodingP2TR, nil
	}
	return "", errors.Errorf("unsupported address encoding %q", encoding)
}

func networkParams(network string) (*chaincfg.Params, error) {
	switch strings.ToLower(network) {
	case "", "mainnet", "main":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3", "test":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	}
	return nil, errors.Errorf("unsupported bitcoin network %q", network)
}

// addressFromPubkey builds the address of a compressed public key.
func addressFromPubkey(pub []byte, encoding string, params *chaincfg.Params) (btcutil.Address, error) {
	pubKeyHash := btcutil.Hash160(pub)
	switch encoding {
	case EncodingP2PKH:
		return btcutil.NewAddressPubKeyHash(pubKeyHash, params)
	case EncodingP2WPKH:
		return btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, params)
	case EncodingP2SHP2WPKH:
		witnessAddr, err := btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, params)
		if err != nil {
			return nil, err
		}
		script, err := txscript.PayToAddrScript(witnessAddr)
		if err != nil {
			return nil, err
		}
		return btcutil.NewAddressScriptHash(script, params)
	case EncodingP2TR:
		pubKey, err := btcec.ParsePubKey(pub)
		if err != nil {
			return nil, errors.Wrap(err, "parse public key")
		}
		taprootKey := txscript.ComputeTaprootKeyNoScript(pubKey)
		return btcutil.NewAddressTaproot(schnorr.SerializePubKey(taprootKey), params)
	}
	return nil, errors.Errorf("unsupported address encoding %q", encoding)
}

// encodingOf reports the spend type of an address. Script hash addresses are
// assumed to wrap P2WPKH.
func encodingOf(addr btcutil.Address) (string, error) {
	switch addr.(type) {
	case *btcutil.AddressPubKeyHash:
		return EncodingP2PKH, nil
	case *btcutil.AddressScriptHash:
		return EncodingP2SHP2WPKH, nil
	case *btcutil.AddressWitnessPubKeyHash:
		return EncodingP2WPKH, nil
	case *btcutil.AddressTaproot:
		return EncodingP2TR, nil
	}
	return "", errors.Errorf("unsupported address type %T", addr)
}
