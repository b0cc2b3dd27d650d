package bitcoin

import (
	"bytes"
	"context"
	"encoding/hex"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"

	"github.com/dapplink-baas/wallet-chain-provider/chain"
)

const ChainName = "btc"

const payloadOpReturn = "opReturn"

type ChainAdaptor struct {
	chain.Provider
	params *chaincfg.Params
}

func NewChainAdaptor(info *chain.ChainInfo, selector chain.ClientSelector) (chain.BaseProvider, error) {
	params, err := networkParams(info.ImplOptions.String("network", "mainnet"))
	if err != nil {
		return nil, err
	}
	return &ChainAdaptor{Provider: chain.NewProvider(info, selector), params: params}, nil
}

func (c *ChainAdaptor) PubkeyToAddress(ctx context.Context, verifier chain.Verifier, encoding string) (string, error) {
	encoding, err := normalizeEncoding(encoding)
	if err != nil {
		return "", err
	}
	pub, err := verifier.GetPubkey(true)
	if err != nil {
		return "", err
	}
	addr, err := addressFromPubkey(pub, encoding, c.params)
	if err != nil {
		log.Error("create address fail", "encoding", encoding, "err", err)
		return "", err
	}
	return addr.EncodeAddress(), nil
}

func (c *ChainAdaptor) VerifyAddress(address string) *chain.AddressValidation {
	addr, err := btcutil.DecodeAddress(address, c.params)
	if err != nil || !addr.IsForNet(c.params) {
		return chain.InvalidAddress()
	}
	encoding, err := encodingOf(addr)
	if err != nil {
		return chain.InvalidAddress()
	}
	normalized := addr.EncodeAddress()
	return &chain.AddressValidation{
		IsValid:           true,
		NormalizedAddress: normalized,
		DisplayAddress:    normalized,
		Encoding:          encoding,
	}
}

// BuildUnsignedTx prices the transaction from its estimated vsize. Inputs
// must already carry their UTXOs; coin selection and change are the
// caller's job.
func (c *ChainAdaptor) BuildUnsignedTx(ctx context.Context, tx *chain.UnsignedTx) (*chain.UnsignedTx, error) {
	out := tx.Clone()
	if err := chain.Check(len(out.Inputs) > 0 && len(out.Outputs) > 0, "bitcoin tx needs inputs and outputs"); err != nil {
		return nil, err
	}
	var inputAddrs, outputAddrs []string
	inTotal, outTotal := new(big.Int), new(big.Int)
	for i, in := range out.Inputs {
		if err := chain.CheckIsDefined(in.UTXO, "inputs["+itoa(i)+"].utxo"); err != nil {
			return nil, err
		}
		v, err := satoshis(in.UTXO.Value, "inputs["+itoa(i)+"].utxo.value")
		if err != nil {
			return nil, err
		}
		inputAddrs = append(inputAddrs, in.Address)
		inTotal.Add(inTotal, big.NewInt(v))
	}
	for i, o := range out.Outputs {
		v, err := satoshis(o.Value, "outputs["+itoa(i)+"].value")
		if err != nil {
			return nil, err
		}
		outputAddrs = append(outputAddrs, o.Address)
		outTotal.Add(outTotal, big.NewInt(v))
	}
	opReturn, _ := chain.PayloadString(out, payloadOpReturn)

	if out.FeeLimit == nil {
		out.FeeLimit = big.NewInt(estimateVsize(inputAddrs, outputAddrs, []byte(opReturn), c.params))
	}
	if out.FeePricePerUnit == nil {
		client, err := c.AnyClient(ctx)
		if err != nil {
			return nil, err
		}
		fee, err := client.GetFeePricePerUnit(ctx)
		if err != nil {
			return nil, err
		}
		out.FeePricePerUnit = new(big.Int).Set(fee.Normal.Price)
	}
	fee := new(big.Int).Mul(out.FeeLimit, out.FeePricePerUnit)
	if err := chain.Check(inTotal.Cmp(new(big.Int).Add(outTotal, fee)) >= 0,
		"inputs %s cannot cover outputs %s plus fee %s", inTotal, outTotal, fee); err != nil {
		return nil, err
	}
	return out, nil
}

// satoshis checks that v is a defined non negative int64 amount.
func satoshis(v *big.Int, name string) (int64, error) {
	if err := chain.CheckIsDefined(v, name); err != nil {
		return 0, err
	}
	if err := chain.Check(v.Sign() >= 0 && v.IsInt64(), "%s out of range", name); err != nil {
		return 0, err
	}
	return v.Int64(), nil
}

type preparedInput struct {
	encoding string
	pkScript []byte
	value    int64
}

// buildPacket assembles the unsigned transaction as a PSBT packet. Segwit and
// taproot inputs carry their witness UTXO so a device can sign the packet
// directly.
func (c *ChainAdaptor) buildPacket(tx *chain.UnsignedTx) (*psbt.Packet, []preparedInput, txscript.PrevOutputFetcher, error) {
	if err := chain.CheckIsDefined(tx.FeeLimit, "feeLimit"); err != nil {
		return nil, nil, nil, err
	}
	inputs := make([]preparedInput, len(tx.Inputs))
	outPoints := make([]*wire.OutPoint, len(tx.Inputs))
	sequences := make([]uint32, len(tx.Inputs))
	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(tx.Inputs))
	for i, in := range tx.Inputs {
		if err := chain.CheckIsDefined(in.UTXO, "inputs["+itoa(i)+"].utxo"); err != nil {
			return nil, nil, nil, err
		}
		value, err := satoshis(in.UTXO.Value, "inputs["+itoa(i)+"].utxo.value")
		if err != nil {
			return nil, nil, nil, err
		}
		hash, err := chainhash.NewHashFromStr(in.UTXO.Txid)
		if err != nil {
			return nil, nil, nil, errors.Wrapf(err, "utxo txid %s", in.UTXO.Txid)
		}
		addr, err := btcutil.DecodeAddress(in.Address, c.params)
		if err != nil {
			return nil, nil, nil, errors.Wrapf(err, "decode input address %s", in.Address)
		}
		encoding, err := encodingOf(addr)
		if err != nil {
			return nil, nil, nil, err
		}
		pkScript, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, nil, nil, err
		}
		outPoints[i] = wire.NewOutPoint(hash, in.UTXO.Vout)
		sequences[i] = wire.MaxTxInSequenceNum
		inputs[i] = preparedInput{encoding: encoding, pkScript: pkScript, value: value}
		prevOuts[*outPoints[i]] = wire.NewTxOut(inputs[i].value, pkScript)
	}
	var txOuts []*wire.TxOut
	for i, out := range tx.Outputs {
		value, err := satoshis(out.Value, "outputs["+itoa(i)+"].value")
		if err != nil {
			return nil, nil, nil, err
		}
		addr, err := btcutil.DecodeAddress(out.Address, c.params)
		if err != nil {
			return nil, nil, nil, errors.Wrapf(err, "decode output address %s", out.Address)
		}
		pkScript, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, nil, nil, err
		}
		txOuts = append(txOuts, wire.NewTxOut(value, pkScript))
	}
	if opReturn, ok := chain.PayloadString(tx, payloadOpReturn); ok {
		script, err := txscript.NullDataScript([]byte(opReturn))
		if err != nil {
			return nil, nil, nil, errors.Wrap(err, "op_return script")
		}
		txOuts = append(txOuts, wire.NewTxOut(0, script))
	}
	packet, err := psbt.New(outPoints, txOuts, 2, 0, sequences)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "new psbt")
	}
	for i, in := range inputs {
		if in.encoding != EncodingP2PKH {
			packet.Inputs[i].WitnessUtxo = wire.NewTxOut(in.value, in.pkScript)
		}
	}
	return packet, inputs, txscript.NewMultiPrevOutFetcher(prevOuts), nil
}

func (c *ChainAdaptor) SignTransaction(ctx context.Context, tx *chain.UnsignedTx, signers map[string]chain.Signer) (*chain.SignedTx, error) {
	packet, inputs, fetcher, err := c.buildPacket(tx)
	if err != nil {
		return nil, err
	}
	msgTx := packet.UnsignedTx.Copy()
	sigHashes := txscript.NewTxSigHashes(msgTx, fetcher)

	for i, in := range tx.Inputs {
		signer, err := chain.SignerFor(signers, in.Address)
		if err != nil {
			return nil, err
		}
		if err := c.checkSignerAddress(signer, inputs[i].encoding, in.Address); err != nil {
			return nil, err
		}
		if err := c.signInput(ctx, msgTx, i, inputs[i], sigHashes, signer); err != nil {
			log.Error("sign input fail", "index", i, "address", in.Address, "err", err)
			return nil, err
		}
		vm, err := txscript.NewEngine(inputs[i].pkScript, msgTx, i, txscript.StandardVerifyFlags, nil, sigHashes, inputs[i].value, fetcher)
		if err != nil {
			return nil, errors.Wrap(err, "new script engine")
		}
		if err := vm.Execute(); err != nil {
			return nil, errors.Wrapf(err, "verify input %d", i)
		}
	}
	return c.finalize(packet, msgTx)
}

// finalize moves the verified scripts into the packet and extracts the
// network transaction from it.
func (c *ChainAdaptor) finalize(packet *psbt.Packet, msgTx *wire.MsgTx) (*chain.SignedTx, error) {
	for i, txIn := range msgTx.TxIn {
		if len(txIn.SignatureScript) > 0 {
			packet.Inputs[i].FinalScriptSig = txIn.SignatureScript
		}
		if len(txIn.Witness) > 0 {
			var buf bytes.Buffer
			if err := psbt.WriteTxWitness(&buf, txIn.Witness); err != nil {
				return nil, errors.Wrapf(err, "input %d witness", i)
			}
			packet.Inputs[i].FinalScriptWitness = buf.Bytes()
		}
	}
	extracted, err := psbt.Extract(packet)
	if err != nil {
		return nil, errors.Wrap(err, "extract psbt")
	}
	return c.serialize(extracted)
}

func (c *ChainAdaptor) serialize(msgTx *wire.MsgTx) (*chain.SignedTx, error) {
	buf := bytes.NewBuffer(make([]byte, 0, msgTx.SerializeSize()))
	if err := msgTx.Serialize(buf); err != nil {
		return nil, errors.Wrap(err, "serialize tx")
	}
	return &chain.SignedTx{Txid: msgTx.TxHash().String(), RawTx: hex.EncodeToString(buf.Bytes())}, nil
}

func (c *ChainAdaptor) signInput(ctx context.Context, msgTx *wire.MsgTx, idx int, in preparedInput, sigHashes *txscript.TxSigHashes, signer chain.Signer) error {
	pub, err := signer.GetPubkey(true)
	if err != nil {
		return err
	}
	switch in.encoding {
	case EncodingP2PKH:
		digest, err := txscript.CalcSignatureHash(in.pkScript, txscript.SigHashAll, msgTx, idx)
		if err != nil {
			return err
		}
		sig, err := derSignature(ctx, signer, digest)
		if err != nil {
			return err
		}
		script, err := txscript.NewScriptBuilder().AddData(sig).AddData(pub).Script()
		if err != nil {
			return err
		}
		msgTx.TxIn[idx].SignatureScript = script
	case EncodingP2WPKH, EncodingP2SHP2WPKH:
		witnessProgram := in.pkScript
		if in.encoding == EncodingP2SHP2WPKH {
			witnessAddr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub), c.params)
			if err != nil {
				return err
			}
			if witnessProgram, err = txscript.PayToAddrScript(witnessAddr); err != nil {
				return err
			}
			script, err := txscript.NewScriptBuilder().AddData(witnessProgram).Script()
			if err != nil {
				return err
			}
			msgTx.TxIn[idx].SignatureScript = script
		}
		digest, err := txscript.CalcWitnessSigHash(witnessProgram, sigHashes, txscript.SigHashAll, msgTx, idx, in.value)
		if err != nil {
			return err
		}
		sig, err := derSignature(ctx, signer, digest)
		if err != nil {
			return err
		}
		msgTx.TxIn[idx].Witness = wire.TxWitness{sig, pub}
	case EncodingP2TR:
		// key path spends need a schnorr signature with the tweaked key
		prv, err := signer.GetPrvkey()
		if err != nil {
			return errors.Wrap(err, "taproot signing needs the private key")
		}
		key, _ := btcec.PrivKeyFromBytes(prv)
		witness, err := txscript.TaprootWitnessSignature(msgTx, sigHashes, idx, in.value, in.pkScript, txscript.SigHashDefault, key)
		if err != nil {
			return err
		}
		msgTx.TxIn[idx].Witness = witness
	default:
		return errors.Errorf("unsupported input encoding %s", in.encoding)
	}
	return nil
}

func (c *ChainAdaptor) checkSignerAddress(signer chain.Verifier, encoding, address string) error {
	pub, err := signer.GetPubkey(true)
	if err != nil {
		return err
	}
	addr, err := addressFromPubkey(pub, encoding, c.params)
	if err != nil {
		return err
	}
	return chain.Check(addr.EncodeAddress() == address, "signer key does not match input address %s", address)
}

// derSignature signs digest and returns DER || SIGHASH_ALL.
func derSignature(ctx context.Context, signer chain.Signer, digest []byte) ([]byte, error) {
	rs, _, err := signer.Sign(ctx, digest)
	if err != nil {
		return nil, err
	}
	if len(rs) < 64 {
		return nil, errors.Errorf("unexpected signature length %d", len(rs))
	}
	var r, s btcec.ModNScalar
	if r.SetByteSlice(rs[:32]) || s.SetByteSlice(rs[32:64]) {
		return nil, errors.New("signature scalar overflows")
	}
	return append(ecdsa.NewSignature(&r, &s).Serialize(), byte(txscript.SigHashAll)), nil
}

func itoa(i int) string {
	return big.NewInt(int64(i)).String()
}
