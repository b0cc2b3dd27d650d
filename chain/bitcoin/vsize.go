package bitcoin

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

const txOverheadVsize = 10

var (
	inputVsize = map[string]int64{
		EncodingP2PKH:      148,
		EncodingP2SHP2WPKH: 91,
		EncodingP2WPKH:     68,
		EncodingP2TR:       58,
	}
	outputVsize = map[string]int64{
		EncodingP2PKH:      34,
		EncodingP2SHP2WPKH: 32,
		EncodingP2WPKH:     31,
		EncodingP2TR:       43,
	}
)

// estimateVsize sums the fixed cost of every input and output encoding plus
// an optional OP_RETURN output carrying opReturn bytes. Unknown addresses
// are priced as P2PKH, the most expensive case.
func estimateVsize(inputs, outputs []string, opReturn []byte, params *chaincfg.Params) int64 {
	size := int64(txOverheadVsize)
	for _, a := range inputs {
		size += inputVsize[encodingOrLegacy(a, params)]
	}
	for _, a := range outputs {
		size += outputVsize[encodingOrLegacy(a, params)]
	}
	if len(opReturn) > 0 {
		size += 11 + int64(len(opReturn))
	}
	return size
}

func encodingOrLegacy(address string, params *chaincfg.Params) string {
	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return EncodingP2PKH
	}
	encoding, err := encodingOf(addr)
	if err != nil {
		return EncodingP2PKH
	}
	return encoding
}
