package starcoin

import (
	"bytes"
	"encoding/binary"
	"math/big"

	"github.com/pkg/errors"
)

// bcsWriter writes Binary Canonical Serialization: little endian integers
// and uleb128 lengths.
type bcsWriter struct {
	buf bytes.Buffer
	err error
}

func (w *bcsWriter) u8(v uint8) {
	w.buf.WriteByte(v)
}

func (w *bcsWriter) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

func (w *bcsWriter) u128(v *big.Int) {
	if v == nil || v.Sign() < 0 || v.BitLen() > 128 {
		if w.err == nil {
			w.err = errors.Errorf("u128 out of range: %v", v)
		}
		return
	}
	var b [16]byte
	be := v.Bytes()
	for i := range be {
		b[i] = be[len(be)-1-i]
	}
	w.buf.Write(b[:])
}

func (w *bcsWriter) uleb128(v uint64) {
	for v >= 0x80 {
		w.buf.WriteByte(byte(v) | 0x80)
		v >>= 7
	}
	w.buf.WriteByte(byte(v))
}

func (w *bcsWriter) fixed(b []byte) {
	w.buf.Write(b)
}

func (w *bcsWriter) bytes(b []byte) {
	w.uleb128(uint64(len(b)))
	w.buf.Write(b)
}

func (w *bcsWriter) string(s string) {
	w.bytes([]byte(s))
}

func (w *bcsWriter) result() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	return w.buf.Bytes(), nil
}

func u128Bytes(v *big.Int) ([]byte, error) {
	w := &bcsWriter{}
	w.u128(v)
	return w.result()
}
