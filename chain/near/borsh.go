package near

import (
	"bytes"
	"encoding/binary"
	"math/big"

	"github.com/pkg/errors"
)

// borshWriter writes the little endian, length prefixed Borsh layout.
type borshWriter struct {
	buf bytes.Buffer
	err error
}

func (w *borshWriter) u8(v uint8) {
	w.buf.WriteByte(v)
}

func (w *borshWriter) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *borshWriter) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

func (w *borshWriter) u128(v *big.Int) {
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

func (w *borshWriter) fixed(b []byte) {
	w.buf.Write(b)
}

func (w *borshWriter) bytes(b []byte) {
	w.u32(uint32(len(b)))
	w.buf.Write(b)
}

func (w *borshWriter) string(s string) {
	w.bytes([]byte(s))
}

func (w *borshWriter) result() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	return w.buf.Bytes(), nil
}
