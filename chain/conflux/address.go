package conflux

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// CIP-37 base32 addresses.

const (
	MainnetID = 1029
	TestnetID = 1

	cip37Alphabet = "abcdefghjkmnprstuvwxyz0123456789"
	checksumLen   = 8
)

var cip37Index = func() [256]int8 {
	var idx [256]int8
	for i := range idx {
		idx[i] = -1
	}
	for i, c := range cip37Alphabet {
		idx[c] = int8(i)
	}
	return idx
}()

// Address types derived from the first nibble of the hex address.
const (
	TypeUser     = "user"
	TypeContract = "contract"
	TypeBuiltin  = "builtin"
	TypeNull     = "null"
	TypeUnknown  = "unknown"
)

func networkPrefix(networkID uint32) string {
	switch networkID {
	case MainnetID:
		return "cfx"
	case TestnetID:
		return "cfxtest"
	}
	return "net" + strconv.FormatUint(uint64(networkID), 10)
}

func addressType(hexAddr []byte) string {
	allZero := true
	for _, b := range hexAddr {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return TypeNull
	}
	switch hexAddr[0] >> 4 {
	case 0x1:
		return TypeUser
	case 0x8:
		return TypeContract
	case 0x0:
		return TypeBuiltin
	}
	return TypeUnknown
}

func polymod(values []byte) uint64 {
	c := uint64(1)
	for _, d := range values {
		c0 := byte(c >> 35)
		c = ((c & 0x07ffffffff) << 5) ^ uint64(d)
		if c0&0x01 != 0 {
			c ^= 0x98f2bc8e61
		}
		if c0&0x02 != 0 {
			c ^= 0x79b76d99e2
		}
		if c0&0x04 != 0 {
			c ^= 0xf33e5fb3c4
		}
		if c0&0x08 != 0 {
			c ^= 0xae2eabe2a8
		}
		if c0&0x10 != 0 {
			c ^= 0x1e4f43e470
		}
	}
	return c ^ 1
}

func prefixWords(prefix string) []byte {
	out := make([]byte, 0, len(prefix)+1)
	for i := 0; i < len(prefix); i++ {
		out = append(out, prefix[i]&0x1f)
	}
	return append(out, 0)
}

func convertBits(data []byte, from, to uint, pad bool) ([]byte, error) {
	var acc, bits uint
	maxv := uint(1)<<to - 1
	var out []byte
	for _, b := range data {
		acc = acc<<from | uint(b)
		bits += from
		for bits >= to {
			bits -= to
			out = append(out, byte(acc>>bits&maxv))
		}
	}
	if pad {
		if bits > 0 {
			out = append(out, byte(acc<<(to-bits)&maxv))
		}
	} else if bits >= from || acc<<(to-bits)&maxv != 0 {
		return nil, errors.New("invalid padding")
	}
	return out, nil
}

// EncodeAddress returns the lower case CIP-37 form of a 20 byte address.
func EncodeAddress(hexAddr []byte, networkID uint32) (string, error) {
	if len(hexAddr) != 20 {
		return "", errors.Errorf("conflux address must be 20 bytes, got %d", len(hexAddr))
	}
	prefix := networkPrefix(networkID)
	payload, _ := convertBits(append([]byte{0}, hexAddr...), 8, 5, true)
	values := append(prefixWords(prefix), payload...)
	values = append(values, make([]byte, checksumLen)...)
	mod := polymod(values)

	var sb strings.Builder
	sb.WriteString(prefix)
	sb.WriteByte(':')
	for _, w := range payload {
		sb.WriteByte(cip37Alphabet[w])
	}
	for i := 0; i < checksumLen; i++ {
		sb.WriteByte(cip37Alphabet[(mod>>(5*(checksumLen-1-i)))&0x1f])
	}
	return sb.String(), nil
}

// DecodedAddress is a parsed CIP-37 address.
type DecodedAddress struct {
	NetworkID uint32
	Hex       []byte
	Type      string
}

func parseNetwork(prefix string) (uint32, error) {
	switch prefix {
	case "cfx":
		return MainnetID, nil
	case "cfxtest":
		return TestnetID, nil
	}
	if !strings.HasPrefix(prefix, "net") {
		return 0, errors.Errorf("unknown network prefix %q", prefix)
	}
	id, err := strconv.ParseUint(prefix[3:], 10, 32)
	if err != nil || id == MainnetID || id == TestnetID || prefix[3] == '0' {
		return 0, errors.Errorf("invalid network prefix %q", prefix)
	}
	return uint32(id), nil
}

// DecodeAddress parses the short or verbose (type.xxx) form. Mixed case is
// rejected.
func DecodeAddress(address string) (*DecodedAddress, error) {
	if address != strings.ToLower(address) && address != strings.ToUpper(address) {
		return nil, errors.New("mixed case address")
	}
	parts := strings.Split(strings.ToLower(address), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return nil, errors.New("malformed address")
	}
	prefix, body := parts[0], parts[len(parts)-1]
	networkID, err := parseNetwork(prefix)
	if err != nil {
		return nil, err
	}
	if len(body) <= checksumLen {
		return nil, errors.New("address too short")
	}
	words := make([]byte, len(body))
	for i := 0; i < len(body); i++ {
		v := cip37Index[body[i]]
		if v < 0 {
			return nil, errors.Errorf("invalid character %q", body[i])
		}
		words[i] = byte(v)
	}
	if polymod(append(prefixWords(prefix), words...)) != 0 {
		return nil, errors.New("invalid checksum")
	}
	payload, err := convertBits(words[:len(words)-checksumLen], 5, 8, false)
	if err != nil {
		return nil, err
	}
	if len(payload) != 21 || payload[0] != 0 {
		return nil, errors.New("unsupported address version")
	}
	hexAddr := payload[1:]
	typ := addressType(hexAddr)
	if len(parts) == 3 && parts[1] != "type."+typ {
		return nil, errors.Errorf("address type %s does not match %s", parts[1], typ)
	}
	return &DecodedAddress{NetworkID: networkID, Hex: hexAddr, Type: typ}, nil
}
