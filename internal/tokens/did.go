package tokens

import (
	"crypto/ed25519"
	"fmt"
	"math/big"
	"strings"
)

// did:key identifiers carry the raw public key: base58btc multibase text of
// a two-byte ed25519 multicodec prefix followed by the 32-byte key.
const (
	didKeyPrefix = "did:key:z"

	ed25519Multicodec0 = 0xed
	ed25519Multicodec1 = 0x01
)

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

var base58Index = func() map[byte]int64 {
	m := make(map[byte]int64, len(base58Alphabet))
	for i := 0; i < len(base58Alphabet); i++ {
		m[base58Alphabet[i]] = int64(i)
	}
	return m
}()

// DecodeEd25519Did extracts the ed25519 public key from a did:key string.
func DecodeEd25519Did(did string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(did, didKeyPrefix) {
		return nil, fmt.Errorf("not a base58btc did:key: %q", did)
	}
	raw, err := base58Decode(strings.TrimPrefix(did, didKeyPrefix))
	if err != nil {
		return nil, fmt.Errorf("decode did:key %q: %w", did, err)
	}
	if len(raw) != 2+ed25519.PublicKeySize || raw[0] != ed25519Multicodec0 || raw[1] != ed25519Multicodec1 {
		return nil, fmt.Errorf("did:key %q is not an ed25519 key", did)
	}
	return ed25519.PublicKey(raw[2:]), nil
}

// EncodeEd25519Did formats an ed25519 public key as a did:key string.
func EncodeEd25519Did(pub ed25519.PublicKey) string {
	raw := make([]byte, 0, 2+len(pub))
	raw = append(raw, ed25519Multicodec0, ed25519Multicodec1)
	raw = append(raw, pub...)
	return didKeyPrefix + base58Encode(raw)
}

func base58Decode(s string) ([]byte, error) {
	n := new(big.Int)
	radix := big.NewInt(58)
	for i := 0; i < len(s); i++ {
		idx, ok := base58Index[s[i]]
		if !ok {
			return nil, fmt.Errorf("invalid base58 character %q", s[i])
		}
		n.Mul(n, radix)
		n.Add(n, big.NewInt(idx))
	}

	// Leading '1's encode leading zero bytes.
	zeros := 0
	for zeros < len(s) && s[zeros] == '1' {
		zeros++
	}

	body := n.Bytes()
	out := make([]byte, zeros+len(body))
	copy(out[zeros:], body)
	return out, nil
}

func base58Encode(b []byte) string {
	n := new(big.Int).SetBytes(b)
	radix := big.NewInt(58)
	mod := new(big.Int)

	var out []byte
	for n.Sign() > 0 {
		n.DivMod(n, radix, mod)
		out = append(out, base58Alphabet[mod.Int64()])
	}
	for _, c := range b {
		if c != 0 {
			break
		}
		out = append(out, '1')
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}
