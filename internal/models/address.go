package models

import (
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/crypto/sha3"
)

var (
	// ErrInvalidAddress is returned for strings that are not 0x-prefixed 20 byte hex.
	ErrInvalidAddress = errors.New("invalid wallet address")
	// ErrBadChecksum is returned when a mixed-case address fails its EIP-55 checksum.
	ErrBadChecksum = errors.New("wallet address checksum mismatch")
)

// CanonicalAddress validates a wallet address and returns its lowercase form.
// All-lowercase and all-uppercase inputs are accepted as-is; mixed case must
// carry a valid EIP-55 checksum.
func CanonicalAddress(raw string) (string, error) {
	addr := strings.TrimSpace(raw)
	if len(addr) != 42 || (addr[:2] != "0x" && addr[:2] != "0X") {
		return "", ErrInvalidAddress
	}
	body := addr[2:]
	if _, err := hex.DecodeString(body); err != nil {
		return "", ErrInvalidAddress
	}

	lower := strings.ToLower(body)
	if body != lower && body != strings.ToUpper(body) {
		if ChecksumAddress("0x"+lower)[2:] != body {
			return "", ErrBadChecksum
		}
	}
	return "0x" + lower, nil
}

// ChecksumAddress returns the EIP-55 mixed-case form of a lowercase address.
func ChecksumAddress(lower string) string {
	body := strings.TrimPrefix(strings.ToLower(lower), "0x")

	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(body))
	digest := h.Sum(nil)

	out := []byte(body)
	for i, ch := range out {
		if ch < 'a' || ch > 'f' {
			continue
		}
		nibble := digest[i/2]
		if i%2 == 0 {
			nibble >>= 4
		}
		if nibble&0x0f >= 8 {
			out[i] = ch - 'a' + 'A'
		}
	}
	return "0x" + string(out)
}

// ShortAddress renders 0x1234…abcd for display names.
func ShortAddress(addr string) string {
	if len(addr) < 10 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}
