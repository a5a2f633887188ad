package signer

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const hardenedOffset uint32 = 0x80000000

var ed25519Curve = []byte("ed25519 seed")

// ErrInvalidPath is returned for malformed or non-hardened derivation paths.
var ErrInvalidPath = errors.New("invalid derivation path")

// parsePath parses paths like m/44'/501'/0'/0'. Ed25519 derivation only supports hardened
// indexes, so every segment must carry a ' or h suffix.
func parsePath(path string) ([]uint32, error) {
	segments := strings.Split(strings.TrimSpace(path), "/")
	if len(segments) == 0 || segments[0] != "m" {
		return nil, errors.Wrapf(ErrInvalidPath, "%q must start with m", path)
	}

	indexes := make([]uint32, 0, len(segments)-1)
	for _, segment := range segments[1:] {
		trimmed := strings.TrimRight(segment, "'hH")
		if trimmed == segment {
			return nil, errors.Wrapf(ErrInvalidPath, "segment %q of %q is not hardened", segment, path)
		}
		index, err := strconv.ParseUint(trimmed, 10, 31)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidPath, "segment %q of %q", segment, path)
		}
		indexes = append(indexes, uint32(index)+hardenedOffset)
	}
	return indexes, nil
}

// deriveKey runs SLIP-10 ed25519 derivation of seed along path.
//
// Returns:
// - ed25519.PrivateKey: the derived key.
// - []byte: the chain code of the derived node.
// - error: ErrInvalidPath when path cannot be parsed.
func deriveKey(seed []byte, path string) (ed25519.PrivateKey, []byte, error) {
	indexes, err := parsePath(path)
	if err != nil {
		return nil, nil, err
	}

	key, chainCode := hmacSplit(ed25519Curve, seed)
	for _, index := range indexes {
		data := make([]byte, 0, 37)
		data = append(data, 0x00)
		data = append(data, key...)
		data = binary.BigEndian.AppendUint32(data, index)
		key, chainCode = hmacSplit(chainCode, data)
	}
	return ed25519.NewKeyFromSeed(key), chainCode, nil
}

func hmacSplit(key, data []byte) ([]byte, []byte) {
	mac := hmac.New(sha512.New, key)
	mac.Write(data)
	sum := mac.Sum(nil)
	return sum[:32], sum[32:]
}
