////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package recovery encodes and decodes the human-facing recovery key string
// for the key backup. The key is a 32-byte curve25519 private key rendered
// with bech32 so it is case-insensitive, chunkable, and checksummed.
package recovery

import (
	"strings"

	"github.com/decred/dcrd/bech32"
	"github.com/pkg/errors"
)

// hrp is the human-readable part of every recovery key.
const hrp = "lrk"

// KeyLen is the length of the raw recovery key.
const KeyLen = 32

// Encode renders a raw backup private key as a recovery key string.
func Encode(key []byte) (string, error) {
	if len(key) != KeyLen {
		return "", errors.Errorf("recovery key must be %d bytes, got %d",
			KeyLen, len(key))
	}
	converted, err := bech32.ConvertBits(key, 8, 5, true)
	if err != nil {
		return "", errors.WithMessage(err, "failed to convert key bits")
	}
	encoded, err := bech32.Encode(hrp, converted)
	if err != nil {
		return "", errors.WithMessage(err, "failed to encode recovery key")
	}
	return encoded, nil
}

// Decode parses a recovery key string back into the raw backup private key.
// Whitespace is tolerated so keys can be displayed in groups.
func Decode(s string) ([]byte, error) {
	s = strings.Join(strings.Fields(s), "")
	gotHRP, data, err := bech32.Decode(strings.ToLower(s))
	if err != nil {
		return nil, errors.WithMessage(err, "malformed recovery key")
	}
	if gotHRP != hrp {
		return nil, errors.Errorf("not a recovery key (prefix %q)", gotHRP)
	}
	key, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to convert key bits")
	}
	if len(key) != KeyLen {
		return nil, errors.Errorf("recovery key has wrong length %d",
			len(key))
	}
	return key, nil
}
