////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package olm

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"github.com/cloudflare/circl/dh/x25519"
	"golang.org/x/crypto/hkdf"
)

// Key encoding is unpadded standard base64, matching the wire format used
// for all public keys in the protocol.
var keyEncoding = base64.RawStdEncoding

const (
	rootInfo    = "LatticaOlmRoot"
	ratchetInfo = "LatticaOlmRatchet"
)

// EncodeKey encodes a public key for the wire.
func EncodeKey(k []byte) string {
	return keyEncoding.EncodeToString(k)
}

// DecodeKey decodes a base64 curve25519 public key. Returns ErrKeyAgreement
// if the encoding or length is wrong.
func DecodeKey(s string) (x25519.Key, error) {
	var k x25519.Key
	raw, err := keyEncoding.DecodeString(s)
	if err != nil || len(raw) != x25519.Size {
		return k, ErrKeyAgreement
	}
	copy(k[:], raw)
	return k, nil

}

// generateKeyPair makes a fresh x25519 key pair from the given random source.
func generateKeyPair(rng io.Reader) (pub, priv x25519.Key, err error) {
	if _, err = io.ReadFull(rng, priv[:]); err != nil {
		return
	}
	x25519.KeyGen(&pub, &priv)
	return
}

// dh computes the shared secret between priv and pub. It fails on
// contributory-degenerate results.
func dh(priv, pub x25519.Key) ([]byte, error) {
	var shared x25519.Key
	if ok := x25519.Shared(&shared, &priv, &pub); !ok {
		return nil, ErrKeyAgreement
	}
	return shared[:], nil
}

// kdfRoot derives the initial root key and chain seed from the triple-DH
// shared secret.
func kdfRoot(secret []byte) (rootKey, chainKey []byte, err error) {
	out := make([]byte, 64)
	r := hkdf.New(sha256.New, secret, nil, []byte(rootInfo))
	if _, err = io.ReadFull(r, out); err != nil {
		return nil, nil, err
	}
	return out[:32], out[32:], nil
}

// kdfRatchet advances the root key through a DH ratchet step, producing the
// next root key and a fresh chain key.
func kdfRatchet(rootKey, dhOut []byte) (newRoot, chainKey []byte, err error) {
	out := make([]byte, 64)
	r := hkdf.New(sha256.New, dhOut, rootKey, []byte(ratchetInfo))
	if _, err = io.ReadFull(r, out); err != nil {
		return nil, nil, err
	}
	return out[:32], out[32:], nil
}

// kdfChain derives the message key for the current position and advances the
// chain key.
func kdfChain(chainKey []byte) (messageKey, nextChainKey []byte) {
	mk := hmac.New(sha256.New, chainKey)
	mk.Write([]byte{0x01})
	ck := hmac.New(sha256.New, chainKey)
	ck.Write([]byte{0x02})
	return mk.Sum(nil), ck.Sum(nil)
}
