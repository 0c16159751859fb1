////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package trust

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"

	"github.com/pkg/errors"
)

// keyEncoding is the base64 flavor used for keys and signatures, unpadded
// to match what goes on the wire.
var keyEncoding = base64.RawStdEncoding

// ErrBadSignature is returned when a signature fails verification. Callers
// treat it as data to discard, never as a fatal condition.
var ErrBadSignature = errors.New("trust: bad signature")

// CanonicalJSON re-encodes v deterministically: keys sorted, no extra
// whitespace, with any signatures and unsigned fields dropped. Both the
// signer and the verifier canonicalize, so field order on the wire does not
// matter.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to marshal for signing")
	}
	var generic map[string]interface{}
	if err = json.Unmarshal(raw, &generic); err != nil {
		return nil, errors.WithMessage(err, "failed to canonicalize")
	}
	delete(generic, "signatures")
	delete(generic, "unsigned")
	// encoding/json writes map keys in sorted order.
	return json.Marshal(generic)
}

// SignJSON canonicalizes v and signs it, returning the base64 signature.
func SignJSON(priv ed25519.PrivateKey, v interface{}) (string, error) {
	canonical, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return keyEncoding.EncodeToString(ed25519.Sign(priv, canonical)), nil
}

// VerifyJSON canonicalizes v and checks the base64 signature against the
// base64 public key. Returns ErrBadSignature on any failure to verify.
func VerifyJSON(pubB64, sigB64 string, v interface{}) error {
	pub, err := keyEncoding.DecodeString(pubB64)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return ErrBadSignature
	}
	sig, err := keyEncoding.DecodeString(sigB64)
	if err != nil {
		return ErrBadSignature
	}
	canonical, err := CanonicalJSON(v)
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), canonical, sig) {
		return ErrBadSignature
	}
	return nil
}
