////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package olm

import "github.com/pkg/errors"

var (
	// ErrKeyAgreement is returned when a key agreement cannot be completed,
	// either because a public key is malformed or because the shared secret
	// is contributory-degenerate.
	ErrKeyAgreement = errors.New("olm: key agreement failed")

	// ErrInvalidPreKeyMessage is returned when a pre-key message does not
	// correspond to any known one-time or fallback key, or cannot be
	// parsed.
	ErrInvalidPreKeyMessage = errors.New("olm: invalid pre-key message")

	// ErrDecryptionFailed is returned on MAC mismatch or when no message
	// key can be derived for a ciphertext.
	ErrDecryptionFailed = errors.New("olm: decryption failed")
)
