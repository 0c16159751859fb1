////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package e2e

import (
	"encoding/json"

	"gitlab.com/lattica/client-e2ee/catalog"
)

// Algorithm names advertised in device key bundles and carried on every
// encrypted payload.
const (
	AlgorithmOlm    = "lattica.olm.v1"
	AlgorithmMegolm = "lattica.megolm.v1"
)

// EncryptedEvent is an encrypted room event as it appears in a room
// timeline.
type EncryptedEvent struct {
	Algorithm  string `json:"algorithm"`
	RoomID     string `json:"room_id"`
	SenderKey  string `json:"sender_key"`
	DeviceID   string `json:"device_id"`
	SessionID  string `json:"session_id"`
	Ciphertext []byte `json:"ciphertext"`
}

// RoomKeyContent is the payload of a room key share, carried inside an
// encrypted to-device message.
type RoomKeyContent struct {
	Algorithm  string `json:"algorithm"`
	RoomID     string `json:"room_id"`
	SessionID  string `json:"session_id"`
	SessionKey string `json:"session_key"`
	// ChainIndex is the ratchet index the session key was exported at.
	ChainIndex uint32 `json:"chain_index"`
	// Forwarded marks keys re-shared by someone other than the original
	// sender, in answer to a key request.
	Forwarded bool `json:"forwarded,omitempty"`
	// SenderClaimedKeys carries the original sender's signing keys on
	// forwarded shares.
	SenderClaimedKeys map[string]string `json:"sender_claimed_keys,omitempty"`
	// OriginalSenderKey is the identity key of the original sender on
	// forwarded shares.
	OriginalSenderKey string `json:"original_sender_key,omitempty"`
}

// WithheldContent tells a recipient why a room key is not coming.
type WithheldContent struct {
	RoomID    string `json:"room_id"`
	SessionID string `json:"session_id,omitempty"`
	SenderKey string `json:"sender_key"`
	Code      string `json:"code"`
	Reason    string `json:"reason,omitempty"`
}

// Withheld codes.
const (
	WithheldBlacklisted = "lattica.blacklisted"
	WithheldUnverified  = "lattica.unverified"
	WithheldNoOlm       = "lattica.no_olm"
	WithheldUnavailable = "lattica.unavailable"
)

// olmEnvelope is the outer wire form of an encrypted to-device message.
type olmEnvelope struct {
	Algorithm    string `json:"algorithm"`
	SenderKey    string `json:"sender_key"`
	RecipientKey string `json:"recipient_key"`
	Type         int    `json:"type"`
	Body         []byte `json:"body"`
}

// innerPayload is what an olm envelope decrypts to. The sender and
// recipient fields are authenticated by the session; the dispatcher checks
// them against the wire metadata before acting on Content.
type innerPayload struct {
	Type             catalog.MessageType `json:"type"`
	SenderUserID     string              `json:"sender_user_id"`
	SenderDeviceID   string              `json:"sender_device_id"`
	SenderSigningKey string              `json:"sender_signing_key"`
	RecipientUserID  string              `json:"recipient_user_id"`
	Content          json.RawMessage     `json:"content"`
}

// DecryptedToDevice is a fully processed to-device message handed to the
// registered handlers.
type DecryptedToDevice struct {
	Type           catalog.MessageType
	SenderUserID   string
	SenderDeviceID string
	// SenderKey is the sender's authenticated identity key. Empty for
	// messages that arrived in plaintext.
	SenderKey string
	// SenderSigningKey is the ed25519 key the sender claimed inside the
	// encrypted payload. Empty for plaintext messages.
	SenderSigningKey string
	Content          json.RawMessage
}
