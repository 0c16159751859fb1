////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package verification

import (
	"time"
)

// Verification methods on the wire.
const (
	MethodSAS = "lattica.sas.v1"
	MethodQR  = "lattica.qr.v1"
)

// State is where a verification transaction is in its lifecycle.
type State uint8

const (
	// RequestSent means this side asked for verification and is waiting
	// for the peer to become ready.
	RequestSent State = iota

	// RequestReceived means the peer asked and this side has not
	// answered yet.
	RequestReceived

	// Ready means both sides agreed to verify and a method can start.
	Ready

	// Started means a method is running and keys are being exchanged.
	Started

	// KeyExchanged means the short authentication string is available
	// for the users to compare.
	KeyExchanged

	// MacExchanged means at least one side has confirmed and sent its
	// MAC; the transaction finishes when both have.
	MacExchanged

	// Done is the successful terminal state.
	Done

	// Cancelled is the failed terminal state; the reason says why.
	Cancelled
)

func (s State) String() string {
	switch s {
	case RequestSent:
		return "RequestSent"
	case RequestReceived:
		return "RequestReceived"
	case Ready:
		return "Ready"
	case Started:
		return "Started"
	case KeyExchanged:
		return "KeyExchanged"
	case MacExchanged:
		return "MacExchanged"
	case Done:
		return "Done"
	case Cancelled:
		return "Cancelled"
	default:
		return "Invalid"
	}
}

// CancelReason says why a transaction ended without verifying.
type CancelReason string

const (
	// UserCancelled is a deliberate local or remote abort.
	UserCancelled CancelReason = "lattica.user"

	// Timeout means the transaction passed its deadline.
	Timeout CancelReason = "lattica.timeout"

	// MismatchedSAS means the short codes or MACs did not agree; this is
	// the attack-detected signal and must be surfaced loudly.
	MismatchedSAS CancelReason = "lattica.mismatched_sas"

	// MismatchedCommitment means the peer's key did not match the
	// commitment it sent before key exchange.
	MismatchedCommitment CancelReason = "lattica.mismatched_commitment"

	// UnexpectedMessage means a protocol message arrived in a state that
	// cannot accept it.
	UnexpectedMessage CancelReason = "lattica.unexpected_message"

	// UnknownMethod means the peer asked for a method this client does
	// not implement.
	UnknownMethod CancelReason = "lattica.unknown_method"
)

// Transaction is one interactive verification with a single peer device.
// All fields are managed by the Machine under its lock; callers see
// snapshots via Get.
type Transaction struct {
	ID           string
	PeerUserID   string
	PeerDeviceID string

	// Initiator is true on the side that sent the request; starter on
	// the side that sent the method start. They need not be the same.
	Initiator bool
	starter   bool
	Method    string
	State     State
	Reason    CancelReason

	// Deadline is when the sweep cancels the transaction with Timeout.
	Deadline time.Time

	// SAS state.
	keys       *sasKeys
	theirKey   string
	commitment string
	startBody  string
	secret     []byte
	sas        []byte

	// confirmed is set when the local user approved the short code;
	// theirMacOK when the peer's MAC verified.
	confirmed  bool
	theirMacOK bool

	// qrSecret is the shared secret embedded in a shown QR code.
	qrSecret string
}

// terminal reports whether the transaction can no longer change state.
func (tx *Transaction) terminal() bool {
	return tx.State == Done || tx.State == Cancelled
}

// Wire payloads. Every message carries the transaction ID so concurrent
// verifications with the same peer stay separate.

type requestPayload struct {
	TransactionID string   `json:"transaction_id"`
	FromDevice    string   `json:"from_device"`
	Methods       []string `json:"methods"`
	Timestamp     int64    `json:"timestamp"`
}

type readyPayload struct {
	TransactionID string   `json:"transaction_id"`
	FromDevice    string   `json:"from_device"`
	Methods       []string `json:"methods"`
}

type startPayload struct {
	TransactionID string `json:"transaction_id"`
	FromDevice    string `json:"from_device"`
	Method        string `json:"method"`

	// Secret proves possession of a scanned QR code (QR method only).
	Secret string `json:"secret,omitempty"`
}

type acceptPayload struct {
	TransactionID string `json:"transaction_id"`
	Commitment    string `json:"commitment"`
}

type keyPayload struct {
	TransactionID string `json:"transaction_id"`
	Key           string `json:"key"`
}

type macPayload struct {
	TransactionID string            `json:"transaction_id"`
	MACs          map[string]string `json:"mac"`
	Keys          string            `json:"keys"`
}

type donePayload struct {
	TransactionID string `json:"transaction_id"`
}

type cancelPayload struct {
	TransactionID string       `json:"transaction_id"`
	Code          CancelReason `json:"code"`
	Reason        string       `json:"reason"`
}

// qrPayload is what a shown QR code encodes.
type qrPayload struct {
	TransactionID string `json:"transaction_id"`
	UserID        string `json:"user_id"`
	DeviceID      string `json:"device_id"`
	SigningKey    string `json:"signing_key"`
	Secret        string `json:"secret"`
}
