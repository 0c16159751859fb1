////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package event

import "gitlab.com/lattica/client-e2ee/stoppable"

// Type names an event topic.
type Type string

// Event topics fired by the crypto engines.
const (
	// SessionEstablished fires when a new pairwise session with a device
	// comes up, in either direction.
	SessionEstablished Type = "SessionEstablished"
	// RoomKeyReceived fires when an inbound group session is added, from
	// a share, a forward, a backup restore, or an import.
	RoomKeyReceived Type = "RoomKeyReceived"
	// RoomKeyWithheld fires when a sender declines to share a room key.
	RoomKeyWithheld Type = "RoomKeyWithheld"
	// ReplayDetected fires when a group ciphertext is decrypted twice in
	// the same timeline.
	ReplayDetected Type = "ReplayDetected"
	// VerificationStateChanged fires on every interactive verification
	// transaction state transition.
	VerificationStateChanged Type = "VerificationStateChanged"
	// TrustChanged fires when the computed trust level of a user or
	// device changes.
	TrustChanged Type = "TrustChanged"
	// BackupStateChanged fires on every key backup state transition.
	BackupStateChanged Type = "BackupStateChanged"
	// IdentityKeyMismatch fires when a downloaded device advertises a
	// different identity key than the stored one.
	IdentityKeyMismatch Type = "IdentityKeyMismatch"
)

// Event is one reported event. Details carries topic-specific fields, e.g.
// the room ID and session ID of a received room key.
type Event struct {
	Type    Type
	Details map[string]string
}

// Callback receives events fired on the bus.
type Callback func(Event)

// Bus is the firing side of the event system, handed to the engines.
type Bus interface {
	Fire(eventType Type, details map[string]string)
}

// Manager is the full event system: the bus plus callback registration and
// the delivery service.
type Manager interface {
	Bus
	RegisterCallback(name string, cb Callback) error
	UnregisterCallback(name string)
	// Service starts the delivery goroutine and returns its stoppable.
	Service() stoppable.Stoppable
}
