////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package e2e

import "github.com/pkg/errors"

var (
	// ErrRoomNotEncrypted is returned when a room operation requires
	// encryption to be enabled for the room first.
	ErrRoomNotEncrypted = errors.New("room is not encrypted")

	// ErrUnknownRoomKey is returned when no inbound group session exists
	// for a ciphertext. The caller should trigger a key request and
	// retry once the key arrives.
	ErrUnknownRoomKey = errors.New("no room key for message")

	// ErrReplayDetected is returned when a group ciphertext is decrypted
	// a second time within the same timeline.
	ErrReplayDetected = errors.New(
		"replay detected: message was already decrypted in this timeline")

	// ErrNoSession is returned when no pairwise session exists with a
	// device and one could not be established.
	ErrNoSession = errors.New("no pairwise session with device")

	// ErrWrongRecipient is returned when an encrypted to-device message
	// was not addressed to this device's identity key.
	ErrWrongRecipient = errors.New(
		"message is addressed to a different identity key")

	// ErrSenderMismatch is returned when the authenticated inner payload
	// of a to-device message disagrees with the claimed outer sender.
	ErrSenderMismatch = errors.New(
		"inner payload sender does not match wire sender")
)
