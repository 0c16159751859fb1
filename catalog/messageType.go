////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package catalog

// MessageType identifies a to-device message routed through the E2EE core.
// The zero value is invalid so that an unset type is always detectable.
type MessageType uint32

const (
	NoType MessageType = iota

	// Encrypted wraps any other to-device message inside a pairwise
	// encrypted envelope.
	Encrypted

	// RoomKey delivers a megolm session key to a device.
	RoomKey

	// ForwardedRoomKey delivers a megolm session key on behalf of the
	// original sender in answer to a RoomKeyRequest.
	ForwardedRoomKey

	// RoomKeyRequest asks peer devices to share a megolm session key.
	RoomKeyRequest

	// RoomKeyWithheld tells a requester why a key is not being shared.
	RoomKeyWithheld

	// Verification transaction traffic.
	VerificationRequest
	VerificationReady
	VerificationStart
	VerificationAccept
	VerificationKey
	VerificationMac
	VerificationDone
	VerificationCancel
)

func (mt MessageType) String() string {
	switch mt {
	case NoType:
		return "NoType"
	case Encrypted:
		return "Encrypted"
	case RoomKey:
		return "RoomKey"
	case ForwardedRoomKey:
		return "ForwardedRoomKey"
	case RoomKeyRequest:
		return "RoomKeyRequest"
	case RoomKeyWithheld:
		return "RoomKeyWithheld"
	case VerificationRequest:
		return "VerificationRequest"
	case VerificationReady:
		return "VerificationReady"
	case VerificationStart:
		return "VerificationStart"
	case VerificationAccept:
		return "VerificationAccept"
	case VerificationKey:
		return "VerificationKey"
	case VerificationMac:
		return "VerificationMac"
	case VerificationDone:
		return "VerificationDone"
	case VerificationCancel:
		return "VerificationCancel"
	default:
		return "Unknown"
	}
}
