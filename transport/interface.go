////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package transport defines the wire types and client interfaces the crypto
// engines use to talk to the homeserver: key upload/query/claim, to-device
// messaging, and key backup. The engines never construct HTTP requests
// themselves; an implementation of these interfaces is injected.
package transport

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"gitlab.com/lattica/client-e2ee/catalog"
	"gitlab.com/lattica/client-e2ee/storage/backupstate"
	"gitlab.com/lattica/client-e2ee/storage/crosssigning"
)

// Errors returned by transport implementations.
var (
	// ErrNoBackup is returned by GetBackupVersion when the server has no
	// backup for the account.
	ErrNoBackup = errors.New("transport: no key backup on server")
	// ErrVersionConflict is returned by backup writes against a version
	// that is no longer current.
	ErrVersionConflict = errors.New("transport: backup version conflict")
)

// DeviceKeys is the signed device key bundle published to the key server.
type DeviceKeys struct {
	UserID     string   `json:"user_id"`
	DeviceID   string   `json:"device_id"`
	Algorithms []string `json:"algorithms"`
	// Keys maps "<algorithm>:<device ID>" to the base64 public key.
	Keys       map[string]string            `json:"keys"`
	Signatures map[string]map[string]string `json:"signatures,omitempty"`
}

// ClaimedKey is one one-time or fallback key claimed from another device.
type ClaimedKey struct {
	Key        string                       `json:"key"`
	Fallback   bool                         `json:"fallback,omitempty"`
	Signatures map[string]map[string]string `json:"signatures,omitempty"`
}

// KeyQueryResult is the key server's answer for a set of users.
type KeyQueryResult struct {
	// Devices maps user ID to device ID to that device's key bundle.
	Devices map[string]map[string]DeviceKeys
	// CrossSigning maps user ID to the user's published hierarchy.
	CrossSigning map[string]crosssigning.KeySet
}

// KeyClient is the key server surface: publishing this device's keys and
// discovering everyone else's.
type KeyClient interface {
	// UploadKeys publishes the device key bundle together with new
	// one-time keys and, optionally, a fallback key. It returns the
	// server's remaining one-time key count.
	UploadKeys(ctx context.Context, keys DeviceKeys,
		oneTimeKeys map[string]string, fallbackKey string) (
		remaining int, err error)

	// QueryKeys downloads the device lists and cross-signing hierarchies
	// of the given users.
	QueryKeys(ctx context.Context, userIDs []string) (KeyQueryResult,
		error)

	// ClaimKeys claims one one-time key per requested device. The wanted
	// map is user ID to device IDs. Devices the server could not serve
	// are absent from the result.
	ClaimKeys(ctx context.Context, wanted map[string][]string) (
		map[string]map[string]ClaimedKey, error)

	// UploadCrossSigning publishes the account's cross-signing hierarchy.
	UploadCrossSigning(ctx context.Context, set crosssigning.KeySet) error

	// UploadSignatures publishes signatures made over other users' keys,
	// keyed by user ID then key ID.
	UploadSignatures(ctx context.Context,
		signatures map[string]map[string]json.RawMessage) error
}

// ToDeviceMessage is one message addressed to a specific device.
type ToDeviceMessage struct {
	Type           catalog.MessageType `json:"type"`
	SenderUserID   string              `json:"sender_user_id"`
	SenderDeviceID string              `json:"sender_device_id"`
	Content        json.RawMessage     `json:"content"`
}

// ToDeviceClient sends messages to specific devices of specific users.
type ToDeviceClient interface {
	// Send delivers one payload to one device.
	Send(ctx context.Context, userID, deviceID string,
		msgType catalog.MessageType, content json.RawMessage) error

	// SendBatch delivers per-device payloads of one type in a single
	// request. The targets map is user ID to device ID to content.
	SendBatch(ctx context.Context, msgType catalog.MessageType,
		targets map[string]map[string]json.RawMessage) error
}

// KeyBackupData is one encrypted session in the server-side backup.
type KeyBackupData struct {
	FirstMessageIndex uint32          `json:"first_message_index"`
	ForwardedCount    int             `json:"forwarded_count"`
	IsVerified        bool            `json:"is_verified"`
	SessionData       json.RawMessage `json:"session_data"`
}

// RoomKeyBackup maps session ID to backup data within one room.
type RoomKeyBackup map[string]KeyBackupData

// BackupClient is the key backup surface.
type BackupClient interface {
	// GetBackupVersion fetches the current backup version, or ErrNoBackup.
	GetBackupVersion(ctx context.Context) (backupstate.VersionInfo, error)

	// CreateBackupVersion creates a new backup version and returns its
	// version string.
	CreateBackupVersion(ctx context.Context, algorithm string,
		authData json.RawMessage) (string, error)

	// PutBackupKeys writes encrypted sessions, keyed by room ID, to the
	// given version. It returns the server's new session count and etag,
	// or ErrVersionConflict if version is no longer current.
	PutBackupKeys(ctx context.Context, version string,
		rooms map[string]RoomKeyBackup) (count int, etag string,
		err error)

	// GetBackupKeys fetches every stored session of the given version.
	GetBackupKeys(ctx context.Context, version string) (
		map[string]RoomKeyBackup, error)

	// DeleteBackupVersion deletes a backup version and all its sessions.
	DeleteBackupVersion(ctx context.Context, version string) error
}

// Client is the full homeserver surface the crypto engines need.
type Client interface {
	KeyClient
	ToDeviceClient
	BackupClient
}
