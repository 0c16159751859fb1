////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/lattica/client-e2ee/catalog"
	"gitlab.com/lattica/client-e2ee/storage/backupstate"
	"gitlab.com/lattica/client-e2ee/storage/crosssigning"
)

// inboxLen bounds undelivered to-device messages per device.
const inboxLen = 1000

// MemServer is an in-memory homeserver holding key uploads, to-device
// inboxes, and backups for any number of devices. It backs the tests and
// the local demo commands; Session hands out a Client bound to one device's
// identity.
type MemServer struct {
	mux          sync.Mutex
	devices      map[string]map[string]DeviceKeys
	crossSigning map[string]crosssigning.KeySet
	oneTimeKeys  map[string]map[string]string // "user|device" -> keyID -> key
	fallbackKeys map[string]string
	inboxes      map[string]chan ToDeviceMessage

	backups        map[string]*memBackup
	currentVersion string
	versionCounter int
}

type memBackup struct {
	info  backupstate.VersionInfo
	rooms map[string]RoomKeyBackup
	etag  int
}

// NewMemServer creates an empty in-memory homeserver.
func NewMemServer() *MemServer {
	return &MemServer{
		devices:      make(map[string]map[string]DeviceKeys),
		crossSigning: make(map[string]crosssigning.KeySet),
		oneTimeKeys:  make(map[string]map[string]string),
		fallbackKeys: make(map[string]string),
		inboxes:      make(map[string]chan ToDeviceMessage),
		backups:      make(map[string]*memBackup),
	}
}

// Session returns a Client acting as the given device.
func (ms *MemServer) Session(userID, deviceID string) Client {
	return &memClient{server: ms, userID: userID, deviceID: deviceID}
}

// Receive returns the to-device inbox of the given device. Messages sent to
// the device before the first Receive call are retained.
func (ms *MemServer) Receive(userID, deviceID string) <-chan ToDeviceMessage {
	ms.mux.Lock()
	defer ms.mux.Unlock()
	return ms.inbox(userID, deviceID)
}

// inbox returns or creates a device's inbox. Callers hold ms.mux.
func (ms *MemServer) inbox(userID, deviceID string) chan ToDeviceMessage {
	key := userID + "|" + deviceID
	ch, ok := ms.inboxes[key]
	if !ok {
		ch = make(chan ToDeviceMessage, inboxLen)
		ms.inboxes[key] = ch
	}
	return ch
}

// memClient is one device's view of the MemServer.
type memClient struct {
	server   *MemServer
	userID   string
	deviceID string
}

func (c *memClient) UploadKeys(_ context.Context, keys DeviceKeys,
	oneTimeKeys map[string]string, fallbackKey string) (int, error) {
	ms := c.server
	ms.mux.Lock()
	defer ms.mux.Unlock()

	if ms.devices[c.userID] == nil {
		ms.devices[c.userID] = make(map[string]DeviceKeys)
	}
	ms.devices[c.userID][c.deviceID] = keys

	poolKey := c.userID + "|" + c.deviceID
	pool := ms.oneTimeKeys[poolKey]
	if pool == nil {
		pool = make(map[string]string)
		ms.oneTimeKeys[poolKey] = pool
	}
	for id, key := range oneTimeKeys {
		pool[id] = key
	}
	if fallbackKey != "" {
		ms.fallbackKeys[poolKey] = fallbackKey
	}
	return len(pool), nil
}

func (c *memClient) QueryKeys(_ context.Context, userIDs []string) (
	KeyQueryResult, error) {
	ms := c.server
	ms.mux.Lock()
	defer ms.mux.Unlock()

	res := KeyQueryResult{
		Devices:      make(map[string]map[string]DeviceKeys),
		CrossSigning: make(map[string]crosssigning.KeySet),
	}
	for _, userID := range userIDs {
		if devices, ok := ms.devices[userID]; ok {
			out := make(map[string]DeviceKeys, len(devices))
			for id, dk := range devices {
				out[id] = dk
			}
			res.Devices[userID] = out
		}
		if ks, ok := ms.crossSigning[userID]; ok {
			res.CrossSigning[userID] = ks
		}
	}
	return res, nil
}

func (c *memClient) ClaimKeys(_ context.Context,
	wanted map[string][]string) (map[string]map[string]ClaimedKey, error) {
	ms := c.server
	ms.mux.Lock()
	defer ms.mux.Unlock()

	claimed := make(map[string]map[string]ClaimedKey)
	for userID, deviceIDs := range wanted {
		for _, deviceID := range deviceIDs {
			poolKey := userID + "|" + deviceID
			var ck ClaimedKey
			if pool := ms.oneTimeKeys[poolKey]; len(pool) > 0 {
				for id, key := range pool {
					ck = ClaimedKey{Key: key}
					delete(pool, id)
					break
				}
			} else if fb, ok := ms.fallbackKeys[poolKey]; ok {
				ck = ClaimedKey{Key: fb, Fallback: true}
			} else {
				jww.DEBUG.Printf("No claimable key for %s/%s",
					userID, deviceID)
				continue
			}
			if claimed[userID] == nil {
				claimed[userID] = make(map[string]ClaimedKey)
			}
			claimed[userID][deviceID] = ck
		}
	}
	return claimed, nil
}

func (c *memClient) UploadCrossSigning(_ context.Context,
	set crosssigning.KeySet) error {
	ms := c.server
	ms.mux.Lock()
	defer ms.mux.Unlock()
	ms.crossSigning[c.userID] = set
	return nil
}

func (c *memClient) UploadSignatures(_ context.Context,
	signatures map[string]map[string]json.RawMessage) error {
	// Signatures over other users' keys are merged into the published
	// hierarchies and device bundles on a real server. The in-memory
	// server accepts and drops them; trust checks in tests operate on
	// locally stored signatures.
	return nil
}

func (c *memClient) Send(_ context.Context, userID, deviceID string,
	msgType catalog.MessageType, content json.RawMessage) error {
	ms := c.server
	ms.mux.Lock()
	ch := ms.inbox(userID, deviceID)
	ms.mux.Unlock()

	msg := ToDeviceMessage{
		Type:           msgType,
		SenderUserID:   c.userID,
		SenderDeviceID: c.deviceID,
		Content:        content,
	}
	select {
	case ch <- msg:
		return nil
	default:
		return fmt.Errorf("inbox for %s/%s is full", userID, deviceID)
	}
}

func (c *memClient) SendBatch(ctx context.Context,
	msgType catalog.MessageType,
	targets map[string]map[string]json.RawMessage) error {
	for userID, devices := range targets {
		for deviceID, content := range devices {
			err := c.Send(ctx, userID, deviceID, msgType, content)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *memClient) GetBackupVersion(_ context.Context) (
	backupstate.VersionInfo, error) {
	ms := c.server
	ms.mux.Lock()
	defer ms.mux.Unlock()

	if ms.currentVersion == "" {
		return backupstate.VersionInfo{}, ErrNoBackup
	}
	b := ms.backups[ms.currentVersion]
	info := b.info
	info.Count = b.sessionCount()
	info.Etag = strconv.Itoa(b.etag)
	return info, nil
}

func (c *memClient) CreateBackupVersion(_ context.Context, algorithm string,
	authData json.RawMessage) (string, error) {
	ms := c.server
	ms.mux.Lock()
	defer ms.mux.Unlock()

	ms.versionCounter++
	version := strconv.Itoa(ms.versionCounter)
	ms.backups[version] = &memBackup{
		info: backupstate.VersionInfo{
			Version:   version,
			Algorithm: algorithm,
			AuthData:  authData,
		},
		rooms: make(map[string]RoomKeyBackup),
	}
	ms.currentVersion = version
	return version, nil
}

func (c *memClient) PutBackupKeys(_ context.Context, version string,
	rooms map[string]RoomKeyBackup) (int, string, error) {
	ms := c.server
	ms.mux.Lock()
	defer ms.mux.Unlock()

	if version != ms.currentVersion {
		return 0, "", ErrVersionConflict
	}
	b := ms.backups[version]
	for roomID, sessions := range rooms {
		if b.rooms[roomID] == nil {
			b.rooms[roomID] = make(RoomKeyBackup)
		}
		for sessionID, data := range sessions {
			b.rooms[roomID][sessionID] = data
		}
	}
	b.etag++
	return b.sessionCount(), strconv.Itoa(b.etag), nil
}

func (c *memClient) GetBackupKeys(_ context.Context, version string) (
	map[string]RoomKeyBackup, error) {
	ms := c.server
	ms.mux.Lock()
	defer ms.mux.Unlock()

	b, ok := ms.backups[version]
	if !ok {
		return nil, ErrNoBackup
	}
	out := make(map[string]RoomKeyBackup, len(b.rooms))
	for roomID, sessions := range b.rooms {
		cp := make(RoomKeyBackup, len(sessions))
		for id, data := range sessions {
			cp[id] = data
		}
		out[roomID] = cp
	}
	return out, nil
}

func (c *memClient) DeleteBackupVersion(_ context.Context,
	version string) error {
	ms := c.server
	ms.mux.Lock()
	defer ms.mux.Unlock()

	delete(ms.backups, version)
	if ms.currentVersion == version {
		ms.currentVersion = ""
	}
	return nil
}

func (b *memBackup) sessionCount() int {
	n := 0
	for _, sessions := range b.rooms {
		n += len(sessions)
	}
	return n
}
