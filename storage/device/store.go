////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package device stores the devices known to this account: identity keys
// downloaded from the server, their signatures, and local verification
// marks. Identity keys are immutable once stored; a device that re-keys must
// appear as a new device record.
package device

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/xx_network/primitives/netTime"

	"gitlab.com/lattica/client-e2ee/storage/versioned"
)

// ErrIdentityKeyChanged is returned when a Put carries a different identity
// key than the stored record for the same (user, device).
var ErrIdentityKeyChanged = errors.New(
	"device identity key changed; re-keying requires a new device")

const (
	storePrefix    = "deviceStore"
	deviceVersion  = 0
	deviceKeyFmt   = "Device:%s"
	indexKey       = "DeviceIndex"
	indexVersion   = 0
)

// Device is one record of a user's client device.
type Device struct {
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
	DisplayName string `json:"display_name,omitempty"`

	// IdentityKey is the base64 curve25519 key; immutable once stored.
	IdentityKey string `json:"identity_key"`
	// SigningKey is the base64 ed25519 key.
	SigningKey string `json:"signing_key"`

	Algorithms []string `json:"algorithms"`

	// Signatures maps signing user ID -> key ID -> base64 signature, as
	// downloaded. Used by the trust engine for chain verification.
	Signatures map[string]map[string]string `json:"signatures,omitempty"`

	// LocallyVerified is the direct (legacy) verification mark.
	LocallyVerified bool `json:"locally_verified"`
	// Blocked devices never receive room keys.
	Blocked bool `json:"blocked"`
}

// Key returns the storage key of the device.
func (d *Device) Key() string { return d.UserID + "|" + d.DeviceID }

// Store is the durable set of known devices, cached in memory.
type Store struct {
	mux     sync.RWMutex
	kv      *versioned.KV
	devices map[string]map[string]*Device // userID -> deviceID -> record
}

// NewStore creates or loads the device store under the given KV.
func NewStore(kv *versioned.KV) (*Store, error) {
	s := &Store{
		kv:      kv.Prefix(storePrefix),
		devices: make(map[string]map[string]*Device),
	}

	obj, err := s.kv.Get(indexKey, indexVersion)
	if err != nil {
		if s.kv.Exists(err) {
			return nil, errors.WithMessage(err,
				"failed to load device index")
		}
		return s, nil
	}

	var keys []string
	if err = json.Unmarshal(obj.Data, &keys); err != nil {
		return nil, errors.WithMessage(err, "corrupt device index")
	}
	for _, key := range keys {
		dObj, err := s.kv.Get(fmt.Sprintf(deviceKeyFmt, key),
			deviceVersion)
		if err != nil {
			jww.ERROR.Printf("Failed to load device %s: %+v", key, err)
			continue
		}
		d := &Device{}
		if err = json.Unmarshal(dObj.Data, d); err != nil {
			jww.ERROR.Printf("Corrupt device record %s: %+v", key, err)
			continue
		}
		s.cache(d)
	}
	return s, nil
}

func (s *Store) cache(d *Device) {
	byID, ok := s.devices[d.UserID]
	if !ok {
		byID = make(map[string]*Device)
		s.devices[d.UserID] = byID
	}
	byID[d.DeviceID] = d
}

// Put inserts or updates a device record. Fails with ErrIdentityKeyChanged
// if the record exists with a different identity key; only mutable fields
// are updated in that path.
func (s *Store) Put(d Device) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	if existing, ok := s.devices[d.UserID][d.DeviceID]; ok {
		if existing.IdentityKey != d.IdentityKey {
			return ErrIdentityKeyChanged
		}
		// Local trust marks survive key re-downloads.
		d.LocallyVerified = existing.LocallyVerified
		d.Blocked = existing.Blocked
	}

	cp := d
	s.cache(&cp)
	if err := s.save(&cp); err != nil {
		return err
	}
	return s.saveIndex()
}

// Get returns a copy of the device record.
func (s *Store) Get(userID, deviceID string) (Device, bool) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	d, ok := s.devices[userID][deviceID]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// GetByIdentityKey finds a device by its curve25519 identity key.
func (s *Store) GetByIdentityKey(identityKey string) (Device, bool) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	for _, byID := range s.devices {
		for _, d := range byID {
			if d.IdentityKey == identityKey {
				return *d, true
			}
		}
	}
	return Device{}, false
}

// UserDevices returns copies of all known devices of a user.
func (s *Store) UserDevices(userID string) []Device {
	s.mux.RLock()
	defer s.mux.RUnlock()
	out := make([]Device, 0, len(s.devices[userID]))
	for _, d := range s.devices[userID] {
		out = append(out, *d)
	}
	return out
}

// Users returns all user IDs with at least one known device.
func (s *Store) Users() []string {
	s.mux.RLock()
	defer s.mux.RUnlock()
	out := make([]string, 0, len(s.devices))
	for userID := range s.devices {
		out = append(out, userID)
	}
	return out
}

// SetVerified sets the direct verification mark on a device.
func (s *Store) SetVerified(userID, deviceID string, verified bool) error {
	return s.mutate(userID, deviceID, func(d *Device) {
		d.LocallyVerified = verified
	})
}

// SetBlocked sets the blocked mark on a device.
func (s *Store) SetBlocked(userID, deviceID string, blocked bool) error {
	return s.mutate(userID, deviceID, func(d *Device) {
		d.Blocked = blocked
	})
}

func (s *Store) mutate(userID, deviceID string, fn func(*Device)) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	d, ok := s.devices[userID][deviceID]
	if !ok {
		return errors.Errorf("unknown device %s of %s", deviceID, userID)
	}
	fn(d)
	return s.save(d)
}

// Delete removes a device record.
func (s *Store) Delete(userID, deviceID string) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	d, ok := s.devices[userID][deviceID]
	if !ok {
		return nil
	}
	delete(s.devices[userID], deviceID)
	if len(s.devices[userID]) == 0 {
		delete(s.devices, userID)
	}
	if err := s.kv.Delete(fmt.Sprintf(deviceKeyFmt, d.Key()),
		deviceVersion); err != nil {
		return errors.WithMessage(err, "failed to delete device record")
	}
	return s.saveIndex()
}

func (s *Store) save(d *Device) error {
	data, err := json.Marshal(d)
	if err != nil {
		return errors.WithMessage(err, "failed to marshal device record")
	}
	return s.kv.Set(fmt.Sprintf(deviceKeyFmt, d.Key()), &versioned.Object{
		Version:   deviceVersion,
		Timestamp: netTime.Now(),
		Data:      data,
	})
}

func (s *Store) saveIndex() error {
	keys := make([]string, 0)
	for _, byID := range s.devices {
		for _, d := range byID {
			keys = append(keys, d.Key())
		}
	}
	data, err := json.Marshal(keys)
	if err != nil {
		return errors.WithMessage(err, "failed to marshal device index")
	}
	return s.kv.Set(indexKey, &versioned.Object{
		Version:   indexVersion,
		Timestamp: netTime.Now(),
		Data:      data,
	})
}
