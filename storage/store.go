////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package storage owns a device's entire crypto state: the account with its
// identity and one-time keys, and the sub-stores for devices, pairwise and
// group sessions, cross-signing, key backup, and key requests. Everything
// lives under one versioned KV so a store either loads whole or not at all.
package storage

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/xx_network/primitives/netTime"

	"gitlab.com/lattica/client-e2ee/crypto/olm"
	"gitlab.com/lattica/client-e2ee/storage/backupstate"
	"gitlab.com/lattica/client-e2ee/storage/crosssigning"
	"gitlab.com/lattica/client-e2ee/storage/device"
	"gitlab.com/lattica/client-e2ee/storage/groupsession"
	"gitlab.com/lattica/client-e2ee/storage/pairwise"
	"gitlab.com/lattica/client-e2ee/storage/requests"
	"gitlab.com/lattica/client-e2ee/storage/versioned"
)

const (
	accountKey     = "CryptoAccount"
	accountMetaKey = "CryptoAccountMeta"
	accountVersion = 0
)

// Error messages.
const (
	storeExistsErr  = "crypto store already exists for %s/%s"
	storeMissingErr = "no crypto store present"
)

type accountMeta struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

// Store is one device's crypto state.
type Store struct {
	kv       *versioned.KV
	userID   string
	deviceID string

	accountMux sync.Mutex
	account    *olm.Account

	Devices       *device.Store
	Pairwise      *pairwise.Manager
	OutboundGroup *groupsession.OutboundStore
	InboundGroup  *groupsession.InboundStore
	Replays       *groupsession.ReplayLedger
	CrossSigning  *crosssigning.Store
	Backup        *backupstate.Store
	Requests      *requests.Store
}

// Init creates a brand new store for the given identity, generating a fresh
// account. It errors if a store already exists under the KV.
func Init(kv *versioned.KV, userID, deviceID string, rng io.Reader) (
	*Store, error) {
	if _, err := kv.Get(accountMetaKey, accountVersion); err == nil {
		return nil, errors.Errorf(storeExistsErr, userID, deviceID)
	}

	account, err := olm.NewAccount(rng)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to generate account")
	}

	s, err := newStore(kv, userID, deviceID, account)
	if err != nil {
		return nil, err
	}
	if err = s.persistAccount(); err != nil {
		return nil, err
	}
	meta, err := json.Marshal(accountMeta{
		UserID: userID, DeviceID: deviceID})
	if err != nil {
		return nil, errors.WithMessage(err,
			"failed to marshal account metadata")
	}
	err = kv.Set(accountMetaKey, &versioned.Object{
		Version:   accountVersion,
		Timestamp: netTime.Now(),
		Data:      meta,
	})
	if err != nil {
		return nil, errors.WithMessage(err,
			"failed to store account metadata")
	}

	jww.INFO.Printf("Initialized crypto store for %s/%s with identity "+
		"key %s", userID, deviceID, account.IdentityKey())
	return s, nil
}

// Load opens an existing store.
func Load(kv *versioned.KV) (*Store, error) {
	metaObj, err := kv.Get(accountMetaKey, accountVersion)
	if err != nil {
		if !kv.Exists(err) {
			return nil, errors.New(storeMissingErr)
		}
		return nil, errors.WithMessage(err,
			"failed to load account metadata")
	}
	meta := accountMeta{}
	if err = json.Unmarshal(metaObj.Data, &meta); err != nil {
		return nil, errors.WithMessage(err, "corrupt account metadata")
	}

	obj, err := kv.Get(accountKey, accountVersion)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to load account")
	}
	account, err := olm.UnpickleAccount(obj.Data)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to unpickle account")
	}

	return newStore(kv, meta.UserID, meta.DeviceID, account)
}

func newStore(kv *versioned.KV, userID, deviceID string,
	account *olm.Account) (*Store, error) {
	s := &Store{
		kv:       kv,
		userID:   userID,
		deviceID: deviceID,
		account:  account,
	}

	var err error
	if s.Devices, err = device.NewStore(kv); err != nil {
		return nil, errors.WithMessage(err, "device store")
	}
	if s.Pairwise, err = pairwise.NewManager(kv); err != nil {
		return nil, errors.WithMessage(err, "pairwise store")
	}
	if s.OutboundGroup, err = groupsession.NewOutboundStore(kv); err != nil {
		return nil, errors.WithMessage(err, "outbound group store")
	}
	if s.InboundGroup, err = groupsession.NewInboundStore(kv); err != nil {
		return nil, errors.WithMessage(err, "inbound group store")
	}
	s.Replays = groupsession.NewReplayLedger(kv)
	if s.CrossSigning, err = crosssigning.NewStore(kv); err != nil {
		return nil, errors.WithMessage(err, "cross-signing store")
	}
	if s.Backup, err = backupstate.NewStore(kv); err != nil {
		return nil, errors.WithMessage(err, "backup state store")
	}
	if s.Requests, err = requests.NewStore(kv); err != nil {
		return nil, errors.WithMessage(err, "request store")
	}
	return s, nil
}

// UserID returns the owning user.
func (s *Store) UserID() string { return s.userID }

// DeviceID returns the owning device.
func (s *Store) DeviceID() string { return s.deviceID }

// IdentityKey returns the account's public x25519 identity key.
func (s *Store) IdentityKey() string {
	s.accountMux.Lock()
	defer s.accountMux.Unlock()
	return s.account.IdentityKey()
}

// SigningKey returns the account's public ed25519 signing key.
func (s *Store) SigningKey() string {
	s.accountMux.Lock()
	defer s.accountMux.Unlock()
	return s.account.SigningKey()
}

// Sign signs the message with the account's device signing key, returning
// the base64 signature.
func (s *Store) Sign(message []byte) string {
	s.accountMux.Lock()
	defer s.accountMux.Unlock()
	return s.account.Sign(message)
}

// DoAccount runs fn with exclusive access to the account. The
// post-operation pickle is persisted before the exclusive access is
// released. If fn fails, the in-memory account is rolled back to the last
// persisted state, so consumed one-time keys are never lost to a failed
// operation.
func (s *Store) DoAccount(fn func(*olm.Account) error) error {
	s.accountMux.Lock()
	defer s.accountMux.Unlock()

	if err := fn(s.account); err != nil {
		obj, loadErr := s.kv.Get(accountKey, accountVersion)
		if loadErr == nil {
			if account, upErr := olm.UnpickleAccount(obj.Data); upErr == nil {
				s.account = account
			}
		}
		return err
	}
	return s.persistAccount()
}

// KV returns the store's root KV for callers that keep their own records
// alongside the crypto state.
func (s *Store) KV() *versioned.KV { return s.kv }

// persistAccount writes the current account pickle. Callers hold accountMux.
func (s *Store) persistAccount() error {
	err := s.kv.Set(accountKey, &versioned.Object{
		Version:   accountVersion,
		Timestamp: netTime.Now(),
		Data:      s.account.Pickle(),
	})
	if err != nil {
		return errors.WithMessage(err, "failed to persist account")
	}
	return nil
}
