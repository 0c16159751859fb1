////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package crosssigning stores the published cross-signing key hierarchies of
// all known users, this account's private cross-signing keys, and the local
// per-user verification marks derived from interactive verification.
package crosssigning

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/xx_network/primitives/netTime"

	"gitlab.com/lattica/client-e2ee/storage/versioned"
)

const (
	storePrefix  = "crossSigning"
	storeVersion = 0
	keySetFmt    = "KeySet:%s"
	keySetIndex  = "KeySetIndex"
	privateKey   = "PrivateKeys"
	verifiedKey  = "VerifiedUsers"
)

// Key usages within a user's cross-signing hierarchy.
const (
	UsageMaster      = "master"
	UsageSelfSigning = "self_signing"
	UsageUserSigning = "user_signing"
)

// CrossSigningKey is one public key of a user's cross-signing hierarchy
// together with the signatures vouching for it.
type CrossSigningKey struct {
	UserID    string   `json:"user_id"`
	Usage     []string `json:"usage"`
	PublicKey string   `json:"public_key"`
	// Signatures maps signing user ID to key ID to base64 signature.
	Signatures map[string]map[string]string `json:"signatures,omitempty"`
}

// KeySet is the full published hierarchy of one user. SelfSigning and
// UserSigning may be zero-valued; a user-signing key is only published for
// the local account.
type KeySet struct {
	Master      CrossSigningKey `json:"master"`
	SelfSigning CrossSigningKey `json:"self_signing"`
	UserSigning CrossSigningKey `json:"user_signing"`
}

// UserID returns the user the set belongs to.
func (ks KeySet) UserID() string { return ks.Master.UserID }

// PrivateKeys holds this account's private cross-signing seeds. Each is a
// 32-byte ed25519 seed, or nil when not held locally.
type PrivateKeys struct {
	Master      []byte `json:"master,omitempty"`
	SelfSigning []byte `json:"self_signing,omitempty"`
	UserSigning []byte `json:"user_signing,omitempty"`
}

// Store is the cross-signing storage. All methods are safe for concurrent
// use.
type Store struct {
	mux      sync.RWMutex
	kv       *versioned.KV
	sets     map[string]KeySet
	verified map[string]bool
	priv     *PrivateKeys
}

// NewStore creates or loads the cross-signing store under the given KV.
func NewStore(kv *versioned.KV) (*Store, error) {
	s := &Store{
		kv:       kv.Prefix(storePrefix),
		sets:     make(map[string]KeySet),
		verified: make(map[string]bool),
	}

	if obj, err := s.kv.Get(keySetIndex, storeVersion); err == nil {
		var users []string
		if err = json.Unmarshal(obj.Data, &users); err != nil {
			return nil, errors.WithMessage(err,
				"corrupt cross-signing index")
		}
		for _, userID := range users {
			kObj, err := s.kv.Get(fmt.Sprintf(keySetFmt, userID),
				storeVersion)
			if err != nil {
				jww.ERROR.Printf("Failed to load cross-signing keys "+
					"for %s: %+v", userID, err)
				continue
			}
			ks := KeySet{}
			if err = json.Unmarshal(kObj.Data, &ks); err != nil {
				jww.ERROR.Printf("Corrupt cross-signing record for "+
					"%s: %+v", userID, err)
				continue
			}
			s.sets[userID] = ks
		}
	} else if s.kv.Exists(err) {
		return nil, errors.WithMessage(err,
			"failed to load cross-signing index")
	}

	if obj, err := s.kv.Get(verifiedKey, storeVersion); err == nil {
		if err = json.Unmarshal(obj.Data, &s.verified); err != nil {
			return nil, errors.WithMessage(err,
				"corrupt verified-user map")
		}
	} else if s.kv.Exists(err) {
		return nil, errors.WithMessage(err,
			"failed to load verified-user map")
	}

	if obj, err := s.kv.Get(privateKey, storeVersion); err == nil {
		pk := PrivateKeys{}
		if err = json.Unmarshal(obj.Data, &pk); err != nil {
			return nil, errors.WithMessage(err,
				"corrupt private cross-signing keys")
		}
		s.priv = &pk
	} else if s.kv.Exists(err) {
		return nil, errors.WithMessage(err,
			"failed to load private cross-signing keys")
	}

	return s, nil
}

// Put stores a user's published hierarchy, replacing any previous one. If
// the user's master key changed, the user's local verification mark is
// cleared and masterChanged is true; verification against the old hierarchy
// says nothing about the new one.
func (s *Store) Put(ks KeySet) (masterChanged bool, err error) {
	userID := ks.UserID()
	if userID == "" {
		return false, errors.New("cross-signing key set has no user ID")
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	old, known := s.sets[userID]
	masterChanged = known && old.Master.PublicKey != ks.Master.PublicKey
	if masterChanged {
		jww.WARN.Printf("Master key for %s changed from %s to %s; "+
			"clearing verification", userID, old.Master.PublicKey,
			ks.Master.PublicKey)
		delete(s.verified, userID)
		if err = s.saveVerified(); err != nil {
			return masterChanged, err
		}
	}

	s.sets[userID] = ks
	if err = s.persistSet(ks); err != nil {
		return masterChanged, err
	}
	if !known {
		err = s.saveIndex()
	}
	return masterChanged, err
}

// Get returns a user's published hierarchy.
func (s *Store) Get(userID string) (KeySet, bool) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	ks, ok := s.sets[userID]
	return ks, ok
}

// Users lists the users with a stored hierarchy.
func (s *Store) Users() []string {
	s.mux.RLock()
	defer s.mux.RUnlock()
	users := make([]string, 0, len(s.sets))
	for userID := range s.sets {
		users = append(users, userID)
	}
	return users
}

// SetUserVerified records or clears the local verification mark for a user.
// The mark binds to the currently stored master key; Put clears it when the
// master key changes.
func (s *Store) SetUserVerified(userID string, verified bool) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if verified {
		s.verified[userID] = true
	} else {
		delete(s.verified, userID)
	}
	return s.saveVerified()
}

// IsUserVerified reports whether the user carries a local verification mark.
func (s *Store) IsUserVerified(userID string) bool {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return s.verified[userID]
}

// SetPrivateKeys stores this account's private cross-signing seeds.
func (s *Store) SetPrivateKeys(pk PrivateKeys) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	data, err := json.Marshal(&pk)
	if err != nil {
		return errors.WithMessage(err,
			"failed to marshal private cross-signing keys")
	}
	err = s.kv.Set(privateKey, &versioned.Object{
		Version:   storeVersion,
		Timestamp: netTime.Now(),
		Data:      data,
	})
	if err != nil {
		return err
	}
	s.priv = &pk
	return nil
}

// GetPrivateKeys returns this account's private cross-signing seeds, or
// false when none are stored.
func (s *Store) GetPrivateKeys() (PrivateKeys, bool) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	if s.priv == nil {
		return PrivateKeys{}, false
	}
	return *s.priv, true
}

func (s *Store) persistSet(ks KeySet) error {
	data, err := json.Marshal(&ks)
	if err != nil {
		return errors.WithMessage(err,
			"failed to marshal cross-signing key set")
	}
	return s.kv.Set(fmt.Sprintf(keySetFmt, ks.UserID()),
		&versioned.Object{
			Version:   storeVersion,
			Timestamp: netTime.Now(),
			Data:      data,
		})
}

func (s *Store) saveIndex() error {
	users := make([]string, 0, len(s.sets))
	for userID := range s.sets {
		users = append(users, userID)
	}
	data, err := json.Marshal(users)
	if err != nil {
		return errors.WithMessage(err,
			"failed to marshal cross-signing index")
	}
	return s.kv.Set(keySetIndex, &versioned.Object{
		Version:   storeVersion,
		Timestamp: netTime.Now(),
		Data:      data,
	})
}

func (s *Store) saveVerified() error {
	data, err := json.Marshal(s.verified)
	if err != nil {
		return errors.WithMessage(err,
			"failed to marshal verified-user map")
	}
	return s.kv.Set(verifiedKey, &versioned.Object{
		Version:   storeVersion,
		Timestamp: netTime.Now(),
		Data:      data,
	})
}
