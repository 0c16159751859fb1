////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package olm implements the pairwise double-ratchet sessions used for
// device-to-device encryption: a long-lived account holding the device's
// identity and one-time keys, and ratcheted sessions established from them.
//
// The account and session objects are NOT safe for concurrent use. Callers
// must mutate them through the crypto store's exclusive-operation contract,
// which checks the object out, mutates it, and persists the resulting pickle
// before releasing it.
package olm

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/cloudflare/circl/dh/x25519"
	"github.com/pkg/errors"
)

// MaxOneTimeKeys is the largest number of unpublished plus published one-time
// keys an account will hold at once. Half are advertised to the server at a
// time, matching the upload cadence in the engine.
const MaxOneTimeKeys = 100

type oneTimeKey struct {
	ID        uint32     `json:"id"`
	Pub       x25519.Key `json:"pub"`
	Priv      x25519.Key `json:"priv"`
	Published bool       `json:"published"`
}

// Account holds a device's long-term identity keys, its unpublished and
// published one-time keys, and the current fallback key.
type Account struct {
	edPriv      ed25519.PrivateKey
	edPub       ed25519.PublicKey
	idPub       x25519.Key
	idPriv      x25519.Key
	oneTimeKeys map[uint32]*oneTimeKey
	fallbackKey *oneTimeKey
	nextKeyID   uint32
}

// NewAccount generates a fresh account with new identity keys and no one-time
// keys.
func NewAccount(rng io.Reader) (*Account, error) {
	edPub, edPriv, err := ed25519.GenerateKey(rng)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to generate signing key")
	}
	idPub, idPriv, err := generateKeyPair(rng)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to generate identity key")
	}
	return &Account{
		edPriv:      edPriv,
		edPub:       edPub,
		idPub:       idPub,
		idPriv:      idPriv,
		oneTimeKeys: make(map[uint32]*oneTimeKey),
		nextKeyID:   1,
	}, nil
}

// IdentityKey returns the base64 curve25519 identity public key.
func (a *Account) IdentityKey() string {
	return EncodeKey(a.idPub[:])
}

// SigningKey returns the base64 ed25519 signing public key.
func (a *Account) SigningKey() string {
	return EncodeKey(a.edPub)
}

// Sign signs a message with the account's ed25519 key, returning the base64
// signature.
func (a *Account) Sign(message []byte) string {
	return base64.RawStdEncoding.EncodeToString(ed25519.Sign(a.edPriv, message))
}

// MaxOneTimeKeys returns the number of one-time keys the account will hold.
func (a *Account) MaxOneTimeKeys() int { return MaxOneTimeKeys }

// GenerateOneTimeKeys creates n new unpublished one-time keys, dropping the
// oldest published keys if the account is over capacity.
func (a *Account) GenerateOneTimeKeys(rng io.Reader, n int) error {
	for i := 0; i < n; i++ {
		pub, priv, err := generateKeyPair(rng)
		if err != nil {
			return errors.WithMessage(err, "failed to generate one-time key")
		}
		a.oneTimeKeys[a.nextKeyID] = &oneTimeKey{
			ID:   a.nextKeyID,
			Pub:  pub,
			Priv: priv,
		}
		a.nextKeyID++
	}
	// Evict oldest published keys past capacity.
	for len(a.oneTimeKeys) > MaxOneTimeKeys {
		oldest := uint32(0)
		for id, otk := range a.oneTimeKeys {
			if otk.Published && (oldest == 0 || id < oldest) {
				oldest = id
			}
		}
		if oldest == 0 {
			break
		}
		delete(a.oneTimeKeys, oldest)
	}
	return nil
}

// OneTimeKeys returns the unpublished one-time keys as a map of key ID to
// base64 public key.
func (a *Account) OneTimeKeys() map[string]string {
	out := make(map[string]string)
	for id, otk := range a.oneTimeKeys {
		if !otk.Published {
			out[fmt.Sprintf("%d", id)] = EncodeKey(otk.Pub[:])
		}
	}
	return out
}

// MarkKeysAsPublished marks every one-time key and the fallback key as
// published. Published keys stay claimable until used or evicted.
func (a *Account) MarkKeysAsPublished() {
	for _, otk := range a.oneTimeKeys {
		otk.Published = true
	}
	if a.fallbackKey != nil {
		a.fallbackKey.Published = true
	}
}

// GenerateFallbackKey replaces the fallback key with a fresh one. The
// fallback key is claimable any number of times once one-time keys run out.
func (a *Account) GenerateFallbackKey(rng io.Reader) error {
	pub, priv, err := generateKeyPair(rng)
	if err != nil {
		return errors.WithMessage(err, "failed to generate fallback key")
	}
	a.fallbackKey = &oneTimeKey{ID: a.nextKeyID, Pub: pub, Priv: priv}
	a.nextKeyID++
	return nil
}

// FallbackKey returns the current fallback key ID and base64 public key, or
// ("", "") if none has been generated.
func (a *Account) FallbackKey() (id, pub string) {
	if a.fallbackKey == nil {
		return "", ""
	}
	return fmt.Sprintf("%d", a.fallbackKey.ID), EncodeKey(a.fallbackKey.Pub[:])
}

// findClaimedKey locates the one-time or fallback key matching the given
// public key. One-time keys are consumed; the fallback key is not.
func (a *Account) findClaimedKey(pub x25519.Key) (*oneTimeKey, bool) {
	for id, otk := range a.oneTimeKeys {
		if otk.Pub == pub {
			delete(a.oneTimeKeys, id)
			return otk, true
		}
	}
	if a.fallbackKey != nil && a.fallbackKey.Pub == pub {
		return a.fallbackKey, true
	}
	return nil, false
}

// accountPickle is the serialized account state.
type accountPickle struct {
	Version     uint8                  `json:"version"`
	EdPriv      []byte                 `json:"ed_priv"`
	EdPub       []byte                 `json:"ed_pub"`
	IDPub       x25519.Key             `json:"id_pub"`
	IDPriv      x25519.Key             `json:"id_priv"`
	OneTimeKeys map[uint32]*oneTimeKey `json:"one_time_keys"`
	FallbackKey *oneTimeKey            `json:"fallback_key,omitempty"`
	NextKeyID   uint32                 `json:"next_key_id"`
}

const accountPickleVersion = 1

// Pickle serializes the account to an opaque blob. The store is responsible
// for encryption at rest.
func (a *Account) Pickle() []byte {
	p := accountPickle{
		Version:     accountPickleVersion,
		EdPriv:      a.edPriv,
		EdPub:       a.edPub,
		IDPub:       a.idPub,
		IDPriv:      a.idPriv,
		OneTimeKeys: a.oneTimeKeys,
		FallbackKey: a.fallbackKey,
		NextKeyID:   a.nextKeyID,
	}
	data, err := json.Marshal(&p)
	if err != nil {
		panic(fmt.Sprintf("olm: could not pickle account: %+v", err))
	}
	return data
}

// UnpickleAccount restores an account from a pickle produced by
// Account.Pickle.
func UnpickleAccount(data []byte) (*Account, error) {
	p := accountPickle{}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.WithMessage(err, "failed to unpickle account")
	}
	if p.Version != accountPickleVersion {
		return nil, errors.Errorf("unknown account pickle version %d",
			p.Version)
	}
	a := &Account{
		edPriv:      p.EdPriv,
		edPub:       p.EdPub,
		idPub:       p.IDPub,
		idPriv:      p.IDPriv,
		oneTimeKeys: p.OneTimeKeys,
		fallbackKey: p.FallbackKey,
		nextKeyID:   p.NextKeyID,
	}
	if a.oneTimeKeys == nil {
		a.oneTimeKeys = make(map[uint32]*oneTimeKey)
	}
	return a, nil
}
