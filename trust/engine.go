////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package trust computes how much a user or device should be trusted and
// maintains the cross-signing hierarchy that the computation walks. Bad
// signatures are never fatal: a key that fails verification simply does not
// contribute trust.
package trust

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/lattica/client-e2ee/event"
	"gitlab.com/lattica/client-e2ee/storage"
	"gitlab.com/lattica/client-e2ee/storage/crosssigning"
	"gitlab.com/lattica/client-e2ee/storage/device"
	"gitlab.com/lattica/client-e2ee/transport"
)

// Level is the computed trust in a user or device.
type Level uint8

const (
	// Unverified means no trust path exists.
	Unverified Level = iota
	// LegacyVerified means the device was marked verified by hand, with
	// no cross-signing path.
	LegacyVerified
	// CrossSigningVerified means an unbroken signature chain runs from
	// our own user-signing key to the target.
	CrossSigningVerified
)

// String returns a human-readable name for the level.
func (l Level) String() string {
	switch l {
	case Unverified:
		return "unverified"
	case LegacyVerified:
		return "legacy verified"
	case CrossSigningVerified:
		return "cross-signing verified"
	default:
		return fmt.Sprintf("unknown level %d", uint8(l))
	}
}

// Engine is the trust engine for one account.
type Engine struct {
	store  *storage.Store
	client transport.KeyClient
	events event.Bus
	rng    io.Reader
}

// NewEngine creates a trust engine over the given store and key client.
func NewEngine(store *storage.Store, client transport.KeyClient,
	events event.Bus) *Engine {
	return &Engine{store: store, client: client, events: events,
		rng: rand.Reader}
}

// keyID formats the wire key ID for a base64 ed25519 public key.
func keyID(pubB64 string) string {
	return "ed25519:" + pubB64
}

// DeviceKeysPayload rebuilds the signable published key bundle for a stored
// device. Signing and verifying both build the payload from here so the
// bytes always line up.
func DeviceKeysPayload(dev device.Device) transport.DeviceKeys {
	return transport.DeviceKeys{
		UserID:     dev.UserID,
		DeviceID:   dev.DeviceID,
		Algorithms: dev.Algorithms,
		Keys: map[string]string{
			"curve25519:" + dev.DeviceID: dev.IdentityKey,
			"ed25519:" + dev.DeviceID:    dev.SigningKey,
		},
	}
}

// Bootstrap generates a fresh cross-signing hierarchy for this account:
// a master key, a self-signing key signed by the master, and a user-signing
// key signed by the master. The private seeds are stored, the public
// hierarchy is published, and this device is signed by the new self-signing
// key.
func (e *Engine) Bootstrap(ctx context.Context) error {
	userID := e.store.UserID()

	seeds := make([][]byte, 3)
	pubs := make([]string, 3)
	privs := make([]ed25519.PrivateKey, 3)
	for i := range seeds {
		seeds[i] = make([]byte, ed25519.SeedSize)
		if _, err := io.ReadFull(e.rng, seeds[i]); err != nil {
			return errors.WithMessage(err,
				"failed to generate cross-signing seed")
		}
		privs[i] = ed25519.NewKeyFromSeed(seeds[i])
		pubs[i] = keyEncoding.EncodeToString(
			privs[i].Public().(ed25519.PublicKey))
	}
	masterPriv, sskSeedIdx, uskSeedIdx := privs[0], 1, 2

	set := crosssigning.KeySet{
		Master: crosssigning.CrossSigningKey{
			UserID:    userID,
			Usage:     []string{crosssigning.UsageMaster},
			PublicKey: pubs[0],
		},
		SelfSigning: crosssigning.CrossSigningKey{
			UserID:    userID,
			Usage:     []string{crosssigning.UsageSelfSigning},
			PublicKey: pubs[sskSeedIdx],
		},
		UserSigning: crosssigning.CrossSigningKey{
			UserID:    userID,
			Usage:     []string{crosssigning.UsageUserSigning},
			PublicKey: pubs[uskSeedIdx],
		},
	}

	// The master vouches for the two signing keys.
	for _, sub := range []*crosssigning.CrossSigningKey{
		&set.SelfSigning, &set.UserSigning} {
		sig, err := SignJSON(masterPriv, sub)
		if err != nil {
			return err
		}
		sub.Signatures = map[string]map[string]string{
			userID: {keyID(pubs[0]): sig},
		}
	}

	if _, err := e.store.CrossSigning.Put(set); err != nil {
		return err
	}
	err := e.store.CrossSigning.SetPrivateKeys(crosssigning.PrivateKeys{
		Master:      seeds[0],
		SelfSigning: seeds[sskSeedIdx],
		UserSigning: seeds[uskSeedIdx],
	})
	if err != nil {
		return err
	}
	if err = e.client.UploadCrossSigning(ctx, set); err != nil {
		return errors.WithMessage(err,
			"failed to publish cross-signing keys")
	}

	// Our own user is trivially verified by our own hierarchy.
	if err = e.store.CrossSigning.SetUserVerified(userID, true); err != nil {
		return err
	}

	if err = e.SignOwnDevice(ctx, e.store.DeviceID()); err != nil {
		return err
	}

	jww.INFO.Printf("Bootstrapped cross-signing for %s (master %s)",
		userID, pubs[0])
	return nil
}

// SignOwnDevice signs one of this user's devices with the self-signing key
// and records the signature on the stored device.
func (e *Engine) SignOwnDevice(ctx context.Context, deviceID string) error {
	userID := e.store.UserID()
	priv, set, err := e.privateKey(selfSigning)
	if err != nil {
		return err
	}

	dev, ok := e.store.Devices.Get(userID, deviceID)
	if !ok {
		return errors.Errorf("unknown own device %s", deviceID)
	}

	payload := DeviceKeysPayload(dev)
	sig, err := SignJSON(priv, payload)
	if err != nil {
		return err
	}
	sskID := keyID(set.SelfSigning.PublicKey)
	if dev.Signatures == nil {
		dev.Signatures = make(map[string]map[string]string)
	}
	if dev.Signatures[userID] == nil {
		dev.Signatures[userID] = make(map[string]string)
	}
	dev.Signatures[userID][sskID] = sig
	if err = e.store.Devices.Put(dev); err != nil {
		return err
	}

	payload.Signatures = dev.Signatures
	return e.uploadSignature(ctx, userID, deviceID, payload)
}

// SignUser signs another user's master key with our user-signing key,
// marking them verified. Called after interactive verification succeeds.
func (e *Engine) SignUser(ctx context.Context, userID string) error {
	priv, set, err := e.privateKey(userSigning)
	if err != nil {
		return err
	}
	theirSet, ok := e.store.CrossSigning.Get(userID)
	if !ok {
		return errors.Errorf("no cross-signing keys known for %s", userID)
	}

	sig, err := SignJSON(priv, theirSet.Master)
	if err != nil {
		return err
	}
	uskID := keyID(set.UserSigning.PublicKey)
	if theirSet.Master.Signatures == nil {
		theirSet.Master.Signatures = make(map[string]map[string]string)
	}
	ourUser := e.store.UserID()
	if theirSet.Master.Signatures[ourUser] == nil {
		theirSet.Master.Signatures[ourUser] = make(map[string]string)
	}
	theirSet.Master.Signatures[ourUser][uskID] = sig
	if _, err = e.store.CrossSigning.Put(theirSet); err != nil {
		return err
	}
	if err = e.store.CrossSigning.SetUserVerified(userID, true); err != nil {
		return err
	}
	e.events.Fire(event.TrustChanged, map[string]string{
		"user_id": userID,
		"level":   CrossSigningVerified.String(),
	})

	return e.uploadSignature(ctx, userID, theirSet.Master.PublicKey,
		theirSet.Master)
}

// SetDeviceVerified marks one device locally verified or not. This is the
// legacy per-device path for peers without cross-signing.
func (e *Engine) SetDeviceVerified(userID, deviceID string,
	verified bool) error {
	if err := e.store.Devices.SetVerified(userID, deviceID,
		verified); err != nil {
		return err
	}
	e.events.Fire(event.TrustChanged, map[string]string{
		"user_id":   userID,
		"device_id": deviceID,
		"level":     e.DeviceTrust(userID, deviceID).String(),
	})
	return nil
}

// SetUserVerified records or clears the local verification mark for a
// user. The mark gates cross-signing trust: signatures alone never verify
// a user without it.
func (e *Engine) SetUserVerified(userID string, verified bool) error {
	err := e.store.CrossSigning.SetUserVerified(userID, verified)
	if err != nil {
		return err
	}
	e.events.Fire(event.TrustChanged, map[string]string{
		"user_id": userID,
		"level":   e.UserTrust(userID).String(),
	})
	return nil
}

// UserTrust computes the trust level of a user. A user is cross-signing
// verified when they carry a local verification mark and a valid signature
// by our user-signing key over their current master key.
func (e *Engine) UserTrust(userID string) Level {
	ourSet, ok := e.store.CrossSigning.Get(e.store.UserID())
	if !ok {
		return Unverified
	}
	if userID == e.store.UserID() {
		if e.store.CrossSigning.IsUserVerified(userID) {
			return CrossSigningVerified
		}
		return Unverified
	}

	theirSet, ok := e.store.CrossSigning.Get(userID)
	if !ok || !e.store.CrossSigning.IsUserVerified(userID) {
		return Unverified
	}
	uskID := keyID(ourSet.UserSigning.PublicKey)
	sig, ok := theirSet.Master.Signatures[e.store.UserID()][uskID]
	if !ok {
		return Unverified
	}
	err := VerifyJSON(ourSet.UserSigning.PublicKey, sig, theirSet.Master)
	if err != nil {
		jww.WARN.Printf("Discarding bad user-signing signature over "+
			"master key of %s: %+v", userID, err)
		return Unverified
	}
	return CrossSigningVerified
}

// DeviceTrust computes the trust level of a device: cross-signing verified
// when the user is verified and an unbroken chain master -> self-signing ->
// device checks out, legacy verified when the device carries a local mark,
// unverified otherwise. Blocked devices are always unverified.
func (e *Engine) DeviceTrust(userID, deviceID string) Level {
	dev, ok := e.store.Devices.Get(userID, deviceID)
	if !ok || dev.Blocked {
		return Unverified
	}

	if e.deviceCrossSigned(userID, dev) {
		return CrossSigningVerified
	}
	if dev.LocallyVerified {
		return LegacyVerified
	}
	return Unverified
}

// deviceCrossSigned walks the chain from the user's master key to the
// device.
func (e *Engine) deviceCrossSigned(userID string, dev device.Device) bool {
	if e.UserTrust(userID) != CrossSigningVerified {
		return false
	}
	theirSet, ok := e.store.CrossSigning.Get(userID)
	if !ok || theirSet.SelfSigning.PublicKey == "" {
		return false
	}

	// Master must vouch for the self-signing key.
	masterID := keyID(theirSet.Master.PublicKey)
	sskSig, ok := theirSet.SelfSigning.Signatures[userID][masterID]
	if !ok {
		return false
	}
	err := VerifyJSON(theirSet.Master.PublicKey, sskSig,
		theirSet.SelfSigning)
	if err != nil {
		jww.WARN.Printf("Discarding bad master signature over "+
			"self-signing key of %s: %+v", userID, err)
		return false
	}

	// Self-signing key must vouch for the device.
	sskID := keyID(theirSet.SelfSigning.PublicKey)
	devSig, ok := dev.Signatures[userID][sskID]
	if !ok {
		return false
	}
	err = VerifyJSON(theirSet.SelfSigning.PublicKey, devSig,
		DeviceKeysPayload(dev))
	if err != nil {
		jww.WARN.Printf("Discarding bad self-signing signature over "+
			"device of %s: %+v", userID, err)
		return false
	}
	return true
}

type signingKeyKind int

const (
	selfSigning signingKeyKind = iota
	userSigning
)

// privateKey loads one of our private cross-signing keys along with the
// published set.
func (e *Engine) privateKey(kind signingKeyKind) (ed25519.PrivateKey,
	crosssigning.KeySet, error) {
	pk, ok := e.store.CrossSigning.GetPrivateKeys()
	if !ok {
		return nil, crosssigning.KeySet{}, errors.New(
			"no private cross-signing keys; bootstrap first")
	}
	set, ok := e.store.CrossSigning.Get(e.store.UserID())
	if !ok {
		return nil, crosssigning.KeySet{}, errors.New(
			"own cross-signing hierarchy is missing")
	}

	var seed []byte
	switch kind {
	case selfSigning:
		seed = pk.SelfSigning
	case userSigning:
		seed = pk.UserSigning
	}
	if len(seed) != ed25519.SeedSize {
		return nil, crosssigning.KeySet{}, errors.New(
			"private cross-signing seed is missing or malformed")
	}
	return ed25519.NewKeyFromSeed(seed), set, nil
}

// uploadSignature publishes one newly signed object under the target user
// and key.
func (e *Engine) uploadSignature(ctx context.Context, userID, key string,
	signed interface{}) error {
	raw, err := json.Marshal(signed)
	if err != nil {
		return errors.WithMessage(err,
			"failed to marshal signature upload")
	}
	return e.client.UploadSignatures(ctx,
		map[string]map[string]json.RawMessage{
			userID: {key: raw},
		})
}
