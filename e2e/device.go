////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package e2e

import (
	"context"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/lattica/client-e2ee/crypto/olm"
	"gitlab.com/lattica/client-e2ee/event"
	"gitlab.com/lattica/client-e2ee/storage/device"
	"gitlab.com/lattica/client-e2ee/transport"
	"gitlab.com/lattica/client-e2ee/trust"
)

// PublishKeys signs and uploads this device's key bundle, tops the server
// up to the one-time key target, and publishes a fallback key if none
// exists yet. Keys are only marked published after the server accepts them.
func (m *Manager) PublishKeys(ctx context.Context) error {
	return m.cryptoQueue.Run(func() error {
		var bundle transport.DeviceKeys
		var oneTimeKeys map[string]string
		var fallback string

		err := m.store.DoAccount(func(a *olm.Account) error {
			unpublished := a.OneTimeKeys()
			if missing := m.params.OneTimeKeyTarget -
				len(unpublished); missing > 0 {
				err := a.GenerateOneTimeKeys(m.rng, missing)
				if err != nil {
					return err
				}
			}
			if _, fb := a.FallbackKey(); fb == "" {
				if err := a.GenerateFallbackKey(m.rng); err != nil {
					return err
				}
			}
			oneTimeKeys = a.OneTimeKeys()
			_, fallback = a.FallbackKey()

			bundle = trust.DeviceKeysPayload(device.Device{
				UserID:      m.store.UserID(),
				DeviceID:    m.store.DeviceID(),
				IdentityKey: a.IdentityKey(),
				SigningKey:  a.SigningKey(),
				Algorithms: []string{AlgorithmOlm,
					AlgorithmMegolm},
			})
			canonical, err := trust.CanonicalJSON(bundle)
			if err != nil {
				return err
			}
			bundle.Signatures = map[string]map[string]string{
				m.store.UserID(): {
					"ed25519:" + m.store.DeviceID(): a.Sign(
						canonical),
				},
			}
			return nil
		})
		if err != nil {
			return err
		}

		remaining, err := m.client.UploadKeys(ctx, bundle, oneTimeKeys,
			fallback)
		if err != nil {
			return errors.WithMessage(err, "key upload failed")
		}
		jww.INFO.Printf("Published device keys for %s/%s; server holds "+
			"%d one-time keys", m.store.UserID(), m.store.DeviceID(),
			remaining)

		// The server accepted, so the uploaded keys are now findable by
		// peers and must never be re-uploaded under new IDs.
		err = m.store.DoAccount(func(a *olm.Account) error {
			a.MarkKeysAsPublished()
			return nil
		})
		if err != nil {
			return err
		}

		// Our own device belongs in the device store like anyone
		// else's.
		return m.store.Devices.Put(device.Device{
			UserID:      m.store.UserID(),
			DeviceID:    m.store.DeviceID(),
			IdentityKey: m.store.IdentityKey(),
			SigningKey:  m.store.SigningKey(),
			Algorithms:  bundle.Algorithms,
			Signatures:  bundle.Signatures,
		})
	})
}

// RefreshDevices downloads the device lists and cross-signing hierarchies
// of the given users and stores everything that verifies. Bundles with bad
// self-signatures are dropped; a device that reappears with a different
// identity key is rejected and reported, never silently replaced.
func (m *Manager) RefreshDevices(ctx context.Context,
	userIDs ...string) error {
	res, err := m.client.QueryKeys(ctx, userIDs)
	if err != nil {
		return errors.WithMessage(err, "key query failed")
	}

	for userID, devices := range res.Devices {
		for deviceID, bundle := range devices {
			if err := m.storeDownloadedDevice(userID, deviceID,
				bundle); err != nil {
				jww.WARN.Printf("Dropping device bundle %s/%s: "+
					"%+v", userID, deviceID, err)
			}
		}
	}

	for userID, set := range res.CrossSigning {
		masterChanged, err := m.store.CrossSigning.Put(set)
		if err != nil {
			return err
		}
		if masterChanged {
			m.events.Fire(event.TrustChanged, map[string]string{
				"user_id": userID,
				"reason":  "master key changed",
			})
		}
	}
	return nil
}

// storeDownloadedDevice validates one downloaded bundle and stores it.
func (m *Manager) storeDownloadedDevice(userID, deviceID string,
	bundle transport.DeviceKeys) error {
	if bundle.UserID != userID || bundle.DeviceID != deviceID {
		return errors.Errorf("bundle claims to be %s/%s",
			bundle.UserID, bundle.DeviceID)
	}
	identityKey := bundle.Keys["curve25519:"+deviceID]
	signingKey := bundle.Keys["ed25519:"+deviceID]
	if identityKey == "" || signingKey == "" {
		return errors.New("bundle is missing its keys")
	}

	// Every bundle is signed by its own device key.
	selfSig, ok := bundle.Signatures[userID]["ed25519:"+deviceID]
	if !ok {
		return errors.New("bundle carries no self-signature")
	}
	if err := trust.VerifyJSON(signingKey, selfSig, bundle); err != nil {
		return errors.WithMessage(err, "self-signature check failed")
	}

	err := m.store.Devices.Put(device.Device{
		UserID:      userID,
		DeviceID:    deviceID,
		IdentityKey: identityKey,
		SigningKey:  signingKey,
		Algorithms:  bundle.Algorithms,
		Signatures:  bundle.Signatures,
	})
	if errors.Is(err, device.ErrIdentityKeyChanged) {
		m.events.Fire(event.IdentityKeyMismatch, map[string]string{
			"user_id":   userID,
			"device_id": deviceID,
		})
		return err
	}
	return err
}
