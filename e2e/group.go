////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package e2e

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/xx_network/primitives/netTime"

	"gitlab.com/lattica/client-e2ee/catalog"
	"gitlab.com/lattica/client-e2ee/crypto/megolm"
	"gitlab.com/lattica/client-e2ee/event"
	"gitlab.com/lattica/client-e2ee/storage/groupsession"
)

// megolmInbound parses an exported session key into an inbound session.
func megolmInbound(sessionKey string) (*megolm.InboundGroupSession, error) {
	sess, err := megolm.NewInboundGroupSession(sessionKey)
	if err != nil {
		return nil, errors.WithMessage(err, "bad session key")
	}
	return sess, nil
}

// groupMeta builds the inbound metadata for one imported session.
func groupMeta(roomID, senderKey string, claimedKeys map[string]string,
	forwarded bool) groupsession.InboundMeta {
	return groupsession.InboundMeta{
		RoomID:      roomID,
		SenderKey:   senderKey,
		ClaimedKeys: claimedKeys,
		Forwarded:   forwarded,
	}
}

// EncryptRoomEvent encrypts a room event, creating or rotating the room's
// outbound group session as needed and sharing its key with every device of
// every room member before the ciphertext exists. The room must have
// encryption enabled.
func (m *Manager) EncryptRoomEvent(ctx context.Context, roomID string,
	plaintext []byte) (*EncryptedEvent, error) {
	if err := m.checkRoomEncrypted(roomID); err != nil {
		return nil, err
	}

	var evt *EncryptedEvent
	err := m.cryptoQueue.Run(func() error {
		if err := m.rotateIfNeeded(ctx, roomID); err != nil {
			return err
		}
		if err := m.shareRoomKey(ctx, roomID); err != nil {
			return err
		}

		found, err := m.store.OutboundGroup.Do(roomID, func(
			sess *megolm.OutboundGroupSession,
			meta *groupsession.OutboundMeta) error {
			_, wire, err := sess.Encrypt(plaintext)
			if err != nil {
				return err
			}
			evt = &EncryptedEvent{
				Algorithm:  AlgorithmMegolm,
				RoomID:     roomID,
				SenderKey:  m.store.IdentityKey(),
				DeviceID:   m.store.DeviceID(),
				SessionID:  sess.ID(),
				Ciphertext: wire,
			}
			return nil
		})
		if err != nil {
			return err
		}
		if !found {
			return errors.New("outbound session vanished mid-encrypt")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return evt, nil
}

// rotateIfNeeded creates a fresh outbound session when none exists, when
// the current one is past its message budget, or when it is past its age
// budget. The new session key is immediately importable by ourselves so our
// own messages decrypt on this device too.
func (m *Manager) rotateIfNeeded(ctx context.Context, roomID string) error {
	sessionID, index, createdAt, ok := m.store.OutboundGroup.Info(roomID)
	if ok && index < m.params.RotationMessages &&
		netTime.Now().Sub(createdAt) < m.params.RotationPeriod {
		return nil
	}

	sess, err := megolm.NewOutboundGroupSession(m.rng)
	if err != nil {
		return errors.WithMessage(err,
			"failed to create outbound group session")
	}
	if err = m.store.OutboundGroup.Set(roomID, sess); err != nil {
		return err
	}
	if ok {
		jww.INFO.Printf("Rotated outbound group session for %s "+
			"(%s at index %d) to %s", roomID, sessionID, index,
			sess.ID())
	}

	// Our own inbound copy, so this device can decrypt its own sends.
	inbound, err := megolmInbound(sess.SessionKey())
	if err != nil {
		return err
	}
	_, err = m.store.InboundGroup.Add(inbound, groupMeta(roomID,
		m.store.IdentityKey(),
		map[string]string{"ed25519": m.store.SigningKey()}, false))
	return err
}

// shareRoomKey delivers the current outbound session key to every member
// device that has not received it yet. Devices without a reachable session
// get a withheld notice instead of silently nothing; blocked devices are
// withheld outright.
func (m *Manager) shareRoomKey(ctx context.Context, roomID string) error {
	members := m.rooms.members(roomID)

	var content RoomKeyContent
	pending := make(map[string][]string) // user -> devices needing the key
	var blocked [][2]string

	found, err := m.store.OutboundGroup.Do(roomID, func(
		sess *megolm.OutboundGroupSession,
		meta *groupsession.OutboundMeta) error {
		content = RoomKeyContent{
			Algorithm:  AlgorithmMegolm,
			RoomID:     roomID,
			SessionID:  sess.ID(),
			SessionKey: sess.SessionKey(),
			ChainIndex: sess.MessageIndex(),
		}
		for _, userID := range members {
			for _, dev := range m.store.Devices.UserDevices(userID) {
				if dev.UserID == m.store.UserID() &&
					dev.DeviceID == m.store.DeviceID() {
					continue
				}
				if _, done := meta.SharedWith[dev.Key()]; done {
					continue
				}
				if dev.Blocked {
					blocked = append(blocked,
						[2]string{userID, dev.DeviceID})
					continue
				}
				pending[userID] = append(pending[userID],
					dev.DeviceID)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !found {
		return errors.New("no outbound session to share")
	}
	if len(pending) == 0 && len(blocked) == 0 {
		return nil
	}

	failed, err := m.EnsureSessions(ctx, pending)
	if err != nil {
		return err
	}

	contentRaw, err := json.Marshal(content)
	if err != nil {
		return errors.WithMessage(err, "failed to marshal room key")
	}

	shared := make(map[string]uint32)
	for userID, deviceIDs := range pending {
		for _, deviceID := range deviceIDs {
			key := userID + "|" + deviceID
			if reason, ok := failed[key]; ok {
				jww.WARN.Printf("Withholding room key for %s "+
					"from %s: %+v", roomID, key, reason)
				m.sendWithheld(ctx, userID, deviceID, roomID,
					content.SessionID, WithheldNoOlm)
				continue
			}
			envelope, err := m.encryptToDevice(userID, deviceID,
				catalog.RoomKey, contentRaw)
			if err != nil {
				jww.WARN.Printf("Failed to encrypt room key "+
					"for %s: %+v", key, err)
				continue
			}
			raw, err := json.Marshal(envelope)
			if err != nil {
				return errors.WithMessage(err,
					"failed to marshal olm envelope")
			}
			err = m.client.Send(ctx, userID, deviceID,
				catalog.Encrypted, raw)
			if err != nil {
				return errors.WithMessage(err,
					"room key send failed")
			}
			shared[key] = content.ChainIndex
		}
	}
	for _, target := range blocked {
		m.sendWithheld(ctx, target[0], target[1], roomID,
			content.SessionID, WithheldBlacklisted)
	}

	if len(shared) == 0 {
		return nil
	}
	_, err = m.store.OutboundGroup.Do(roomID, func(
		sess *megolm.OutboundGroupSession,
		meta *groupsession.OutboundMeta) error {
		for key, index := range shared {
			meta.SharedWith[key] = index
		}
		return nil
	})
	return err
}

// sendWithheld sends a plaintext withheld notice; failures are logged, not
// fatal, since the recipient simply stays unable to decrypt.
func (m *Manager) sendWithheld(ctx context.Context, userID, deviceID,
	roomID, sessionID, code string) {
	raw, err := json.Marshal(WithheldContent{
		RoomID:    roomID,
		SessionID: sessionID,
		SenderKey: m.store.IdentityKey(),
		Code:      code,
	})
	if err != nil {
		return
	}
	err = m.client.Send(ctx, userID, deviceID, catalog.RoomKeyWithheld, raw)
	if err != nil {
		jww.WARN.Printf("Failed to send withheld notice to %s/%s: %+v",
			userID, deviceID, err)
	}
}

// DecryptRoomEvent decrypts one room event within the named timeline. The
// timeline scopes replay detection: decrypting the same ciphertext twice in
// one timeline is flagged, while a backfill timeline keeps its own ledger.
func (m *Manager) DecryptRoomEvent(timelineID string, evt *EncryptedEvent) (
	[]byte, error) {
	if evt.Algorithm != AlgorithmMegolm {
		return nil, errors.Errorf("unsupported algorithm %q",
			evt.Algorithm)
	}

	var plaintext []byte
	err := m.decryptQueue.Run(func() error {
		sess, _, ok := m.store.InboundGroup.Get(evt.SenderKey,
			evt.SessionID)
		if !ok {
			return errors.WithMessagef(ErrUnknownRoomKey,
				"session %s from %s", evt.SessionID, evt.SenderKey)
		}

		var index uint32
		var err error
		plaintext, index, err = sess.Decrypt(evt.Ciphertext)
		if err != nil {
			return err
		}

		seen, err := m.store.Replays.MarkDecrypted(timelineID,
			evt.SessionID, index)
		if err != nil {
			return err
		}
		if seen {
			m.events.Fire(event.ReplayDetected, map[string]string{
				"timeline_id": timelineID,
				"room_id":     evt.RoomID,
				"session_id":  evt.SessionID,
			})
			plaintext = nil
			return errors.WithMessagef(ErrReplayDetected,
				"session %s index %d", evt.SessionID, index)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}
