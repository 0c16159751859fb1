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

	"gitlab.com/lattica/client-e2ee/catalog"
	"gitlab.com/lattica/client-e2ee/crypto/olm"
	"gitlab.com/lattica/client-e2ee/event"
	"gitlab.com/lattica/client-e2ee/transport"
)

// EnsureSessions makes sure a pairwise session exists with every listed
// device, claiming one-time keys for the ones missing a session. The wanted
// map is user ID to device IDs. Devices that could not be reached are
// returned keyed "<user>|<device>"; their failure does not fail the rest.
func (m *Manager) EnsureSessions(ctx context.Context,
	wanted map[string][]string) (map[string]error, error) {
	failed := make(map[string]error)

	// Work out who actually needs a session.
	missing := make(map[string][]string)
	for userID, deviceIDs := range wanted {
		for _, deviceID := range deviceIDs {
			if userID == m.store.UserID() &&
				deviceID == m.store.DeviceID() {
				continue
			}
			dev, ok := m.store.Devices.Get(userID, deviceID)
			if !ok {
				failed[userID+"|"+deviceID] = errors.New(
					"device keys not downloaded")
				continue
			}
			if m.store.Pairwise.HasSession(dev.IdentityKey) {
				continue
			}
			missing[userID] = append(missing[userID], deviceID)
		}
	}
	if len(missing) == 0 {
		return failed, nil
	}

	claimed, err := m.client.ClaimKeys(ctx, missing)
	if err != nil {
		return failed, errors.WithMessage(err, "key claim failed")
	}

	for userID, deviceIDs := range missing {
		for _, deviceID := range deviceIDs {
			key := userID + "|" + deviceID
			ck, ok := claimed[userID][deviceID]
			if !ok {
				failed[key] = errors.New(
					"no one-time key available")
				continue
			}
			if err := m.establishOutbound(userID, deviceID,
				ck); err != nil {
				failed[key] = err
			}
		}
	}
	return failed, nil
}

// establishOutbound creates an outbound pairwise session to one device from
// a claimed key.
func (m *Manager) establishOutbound(userID, deviceID string,
	ck transport.ClaimedKey) error {
	dev, ok := m.store.Devices.Get(userID, deviceID)
	if !ok {
		return errors.New("device keys not downloaded")
	}

	var sess *olm.Session
	err := m.store.DoAccount(func(a *olm.Account) error {
		var err error
		sess, err = a.NewOutboundSession(m.rng, dev.IdentityKey, ck.Key)
		return err
	})
	if err != nil {
		return errors.WithMessage(err, "session setup failed")
	}
	if err = m.store.Pairwise.AddSession(sess); err != nil {
		return err
	}

	m.events.Fire(event.SessionEstablished, map[string]string{
		"user_id":    userID,
		"device_id":  deviceID,
		"session_id": sess.ID(),
		"direction":  "outbound",
	})
	jww.DEBUG.Printf("Established outbound session %s with %s/%s "+
		"(fallback key: %t)", sess.ID(), userID, deviceID, ck.Fallback)
	return nil
}

// SendToDevice encrypts content to one device over the preferred pairwise
// session and sends it. The session must already exist; callers run
// EnsureSessions first.
func (m *Manager) SendToDevice(ctx context.Context, userID, deviceID string,
	msgType catalog.MessageType, content json.RawMessage) error {
	return m.cryptoQueue.Run(func() error {
		envelope, err := m.encryptToDevice(userID, deviceID, msgType,
			content)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(envelope)
		if err != nil {
			return errors.WithMessage(err,
				"failed to marshal olm envelope")
		}
		return m.client.Send(ctx, userID, deviceID, catalog.Encrypted,
			raw)
	})
}

// encryptToDevice produces the olm envelope for one device. Callers
// serialize through the crypto queue.
func (m *Manager) encryptToDevice(userID, deviceID string,
	msgType catalog.MessageType, content json.RawMessage) (
	*olmEnvelope, error) {
	dev, ok := m.store.Devices.Get(userID, deviceID)
	if !ok {
		return nil, errors.Errorf("no keys for device %s/%s", userID,
			deviceID)
	}
	sessionID, ok := m.store.Pairwise.PreferredSession(dev.IdentityKey)
	if !ok {
		return nil, errors.WithMessagef(ErrNoSession, "%s/%s", userID,
			deviceID)
	}

	inner, err := json.Marshal(innerPayload{
		Type:             msgType,
		SenderUserID:     m.store.UserID(),
		SenderDeviceID:   m.store.DeviceID(),
		SenderSigningKey: m.store.SigningKey(),
		RecipientUserID:  userID,
		Content:          content,
	})
	if err != nil {
		return nil, errors.WithMessage(err,
			"failed to marshal inner payload")
	}

	envelope := &olmEnvelope{
		Algorithm:    AlgorithmOlm,
		SenderKey:    m.store.IdentityKey(),
		RecipientKey: dev.IdentityKey,
	}
	err = m.store.Pairwise.DoSession(sessionID, func(s *olm.Session) error {
		var err error
		envelope.Type, envelope.Body, err = s.Encrypt(inner)
		return err
	})
	if err != nil {
		return nil, err
	}
	return envelope, nil
}

// ProcessToDevice turns one raw to-device message into a DecryptedToDevice.
// Encrypted envelopes are decrypted and their authenticated sender checked
// against the wire sender; everything else passes through with the wire
// metadata. Room keys and withheld notices are additionally applied to the
// store before being handed back.
func (m *Manager) ProcessToDevice(ctx context.Context,
	msg transport.ToDeviceMessage) (*DecryptedToDevice, error) {
	if msg.Type != catalog.Encrypted {
		return m.processPlaintext(msg)
	}

	var processed *DecryptedToDevice
	err := m.decryptQueue.Run(func() error {
		var err error
		processed, err = m.decryptToDevice(msg)
		return err
	})
	if err != nil {
		return nil, err
	}

	switch processed.Type {
	case catalog.RoomKey, catalog.ForwardedRoomKey:
		if err := m.acceptRoomKey(processed); err != nil {
			return nil, err
		}
	}
	return processed, nil
}

// processPlaintext handles the to-device types that legitimately arrive
// unencrypted.
func (m *Manager) processPlaintext(msg transport.ToDeviceMessage) (
	*DecryptedToDevice, error) {
	switch msg.Type {
	case catalog.RoomKey, catalog.ForwardedRoomKey:
		// Room keys are only ever accepted from inside an encrypted
		// envelope; a plaintext one is an attack or a bug.
		return nil, errors.Errorf(
			"refusing plaintext %s from %s/%s", msg.Type,
			msg.SenderUserID, msg.SenderDeviceID)
	case catalog.RoomKeyWithheld:
		var wh WithheldContent
		if err := json.Unmarshal(msg.Content, &wh); err != nil {
			return nil, errors.WithMessage(err,
				"malformed withheld notice")
		}
		m.events.Fire(event.RoomKeyWithheld, map[string]string{
			"room_id":    wh.RoomID,
			"session_id": wh.SessionID,
			"sender_key": wh.SenderKey,
			"code":       wh.Code,
		})
	}

	return &DecryptedToDevice{
		Type:           msg.Type,
		SenderUserID:   msg.SenderUserID,
		SenderDeviceID: msg.SenderDeviceID,
		Content:        msg.Content,
	}, nil
}

// decryptToDevice opens an olm envelope. Callers serialize through the
// decrypt queue.
func (m *Manager) decryptToDevice(msg transport.ToDeviceMessage) (
	*DecryptedToDevice, error) {
	var envelope olmEnvelope
	if err := json.Unmarshal(msg.Content, &envelope); err != nil {
		return nil, errors.WithMessage(err, "malformed olm envelope")
	}
	if envelope.RecipientKey != m.store.IdentityKey() {
		return nil, ErrWrongRecipient
	}

	plaintext, err := m.openEnvelope(&envelope)
	if err != nil {
		return nil, err
	}

	var inner innerPayload
	if err = json.Unmarshal(plaintext, &inner); err != nil {
		return nil, errors.WithMessage(err, "malformed inner payload")
	}
	// The envelope authenticated the sender's identity key; the inner
	// payload binds the wire sender to it.
	if inner.SenderUserID != msg.SenderUserID ||
		inner.RecipientUserID != m.store.UserID() {
		return nil, ErrSenderMismatch
	}

	return &DecryptedToDevice{
		Type:             inner.Type,
		SenderUserID:     inner.SenderUserID,
		SenderDeviceID:   inner.SenderDeviceID,
		SenderKey:        envelope.SenderKey,
		SenderSigningKey: inner.SenderSigningKey,
		Content:          inner.Content,
	}, nil
}

// openEnvelope tries the known sessions for the sender key and, for pre-key
// messages, falls back to establishing a fresh inbound session.
func (m *Manager) openEnvelope(envelope *olmEnvelope) ([]byte, error) {
	var plaintext []byte
	for _, sessionID := range m.store.Pairwise.SessionIDs(
		envelope.SenderKey) {
		err := m.store.Pairwise.DoSession(sessionID,
			func(s *olm.Session) error {
				var err error
				plaintext, err = s.Decrypt(envelope.Type,
					envelope.Body)
				return err
			})
		if err == nil {
			return plaintext, nil
		}
		jww.TRACE.Printf("Session %s did not open envelope: %+v",
			sessionID, err)
	}

	if envelope.Type != olm.MessageTypePreKey {
		return nil, errors.WithMessagef(olm.ErrDecryptionFailed,
			"no session opened message from %s", envelope.SenderKey)
	}

	// A pre-key message can establish a new inbound session, consuming
	// the one-time key it was built against.
	var sess *olm.Session
	err := m.store.DoAccount(func(a *olm.Account) error {
		var err error
		sess, plaintext, err = a.NewInboundSession(envelope.SenderKey,
			envelope.Body)
		return err
	})
	if err != nil {
		return nil, errors.WithMessage(err,
			"failed to establish inbound session")
	}
	if err = m.store.Pairwise.AddSession(sess); err != nil {
		return nil, err
	}

	m.events.Fire(event.SessionEstablished, map[string]string{
		"session_id": sess.ID(),
		"direction":  "inbound",
	})
	jww.DEBUG.Printf("Established inbound session %s with peer key %s",
		sess.ID(), envelope.SenderKey)
	return plaintext, nil
}

// acceptRoomKey applies a decrypted room key share to the inbound store.
func (m *Manager) acceptRoomKey(msg *DecryptedToDevice) error {
	var content RoomKeyContent
	if err := json.Unmarshal(msg.Content, &content); err != nil {
		return errors.WithMessage(err, "malformed room key content")
	}
	if content.Algorithm != AlgorithmMegolm {
		return errors.Errorf("unsupported room key algorithm %q",
			content.Algorithm)
	}

	senderKey := msg.SenderKey
	claimed := map[string]string{"ed25519": msg.SenderSigningKey}
	if content.Forwarded {
		// A forwarded key speaks for the original sender, not the
		// forwarder. It is marked so trust decisions can discount it.
		senderKey = content.OriginalSenderKey
		claimed = content.SenderClaimedKeys
	}

	return m.AddInboundRoomKey(content, senderKey, claimed,
		content.Forwarded)
}

// AddInboundRoomKey imports one inbound group session, from a direct share,
// a forward, a backup restore, or a file import. Re-imports never regress
// an existing session.
func (m *Manager) AddInboundRoomKey(content RoomKeyContent, senderKey string,
	claimedKeys map[string]string, forwarded bool) error {
	sess, err := megolmInbound(content.SessionKey)
	if err != nil {
		return err
	}
	if sess.ID() != content.SessionID {
		return errors.Errorf("session key is for %s, not %s",
			sess.ID(), content.SessionID)
	}

	added, err := m.store.InboundGroup.Add(sess, groupMeta(content.RoomID,
		senderKey, claimedKeys, forwarded))
	if err != nil {
		return err
	}
	if added {
		m.events.Fire(event.RoomKeyReceived, map[string]string{
			"room_id":    content.RoomID,
			"session_id": content.SessionID,
			"sender_key": senderKey,
			"forwarded":  boolString(forwarded),
		})
	}
	return nil
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
