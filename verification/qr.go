////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package verification

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
	"github.com/skip2/go-qrcode"
	"gitlab.com/xx_network/primitives/netTime"

	"gitlab.com/lattica/client-e2ee/catalog"
)

const qrImageSize = 256

// ShowQR renders this device's side of a ready transaction as a QR code,
// returning both the PNG for display and the payload it encodes. The peer
// proves it scanned the real code by echoing the embedded secret; the
// payload also carries our signing key so the scanner can check it against
// its device list out of band.
func (m *Machine) ShowQR(transactionID string) (png, payload []byte,
	err error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	tx, ok := m.txs[transactionID]
	if !ok {
		return nil, nil, ErrUnknownTransaction
	}
	if tx.State != Ready {
		return nil, nil, errors.WithMessagef(ErrBadState, "state %s",
			tx.State)
	}

	secret := make([]byte, 16)
	if _, err = io.ReadFull(m.rng, secret); err != nil {
		return nil, nil, errors.WithMessage(err,
			"failed to generate QR secret")
	}
	tx.qrSecret = base64.RawURLEncoding.EncodeToString(secret)

	store := m.engine.Store()
	payload, err = json.Marshal(qrPayload{
		TransactionID: tx.ID,
		UserID:        store.UserID(),
		DeviceID:      store.DeviceID(),
		SigningKey:    store.SigningKey(),
		Secret:        tx.qrSecret,
	})
	if err != nil {
		return nil, nil, err
	}
	png, err = qrcode.Encode(string(payload), qrcode.Medium, qrImageSize)
	if err != nil {
		return nil, nil, errors.WithMessage(err,
			"failed to render QR code")
	}
	return png, payload, nil
}

// Scan consumes the decoded payload of a peer's QR code. The peer's
// signing key in the code must match the key this device downloaded for
// it; a mismatch is the attack case and fails loudly.
func (m *Machine) Scan(ctx context.Context, transactionID string,
	payload []byte) error {
	var out outbox
	m.mux.Lock()
	tx, ok := m.txs[transactionID]
	if !ok {
		m.mux.Unlock()
		return ErrUnknownTransaction
	}
	if tx.State != Ready {
		state := tx.State
		m.mux.Unlock()
		return errors.WithMessagef(ErrBadState, "state %s", state)
	}

	p := qrPayload{}
	if err := json.Unmarshal(payload, &p); err != nil {
		m.mux.Unlock()
		return errors.WithMessage(err, "malformed QR payload")
	}
	if p.TransactionID != tx.ID || p.UserID != tx.PeerUserID ||
		p.DeviceID != tx.PeerDeviceID {
		m.mux.Unlock()
		return errors.New("QR code belongs to a different transaction")
	}
	dev, ok := m.engine.Store().Devices.Get(tx.PeerUserID,
		tx.PeerDeviceID)
	if !ok {
		m.mux.Unlock()
		return errors.Errorf("no downloaded keys for %s/%s",
			tx.PeerUserID, tx.PeerDeviceID)
	}
	if dev.SigningKey != p.SigningKey {
		m.cancelLocked(tx, MismatchedCommitment, &out)
		m.mux.Unlock()
		m.deliver(ctx, &out)
		return errors.New("QR signing key does not match the peer")
	}
	tx.Method = MethodQR
	m.mux.Unlock()

	err := m.send(ctx, tx, catalog.VerificationStart, startPayload{
		TransactionID: tx.ID,
		FromDevice:    m.engine.Store().DeviceID(),
		Method:        MethodQR,
		Secret:        p.Secret,
	})
	if err != nil {
		return err
	}

	m.mux.Lock()
	defer m.mux.Unlock()
	if tx.terminal() {
		return nil
	}
	tx.Deadline = netTime.Now().Add(m.params.ExchangeTimeout)
	m.setState(tx, Started)
	return nil
}
