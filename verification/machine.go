////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package verification runs interactive device verification transactions:
// short-authentication-string (emoji/decimal) comparison and QR scanning.
// Every transaction ends in Done or Cancelled with a reason; a background
// sweep expires the ones users walk away from.
package verification

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/xx_network/primitives/netTime"

	"gitlab.com/lattica/client-e2ee/catalog"
	"gitlab.com/lattica/client-e2ee/e2e"
	"gitlab.com/lattica/client-e2ee/event"
	"gitlab.com/lattica/client-e2ee/stoppable"
	"gitlab.com/lattica/client-e2ee/trust"
)

// ErrUnknownTransaction is returned for operations on a transaction ID
// this machine is not running.
var ErrUnknownTransaction = errors.New(
	"verification: unknown transaction")

// ErrBadState is returned when a local action does not fit the
// transaction's current state.
var ErrBadState = errors.New("verification: wrong state for operation")

const sweepStoppable = "verificationSweep"

// Params tunes transaction deadlines.
type Params struct {
	// RequestTimeout is how long a request waits for the peer to become
	// ready.
	RequestTimeout time.Duration

	// ExchangeTimeout is how long each in-progress step may take.
	ExchangeTimeout time.Duration

	// SweepPeriod is how often expired transactions are collected.
	SweepPeriod time.Duration
}

// GetDefaultParams returns the default deadline tuning.
func GetDefaultParams() Params {
	return Params{
		RequestTimeout:  10 * time.Minute,
		ExchangeTimeout: 2 * time.Minute,
		SweepPeriod:     15 * time.Second,
	}
}

// Machine runs the verification transactions of one device.
type Machine struct {
	mux    sync.Mutex
	txs    map[string]*Transaction
	engine *e2e.Manager
	trust  *trust.Engine
	events event.Bus
	params Params
	rng    io.Reader
}

// NewMachine creates a verification machine and registers its to-device
// handlers on the engine.
func NewMachine(engine *e2e.Manager, trustEngine *trust.Engine,
	events event.Bus, params Params) *Machine {
	m := &Machine{
		txs:    make(map[string]*Transaction),
		engine: engine,
		trust:  trustEngine,
		events: events,
		params: params,
		rng:    rand.Reader,
	}
	engine.RegisterHandler(catalog.VerificationRequest, m.onRequest)
	engine.RegisterHandler(catalog.VerificationReady, m.onReady)
	engine.RegisterHandler(catalog.VerificationStart, m.onStart)
	engine.RegisterHandler(catalog.VerificationAccept, m.onAccept)
	engine.RegisterHandler(catalog.VerificationKey, m.onKey)
	engine.RegisterHandler(catalog.VerificationMac, m.onMac)
	engine.RegisterHandler(catalog.VerificationDone, m.onDone)
	engine.RegisterHandler(catalog.VerificationCancel, m.onCancel)
	return m
}

// Service starts the deadline sweep.
func (m *Machine) Service() (stoppable.Stoppable, error) {
	stop := stoppable.NewSingle(sweepStoppable)
	go m.sweep(stop)
	return stop, nil
}

func (m *Machine) sweep(stop *stoppable.Single) {
	t := time.NewTicker(m.params.SweepPeriod)
	defer t.Stop()
	for {
		select {
		case <-stop.Quit():
			stop.ToStopped()
			return
		case <-t.C:
		}

		m.mux.Lock()
		now := netTime.Now()
		var expired []*Transaction
		for _, tx := range m.txs {
			if !tx.terminal() && now.After(tx.Deadline) {
				expired = append(expired, tx)
			}
		}
		m.mux.Unlock()

		for _, tx := range expired {
			jww.INFO.Printf("Verification %s with %s/%s timed out",
				tx.ID, tx.PeerUserID, tx.PeerDeviceID)
			if err := m.Cancel(context.Background(), tx.ID,
				Timeout); err != nil {
				jww.WARN.Printf("Failed to expire verification "+
					"%s: %+v", tx.ID, err)
			}
		}
	}
}

// Get returns a snapshot of one transaction.
func (m *Machine) Get(transactionID string) (Transaction, bool) {
	m.mux.Lock()
	defer m.mux.Unlock()
	tx, ok := m.txs[transactionID]
	if !ok {
		return Transaction{}, false
	}
	return *tx, true
}

// setState transitions a transaction and broadcasts it. Callers hold m.mux.
func (m *Machine) setState(tx *Transaction, next State) {
	tx.State = next
	m.events.Fire(event.VerificationStateChanged, map[string]string{
		"transaction_id": tx.ID,
		"peer_user_id":   tx.PeerUserID,
		"peer_device_id": tx.PeerDeviceID,
		"state":          next.String(),
		"reason":         string(tx.Reason),
	})
}

// send marshals and ships one protocol message to the transaction's peer.
// Never call it with m.mux held; a slow transport would stall every other
// transaction and the deadline sweep.
func (m *Machine) send(ctx context.Context, tx *Transaction,
	msgType catalog.MessageType, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.WithMessage(err,
			"failed to marshal verification message")
	}
	return m.engine.SendToDevice(ctx, tx.PeerUserID, tx.PeerDeviceID,
		msgType, raw)
}

// outbox collects protocol messages staged while m.mux is held. deliver
// puts them on the wire once the lock is released.
type outbox struct {
	msgs []stagedMsg
}

type stagedMsg struct {
	tx      *Transaction
	msgType catalog.MessageType
	payload any
}

func (o *outbox) add(tx *Transaction, msgType catalog.MessageType,
	payload any) {
	o.msgs = append(o.msgs, stagedMsg{tx: tx, msgType: msgType,
		payload: payload})
}

// deliver ships every staged message. The state machine has already moved
// on, so failures are logged; a peer that never hears from us times the
// transaction out.
func (m *Machine) deliver(ctx context.Context, out *outbox) {
	for _, s := range out.msgs {
		if err := m.send(ctx, s.tx, s.msgType, s.payload); err != nil {
			jww.WARN.Printf("Failed to send %s for verification "+
				"%s: %+v", s.msgType, s.tx.ID, err)
		}
	}
}

func (m *Machine) newTransactionID() (string, error) {
	buf := make([]byte, 16)
	if _, err := io.ReadFull(m.rng, buf); err != nil {
		return "", errors.WithMessage(err,
			"failed to generate transaction ID")
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Request opens a verification transaction with one device and returns its
// ID. A pairwise session is established first if none exists.
func (m *Machine) Request(ctx context.Context, userID, deviceID string) (
	string, error) {
	failed, err := m.engine.EnsureSessions(ctx,
		map[string][]string{userID: {deviceID}})
	if err != nil {
		return "", err
	}
	if reason, ok := failed[userID+"|"+deviceID]; ok {
		return "", errors.WithMessage(reason, "peer is unreachable")
	}

	id, err := m.newTransactionID()
	if err != nil {
		return "", err
	}
	tx := &Transaction{
		ID:           id,
		PeerUserID:   userID,
		PeerDeviceID: deviceID,
		Initiator:    true,
		State:        RequestSent,
		Deadline:     netTime.Now().Add(m.params.RequestTimeout),
	}

	err = m.send(ctx, tx, catalog.VerificationRequest, requestPayload{
		TransactionID: id,
		FromDevice:    m.engine.Store().DeviceID(),
		Methods:       []string{MethodSAS, MethodQR},
		Timestamp:     netTime.Now().UnixMilli(),
	})
	if err != nil {
		return "", err
	}

	m.mux.Lock()
	m.txs[id] = tx
	m.setState(tx, RequestSent)
	m.mux.Unlock()
	return id, nil
}

// Accept answers a received verification request, telling the peer this
// side is ready to run a method.
func (m *Machine) Accept(ctx context.Context, transactionID string) error {
	m.mux.Lock()
	tx, ok := m.txs[transactionID]
	if !ok {
		m.mux.Unlock()
		return ErrUnknownTransaction
	}
	if tx.State != RequestReceived {
		state := tx.State
		m.mux.Unlock()
		return errors.WithMessagef(ErrBadState, "state %s", state)
	}
	m.mux.Unlock()

	err := m.send(ctx, tx, catalog.VerificationReady, readyPayload{
		TransactionID: tx.ID,
		FromDevice:    m.engine.Store().DeviceID(),
		Methods:       []string{MethodSAS, MethodQR},
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
	m.setState(tx, Ready)
	return nil
}

// StartSAS begins the short-authentication-string exchange on a ready
// transaction.
func (m *Machine) StartSAS(ctx context.Context, transactionID string) error {
	m.mux.Lock()
	tx, ok := m.txs[transactionID]
	if !ok {
		m.mux.Unlock()
		return ErrUnknownTransaction
	}
	if tx.State != Ready || tx.Method != "" {
		state := tx.State
		m.mux.Unlock()
		return errors.WithMessagef(ErrBadState, "state %s", state)
	}

	keys, err := newSASKeys(m.rng)
	if err != nil {
		m.mux.Unlock()
		return err
	}
	start := startPayload{
		TransactionID: tx.ID,
		FromDevice:    m.engine.Store().DeviceID(),
		Method:        MethodSAS,
	}
	body, err := json.Marshal(start)
	if err != nil {
		m.mux.Unlock()
		return err
	}
	tx.Method = MethodSAS
	tx.starter = true
	tx.keys = keys
	tx.startBody = string(body)
	m.mux.Unlock()

	if err = m.send(ctx, tx, catalog.VerificationStart, start); err != nil {
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

// Confirm records that the local user compared the short codes and they
// matched. Our MAC goes out; the transaction finishes once the peer's MAC
// has arrived and verified.
func (m *Machine) Confirm(ctx context.Context, transactionID string) error {
	m.mux.Lock()
	tx, ok := m.txs[transactionID]
	if !ok {
		m.mux.Unlock()
		return ErrUnknownTransaction
	}
	if tx.State != KeyExchanged && tx.State != MacExchanged {
		state := tx.State
		m.mux.Unlock()
		return errors.WithMessagef(ErrBadState, "state %s", state)
	}
	mac, err := m.buildMAC(tx)
	if err != nil {
		m.mux.Unlock()
		return err
	}
	m.mux.Unlock()

	if err = m.send(ctx, tx, catalog.VerificationMac, mac); err != nil {
		return err
	}

	var out outbox
	defer m.deliver(ctx, &out)
	m.mux.Lock()
	defer m.mux.Unlock()
	if tx.terminal() {
		return nil
	}
	tx.confirmed = true
	if tx.theirMacOK {
		m.finishLocked(tx, &out)
		return nil
	}
	tx.Deadline = netTime.Now().Add(m.params.ExchangeTimeout)
	m.setState(tx, MacExchanged)
	return nil
}

// Mismatch records that the user saw different codes. This is the
// attack-detected path; the transaction cancels with MismatchedSAS.
func (m *Machine) Mismatch(ctx context.Context, transactionID string) error {
	return m.Cancel(ctx, transactionID, MismatchedSAS)
}

// Cancel ends a transaction with the given reason and tells the peer.
func (m *Machine) Cancel(ctx context.Context, transactionID string,
	reason CancelReason) error {
	var out outbox
	defer m.deliver(ctx, &out)
	m.mux.Lock()
	defer m.mux.Unlock()
	tx, ok := m.txs[transactionID]
	if !ok {
		return ErrUnknownTransaction
	}
	if tx.terminal() {
		return nil
	}
	m.cancelLocked(tx, reason, &out)
	return nil
}

// Emojis returns the seven-emoji rendering of the short code. Only valid
// once the transaction reaches KeyExchanged.
func (m *Machine) Emojis(transactionID string) ([]Emoji, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	tx, ok := m.txs[transactionID]
	if !ok {
		return nil, ErrUnknownTransaction
	}
	if tx.sas == nil {
		return nil, errors.WithMessage(ErrBadState,
			"short code is not available yet")
	}
	return sasEmojiList(tx.sas), nil
}

// Decimals returns the three-number rendering of the short code.
func (m *Machine) Decimals(transactionID string) ([3]uint16, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	tx, ok := m.txs[transactionID]
	if !ok {
		return [3]uint16{}, ErrUnknownTransaction
	}
	if tx.sas == nil {
		return [3]uint16{}, errors.WithMessage(ErrBadState,
			"short code is not available yet")
	}
	return sasDecimalList(tx.sas), nil
}

////////////////////////////////////////////////////////////////////////////////
// Inbound protocol messages                                                  //
////////////////////////////////////////////////////////////////////////////////

// tx looks up the transaction a message belongs to and checks the sender
// is its peer. Callers hold m.mux.
func (m *Machine) tx(transactionID string, msg e2e.DecryptedToDevice) (
	*Transaction, bool) {
	tx, ok := m.txs[transactionID]
	if !ok {
		jww.WARN.Printf("Verification message for unknown transaction "+
			"%s from %s", transactionID, msg.SenderUserID)
		return nil, false
	}
	if tx.terminal() {
		return nil, false
	}
	if msg.SenderUserID != tx.PeerUserID ||
		msg.SenderDeviceID != tx.PeerDeviceID {
		jww.WARN.Printf("Verification message for %s from wrong device "+
			"%s/%s", transactionID, msg.SenderUserID, msg.SenderDeviceID)
		return nil, false
	}
	return tx, true
}

// cancelLocked ends a transaction and stages the cancellation for the
// peer. Callers hold m.mux.
func (m *Machine) cancelLocked(tx *Transaction, reason CancelReason,
	out *outbox) {
	out.add(tx, catalog.VerificationCancel, cancelPayload{
		TransactionID: tx.ID,
		Code:          reason,
		Reason:        string(reason),
	})
	tx.Reason = reason
	m.setState(tx, Cancelled)
}

func (m *Machine) onRequest(msg e2e.DecryptedToDevice) {
	p := requestPayload{}
	if err := json.Unmarshal(msg.Content, &p); err != nil {
		return
	}
	m.mux.Lock()
	defer m.mux.Unlock()
	if _, exists := m.txs[p.TransactionID]; exists {
		return
	}
	tx := &Transaction{
		ID:           p.TransactionID,
		PeerUserID:   msg.SenderUserID,
		PeerDeviceID: p.FromDevice,
		State:        RequestReceived,
		Deadline:     netTime.Now().Add(m.params.RequestTimeout),
	}
	m.txs[tx.ID] = tx
	m.setState(tx, RequestReceived)
}

func (m *Machine) onReady(msg e2e.DecryptedToDevice) {
	p := readyPayload{}
	if err := json.Unmarshal(msg.Content, &p); err != nil {
		return
	}
	var out outbox
	defer m.deliver(context.Background(), &out)
	m.mux.Lock()
	defer m.mux.Unlock()
	tx, ok := m.tx(p.TransactionID, msg)
	if !ok {
		return
	}
	if tx.State != RequestSent {
		m.cancelLocked(tx, UnexpectedMessage, &out)
		return
	}
	tx.Deadline = netTime.Now().Add(m.params.ExchangeTimeout)
	m.setState(tx, Ready)
}

func (m *Machine) onStart(msg e2e.DecryptedToDevice) {
	p := startPayload{}
	if err := json.Unmarshal(msg.Content, &p); err != nil {
		return
	}
	var out outbox
	defer m.deliver(context.Background(), &out)
	m.mux.Lock()
	defer m.mux.Unlock()
	tx, ok := m.tx(p.TransactionID, msg)
	if !ok {
		return
	}
	// A transaction this side already started cannot also be started by
	// the peer; both sides starting at once cancels cleanly.
	if tx.State != Ready || tx.Method != "" {
		m.cancelLocked(tx, UnexpectedMessage, &out)
		return
	}

	switch p.Method {
	case MethodSAS:
		keys, err := newSASKeys(m.rng)
		if err != nil {
			m.cancelLocked(tx, UserCancelled, &out)
			return
		}
		tx.Method = MethodSAS
		tx.keys = keys
		tx.startBody = string(msg.Content)

		// Commit to our key before seeing theirs.
		tx.commitment = commitmentOf(keys.public(), tx.startBody)
		out.add(tx, catalog.VerificationAccept, acceptPayload{
			TransactionID: tx.ID,
			Commitment:    tx.commitment,
		})
		tx.Deadline = netTime.Now().Add(m.params.ExchangeTimeout)
		m.setState(tx, Started)

	case MethodQR:
		// The peer scanned our code; its secret proves it saw the real
		// one.
		if tx.qrSecret == "" || p.Secret != tx.qrSecret {
			m.cancelLocked(tx, MismatchedCommitment, &out)
			return
		}
		tx.Method = MethodQR
		out.add(tx, catalog.VerificationDone,
			donePayload{TransactionID: tx.ID})
		m.applyTrust(tx)
		m.setState(tx, Done)

	default:
		m.cancelLocked(tx, UnknownMethod, &out)
	}
}

func (m *Machine) onAccept(msg e2e.DecryptedToDevice) {
	p := acceptPayload{}
	if err := json.Unmarshal(msg.Content, &p); err != nil {
		return
	}
	var out outbox
	defer m.deliver(context.Background(), &out)
	m.mux.Lock()
	defer m.mux.Unlock()
	tx, ok := m.tx(p.TransactionID, msg)
	if !ok {
		return
	}
	if tx.State != Started || !tx.starter {
		m.cancelLocked(tx, UnexpectedMessage, &out)
		return
	}
	tx.commitment = p.Commitment
	out.add(tx, catalog.VerificationKey,
		keyPayload{TransactionID: tx.ID, Key: tx.keys.public()})
	tx.Deadline = netTime.Now().Add(m.params.ExchangeTimeout)
}

func (m *Machine) onKey(msg e2e.DecryptedToDevice) {
	p := keyPayload{}
	if err := json.Unmarshal(msg.Content, &p); err != nil {
		return
	}
	var out outbox
	defer m.deliver(context.Background(), &out)
	m.mux.Lock()
	defer m.mux.Unlock()
	tx, ok := m.tx(p.TransactionID, msg)
	if !ok {
		return
	}
	if tx.State != Started || tx.theirKey != "" {
		m.cancelLocked(tx, UnexpectedMessage, &out)
		return
	}
	tx.theirKey = p.Key

	if tx.starter {
		// The peer committed to its key before seeing ours; hold it to
		// that.
		if commitmentOf(p.Key, tx.startBody) != tx.commitment {
			m.cancelLocked(tx, MismatchedCommitment, &out)
			return
		}
	} else {
		out.add(tx, catalog.VerificationKey,
			keyPayload{TransactionID: tx.ID, Key: tx.keys.public()})
	}

	if err := m.deriveShortCode(tx); err != nil {
		jww.ERROR.Printf("Failed to derive short code for %s: %+v",
			tx.ID, err)
		m.cancelLocked(tx, UserCancelled, &out)
		return
	}
	tx.Deadline = netTime.Now().Add(m.params.ExchangeTimeout)
	m.setState(tx, KeyExchanged)
}

func (m *Machine) onMac(msg e2e.DecryptedToDevice) {
	p := macPayload{}
	if err := json.Unmarshal(msg.Content, &p); err != nil {
		return
	}
	var out outbox
	defer m.deliver(context.Background(), &out)
	m.mux.Lock()
	defer m.mux.Unlock()
	tx, ok := m.tx(p.TransactionID, msg)
	if !ok {
		return
	}
	if tx.State != KeyExchanged && tx.State != MacExchanged {
		m.cancelLocked(tx, UnexpectedMessage, &out)
		return
	}

	if !m.verifyMAC(tx, p) {
		m.cancelLocked(tx, MismatchedSAS, &out)
		return
	}
	tx.theirMacOK = true
	if tx.confirmed {
		m.finishLocked(tx, &out)
		return
	}
	m.setState(tx, MacExchanged)
}

func (m *Machine) onDone(msg e2e.DecryptedToDevice) {
	p := donePayload{}
	if err := json.Unmarshal(msg.Content, &p); err != nil {
		return
	}
	var out outbox
	defer m.deliver(context.Background(), &out)
	m.mux.Lock()
	defer m.mux.Unlock()
	tx, ok := m.tx(p.TransactionID, msg)
	if !ok {
		return
	}
	switch tx.Method {
	case MethodQR:
		// The shower acknowledged our scan.
		if tx.State != Started {
			m.cancelLocked(tx, UnexpectedMessage, &out)
			return
		}
		m.applyTrust(tx)
		m.setState(tx, Done)
	default:
		// For SAS both sides finish on MAC verification; Done is
		// informational.
		if tx.State != Done && tx.State != MacExchanged {
			jww.DEBUG.Printf("Early done for verification %s in "+
				"state %s", tx.ID, tx.State)
		}
	}
}

func (m *Machine) onCancel(msg e2e.DecryptedToDevice) {
	p := cancelPayload{}
	if err := json.Unmarshal(msg.Content, &p); err != nil {
		return
	}
	m.mux.Lock()
	defer m.mux.Unlock()
	tx, ok := m.tx(p.TransactionID, msg)
	if !ok {
		return
	}
	tx.Reason = p.Code
	m.setState(tx, Cancelled)
	jww.INFO.Printf("Verification %s cancelled by peer: %s", tx.ID, p.Code)
}

////////////////////////////////////////////////////////////////////////////////
// SAS internals                                                              //
////////////////////////////////////////////////////////////////////////////////

// commitmentOf hashes a public key against the start message that began
// the exchange.
func commitmentOf(pub, startBody string) string {
	h := sha256.Sum256([]byte(pub + startBody))
	return keyEncoding.EncodeToString(h[:])
}

// roles returns the (user, device, key) triples in starter-first order.
// Callers hold m.mux.
func (m *Machine) roles(tx *Transaction) (initUser, initDevice, initKey,
	respUser, respDevice, respKey string) {
	store := m.engine.Store()
	if tx.starter {
		return store.UserID(), store.DeviceID(), tx.keys.public(),
			tx.PeerUserID, tx.PeerDeviceID, tx.theirKey
	}
	return tx.PeerUserID, tx.PeerDeviceID, tx.theirKey,
		store.UserID(), store.DeviceID(), tx.keys.public()
}

// deriveShortCode computes the shared secret and the SAS bytes once both
// keys are known.
func (m *Machine) deriveShortCode(tx *Transaction) error {
	secret, err := tx.keys.shared(tx.theirKey)
	if err != nil {
		return err
	}
	tx.secret = secret
	iu, idv, ik, ru, rd, rk := m.roles(tx)
	tx.sas, err = deriveSAS(secret,
		sasInfo(iu, idv, ik, ru, rd, rk, tx.ID))
	return err
}

// macInfo binds a MAC to its direction.
func (m *Machine) macInfo(tx *Transaction, senderUser, senderDevice,
	recipientUser, recipientDevice string) string {
	iu, idv, ik, ru, rd, rk := m.roles(tx)
	return sasInfo(iu, idv, ik, ru, rd, rk, tx.ID) + "|" + senderUser +
		senderDevice + recipientUser + recipientDevice
}

// buildMAC authenticates our device signing key under the shared secret.
func (m *Machine) buildMAC(tx *Transaction) (macPayload, error) {
	store := m.engine.Store()
	key, err := macKey(tx.secret, m.macInfo(tx, store.UserID(),
		store.DeviceID(), tx.PeerUserID, tx.PeerDeviceID))
	if err != nil {
		return macPayload{}, err
	}
	keyID := "ed25519:" + store.DeviceID()
	macs := map[string]string{
		keyID: computeMAC(key, store.SigningKey(), keyID),
	}
	return macPayload{
		TransactionID: tx.ID,
		MACs:          macs,
		Keys:          computeMAC(key, sortedKeyIDs(macs), "KEY_IDS"),
	}, nil
}

// verifyMAC checks the peer's MAC against the signing key this device has
// on record for it.
func (m *Machine) verifyMAC(tx *Transaction, p macPayload) bool {
	store := m.engine.Store()
	key, err := macKey(tx.secret, m.macInfo(tx, tx.PeerUserID,
		tx.PeerDeviceID, store.UserID(), store.DeviceID()))
	if err != nil {
		return false
	}
	if p.Keys != computeMAC(key, sortedKeyIDs(p.MACs), "KEY_IDS") {
		return false
	}

	dev, ok := store.Devices.Get(tx.PeerUserID, tx.PeerDeviceID)
	if !ok {
		return false
	}
	keyID := "ed25519:" + tx.PeerDeviceID
	want, ok := p.MACs[keyID]
	if !ok {
		return false
	}
	return want == computeMAC(key, dev.SigningKey, keyID)
}

// finishLocked completes a mutually-confirmed SAS transaction and stages
// the Done message for the peer. Callers hold m.mux.
func (m *Machine) finishLocked(tx *Transaction, out *outbox) {
	out.add(tx, catalog.VerificationDone, donePayload{TransactionID: tx.ID})
	m.applyTrust(tx)
	m.setState(tx, Done)
}

// applyTrust feeds a successful verification into the trust engine: a
// cross-signing signature where this device holds the keys for it, the
// direct verification mark otherwise. Callers hold m.mux.
func (m *Machine) applyTrust(tx *Transaction) {
	store := m.engine.Store()
	if tx.PeerUserID != store.UserID() {
		err := m.trust.SignUser(context.Background(), tx.PeerUserID)
		if err == nil {
			return
		}
		jww.WARN.Printf("Could not cross-sign %s; falling back to a "+
			"local mark: %+v", tx.PeerUserID, err)
	}
	err := m.trust.SetDeviceVerified(tx.PeerUserID, tx.PeerDeviceID, true)
	if err != nil {
		jww.ERROR.Printf("Failed to mark %s/%s verified: %+v",
			tx.PeerUserID, tx.PeerDeviceID, err)
	}
}
