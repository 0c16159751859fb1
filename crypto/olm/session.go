////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package olm

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"

	"github.com/cloudflare/circl/dh/x25519"
	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

// Message types on the wire.
const (
	MessageTypePreKey = 0
	MessageTypeNormal = 1
)

// maxSkippedKeys bounds the number of stored skipped message keys so a
// malicious peer cannot force unbounded state growth.
const maxSkippedKeys = 1000

// ratchetMessage is the inner wire format of every pairwise message.
type ratchetMessage struct {
	Version     uint8  `json:"v"`
	RatchetKey  string `json:"ratchet_key"`
	Counter     uint32 `json:"counter"`
	PrevCounter uint32 `json:"prev_counter"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

// preKeyMessage wraps a ratchetMessage with the key agreement material the
// receiver needs to establish the session.
type preKeyMessage struct {
	Version      uint8           `json:"v"`
	IdentityKey  string          `json:"identity_key"`
	EphemeralKey string          `json:"ephemeral_key"`
	OneTimeKey   string          `json:"one_time_key"`
	Message      json.RawMessage `json:"message"`
}

const messageVersion = 1

type skippedKey struct {
	RatchetKey string `json:"ratchet_key"`
	Counter    uint32 `json:"counter"`
}

// Session is one ratcheted pairwise channel to a single peer device. It is
// not safe for concurrent use; see the package comment.
type Session struct {
	id string

	peerIdentity  string
	localIdentity string

	rootKey   []byte
	dhPub     x25519.Key
	dhPriv    x25519.Key
	peerDH    x25519.Key
	sendChain []byte
	recvChain []byte
	ns        uint32
	nr        uint32
	pn        uint32

	skipped map[skippedKey][]byte

	// received flips once any inbound message decrypts; until then an
	// outbound session keeps wrapping messages as pre-key messages.
	received  bool
	preKeyHdr *preKeyMessage
}

// ID returns the session identifier, a digest of the key agreement inputs.
// Both sides of a session derive the same ID.
func (s *Session) ID() string { return s.id }

// PeerIdentityKey returns the base64 curve25519 identity key of the peer
// device this session talks to.
func (s *Session) PeerIdentityKey() string { return s.peerIdentity }

// HasReceivedMessage reports whether any inbound message has been decrypted
// on this session.
func (s *Session) HasReceivedMessage() bool { return s.received }

func sessionID(senderIdentity, ephemeral, oneTime x25519.Key) string {
	h := sha256.New()
	h.Write(senderIdentity[:])
	h.Write(ephemeral[:])
	h.Write(oneTime[:])
	return keyEncoding.EncodeToString(h.Sum(nil))
}

// NewOutboundSession establishes a new pairwise channel to the device with
// the given identity key, using a one-time key claimed from it. Fails with
// ErrKeyAgreement if either key is malformed.
func (a *Account) NewOutboundSession(rng io.Reader, peerIdentityKey,
	peerOneTimeKey string) (*Session, error) {
	peerID, err := DecodeKey(peerIdentityKey)
	if err != nil {
		return nil, err
	}
	peerOTK, err := DecodeKey(peerOneTimeKey)
	if err != nil {
		return nil, err
	}

	ephPub, ephPriv, err := generateKeyPair(rng)
	if err != nil {
		return nil, errors.WithMessage(err, "ephemeral key generation failed")
	}

	// Triple DH: DH(idA, otkB) || DH(ephA, idB) || DH(ephA, otkB).
	s1, err := dh(a.idPriv, peerOTK)
	if err != nil {
		return nil, err
	}
	s2, err := dh(ephPriv, peerID)
	if err != nil {
		return nil, err
	}
	s3, err := dh(ephPriv, peerOTK)
	if err != nil {
		return nil, err
	}
	rootKey, chainKey, err := kdfRoot(append(append(s1, s2...), s3...))
	if err != nil {
		return nil, err
	}

	sess := &Session{
		id:            sessionID(a.idPub, ephPub, peerOTK),
		peerIdentity:  peerIdentityKey,
		localIdentity: a.IdentityKey(),
		rootKey:       rootKey,
		dhPub:         ephPub,
		dhPriv:        ephPriv,
		peerDH:        peerOTK,
		sendChain:     chainKey,
		skipped:       make(map[skippedKey][]byte),
		preKeyHdr: &preKeyMessage{
			Version:      messageVersion,
			IdentityKey:  a.IdentityKey(),
			EphemeralKey: EncodeKey(ephPub[:]),
			OneTimeKey:   peerOneTimeKey,
		},
	}
	return sess, nil
}

// NewInboundSession consumes a pre-key message, establishing the session and
// decrypting the first payload in one step. Fails with
// ErrInvalidPreKeyMessage if the message does not reference a known one-time
// or fallback key.
func (a *Account) NewInboundSession(peerIdentityKey string, ciphertext []byte) (
	*Session, []byte, error) {
	pkm := preKeyMessage{}
	if err := json.Unmarshal(ciphertext, &pkm); err != nil {
		return nil, nil, ErrInvalidPreKeyMessage
	}
	if pkm.Version != messageVersion || len(pkm.Message) == 0 {
		return nil, nil, ErrInvalidPreKeyMessage
	}
	if peerIdentityKey != "" && peerIdentityKey != pkm.IdentityKey {
		return nil, nil, ErrInvalidPreKeyMessage
	}

	peerID, err := DecodeKey(pkm.IdentityKey)
	if err != nil {
		return nil, nil, ErrInvalidPreKeyMessage
	}
	peerEph, err := DecodeKey(pkm.EphemeralKey)
	if err != nil {
		return nil, nil, ErrInvalidPreKeyMessage
	}
	usedOTK, err := DecodeKey(pkm.OneTimeKey)
	if err != nil {
		return nil, nil, ErrInvalidPreKeyMessage
	}

	otk, ok := a.findClaimedKey(usedOTK)
	if !ok {
		return nil, nil, ErrInvalidPreKeyMessage
	}

	// Mirror of the sender's triple DH.
	s1, err := dh(otk.Priv, peerID)
	if err != nil {
		return nil, nil, err
	}
	s2, err := dh(a.idPriv, peerEph)
	if err != nil {
		return nil, nil, err
	}
	s3, err := dh(otk.Priv, peerEph)
	if err != nil {
		return nil, nil, err
	}
	rootKey, chainKey, err := kdfRoot(append(append(s1, s2...), s3...))
	if err != nil {
		return nil, nil, err
	}

	sess := &Session{
		id:            sessionID(peerID, peerEph, otk.Pub),
		peerIdentity:  pkm.IdentityKey,
		localIdentity: a.IdentityKey(),
		rootKey:       rootKey,
		peerDH:        peerEph,
		recvChain:     chainKey,
		skipped:       make(map[skippedKey][]byte),
	}

	plaintext, err := sess.decryptRatchetMessage(pkm.Message)
	if err != nil {
		return nil, nil, err
	}
	return sess, plaintext, nil
}

// Encrypt encrypts a plaintext on this session, returning the message type
// and the wire bytes. The type is MessageTypePreKey until the first inbound
// message has been decrypted.
func (s *Session) Encrypt(plaintext []byte) (int, []byte, error) {
	// A DH ratchet step is due when the send chain was cleared by an
	// inbound step.
	if s.sendChain == nil {
		pub, priv, err := generateKeyPair(rand.Reader)
		if err != nil {
			return 0, nil, errors.WithMessage(err,
				"ratchet key generation failed")
		}
		dhOut, err := dh(priv, s.peerDH)
		if err != nil {
			return 0, nil, err
		}
		s.rootKey, s.sendChain, err = kdfRatchet(s.rootKey, dhOut)
		if err != nil {
			return 0, nil, err
		}
		s.dhPub, s.dhPriv = pub, priv
		s.pn = s.ns
		s.ns = 0
	}

	var messageKey []byte
	messageKey, s.sendChain = kdfChain(s.sendChain)

	aead, err := chacha20poly1305.New(messageKey)
	if err != nil {
		return 0, nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err = rand.Read(nonce); err != nil {
		return 0, nil, err
	}

	msg := ratchetMessage{
		Version:     messageVersion,
		RatchetKey:  EncodeKey(s.dhPub[:]),
		Counter:     s.ns,
		PrevCounter: s.pn,
		Nonce:       nonce,
		Ciphertext:  aead.Seal(nil, nonce, plaintext, []byte(s.id)),
	}
	s.ns++

	inner, err := json.Marshal(&msg)
	if err != nil {
		return 0, nil, errors.WithMessage(err, "failed to marshal message")
	}

	if s.preKeyHdr != nil {
		wrapped := *s.preKeyHdr
		wrapped.Message = inner
		wire, err := json.Marshal(&wrapped)
		if err != nil {
			return 0, nil, errors.WithMessage(err,
				"failed to marshal pre-key message")
		}
		return MessageTypePreKey, wire, nil
	}
	return MessageTypeNormal, inner, nil
}

// Decrypt decrypts a wire message of the given type. Fails with
// ErrDecryptionFailed on MAC mismatch or when the message key is unknown
// (e.g. the message was already decrypted once and its key discarded).
func (s *Session) Decrypt(messageType int, wire []byte) ([]byte, error) {
	inner := wire
	if messageType == MessageTypePreKey {
		pkm := preKeyMessage{}
		if err := json.Unmarshal(wire, &pkm); err != nil {
			return nil, ErrInvalidPreKeyMessage
		}
		inner = pkm.Message
	}
	return s.decryptRatchetMessage(inner)
}

func (s *Session) decryptRatchetMessage(inner []byte) ([]byte, error) {
	msg := ratchetMessage{}
	if err := json.Unmarshal(inner, &msg); err != nil {
		return nil, ErrDecryptionFailed
	}
	if msg.Version != messageVersion {
		return nil, ErrDecryptionFailed
	}
	theirDH, err := DecodeKey(msg.RatchetKey)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	// Skipped-key hit: a message from an older chain position.
	if mk, ok := s.skipped[skippedKey{msg.RatchetKey, msg.Counter}]; ok {
		plaintext, err := s.open(mk, &msg)
		if err != nil {
			return nil, err
		}
		delete(s.skipped, skippedKey{msg.RatchetKey, msg.Counter})
		s.afterDecrypt()
		return plaintext, nil
	}

	if theirDH != s.peerDH {
		// New ratchet key from the peer: skip out the remainder of
		// the old receive chain, then step.
		if err = s.skipReceiveKeys(msg.PrevCounter); err != nil {
			return nil, err
		}
		dhOut, dhErr := dh(s.dhPriv, theirDH)
		if dhErr != nil {
			return nil, dhErr
		}
		s.rootKey, s.recvChain, err = kdfRatchet(s.rootKey, dhOut)
		if err != nil {
			return nil, err
		}
		s.peerDH = theirDH
		s.nr = 0
		// Force a send-side step on the next Encrypt.
		s.sendChain = nil
	}

	if msg.Counter < s.nr {
		// The key for this position was already consumed.
		return nil, ErrDecryptionFailed
	}
	if err = s.skipReceiveKeys(msg.Counter); err != nil {
		return nil, err
	}

	var messageKey []byte
	messageKey, s.recvChain = kdfChain(s.recvChain)
	s.nr++

	plaintext, err := s.open(messageKey, &msg)
	if err != nil {
		return nil, err
	}
	s.afterDecrypt()
	return plaintext, nil
}

// afterDecrypt marks the session as established, ending the pre-key phase.
func (s *Session) afterDecrypt() {
	s.received = true
	s.preKeyHdr = nil
}

// skipReceiveKeys derives and stores message keys up to (excluding) counter
// so out-of-order messages stay decryptable.
func (s *Session) skipReceiveKeys(counter uint32) error {
	if s.recvChain == nil {
		// No receive chain yet (outbound session before the first
		// ratchet step); nothing can have been skipped.
		if counter > s.nr {
			return ErrDecryptionFailed
		}
		return nil
	}
	if counter > s.nr+maxSkippedKeys {
		return errors.WithMessage(ErrDecryptionFailed,
			"too many skipped message keys")
	}
	for s.nr < counter {
		if len(s.skipped) >= maxSkippedKeys {
			return errors.WithMessage(ErrDecryptionFailed,
				"skipped key limit reached")
		}
		var mk []byte
		mk, s.recvChain = kdfChain(s.recvChain)
		s.skipped[skippedKey{EncodeKey(s.peerDH[:]), s.nr}] = mk
		s.nr++
	}
	return nil
}

func (s *Session) open(messageKey []byte, msg *ratchetMessage) ([]byte, error) {
	aead, err := chacha20poly1305.New(messageKey)
	if err != nil {
		return nil, err
	}
	if len(msg.Nonce) != chacha20poly1305.NonceSize {
		return nil, ErrDecryptionFailed
	}
	plaintext, err := aead.Open(nil, msg.Nonce, msg.Ciphertext, []byte(s.id))
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// sessionPickle is the serialized session state.
type sessionPickle struct {
	Version       uint8                 `json:"version"`
	ID            string                `json:"id"`
	PeerIdentity  string                `json:"peer_identity"`
	LocalIdentity string                `json:"local_identity"`
	RootKey       []byte                `json:"root_key"`
	DHPub         x25519.Key            `json:"dh_pub"`
	DHPriv        x25519.Key            `json:"dh_priv"`
	PeerDH        x25519.Key            `json:"peer_dh"`
	SendChain     []byte                `json:"send_chain,omitempty"`
	RecvChain     []byte                `json:"recv_chain,omitempty"`
	Ns            uint32                `json:"ns"`
	Nr            uint32                `json:"nr"`
	Pn            uint32                `json:"pn"`
	Skipped       []skippedKeyWithValue `json:"skipped,omitempty"`
	Received      bool                  `json:"received"`
	PreKeyHdr     *preKeyMessage        `json:"pre_key_hdr,omitempty"`
}

type skippedKeyWithValue struct {
	skippedKey
	Key []byte `json:"key"`
}

const sessionPickleVersion = 1

// Pickle serializes the session to an opaque blob.
func (s *Session) Pickle() []byte {
	p := sessionPickle{
		Version:       sessionPickleVersion,
		ID:            s.id,
		PeerIdentity:  s.peerIdentity,
		LocalIdentity: s.localIdentity,
		RootKey:       s.rootKey,
		DHPub:         s.dhPub,
		DHPriv:        s.dhPriv,
		PeerDH:        s.peerDH,
		SendChain:     s.sendChain,
		RecvChain:     s.recvChain,
		Ns:            s.ns,
		Nr:            s.nr,
		Pn:            s.pn,
		Received:      s.received,
		PreKeyHdr:     s.preKeyHdr,
	}
	for k, v := range s.skipped {
		p.Skipped = append(p.Skipped,
			skippedKeyWithValue{skippedKey: k, Key: v})
	}
	data, err := json.Marshal(&p)
	if err != nil {
		panic(fmt.Sprintf("olm: could not pickle session: %+v", err))
	}
	return data
}

// UnpickleSession restores a session from a pickle produced by
// Session.Pickle.
func UnpickleSession(data []byte) (*Session, error) {
	p := sessionPickle{}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.WithMessage(err, "failed to unpickle session")
	}
	if p.Version != sessionPickleVersion {
		return nil, errors.Errorf("unknown session pickle version %d",
			p.Version)
	}
	s := &Session{
		id:            p.ID,
		peerIdentity:  p.PeerIdentity,
		localIdentity: p.LocalIdentity,
		rootKey:       p.RootKey,
		dhPub:         p.DHPub,
		dhPriv:        p.DHPriv,
		peerDH:        p.PeerDH,
		sendChain:     p.SendChain,
		recvChain:     p.RecvChain,
		ns:            p.Ns,
		nr:            p.Nr,
		pn:            p.Pn,
		skipped:       make(map[skippedKey][]byte),
		received:      p.Received,
		preKeyHdr:     p.PreKeyHdr,
	}
	for _, kv := range p.Skipped {
		s.skipped[kv.skippedKey] = kv.Key
	}
	return s, nil
}
