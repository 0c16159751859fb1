////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package megolm implements the group ratchet used for room-wide message
// encryption. A sender holds one outbound session per room and exports its
// state ("the room key") to every device allowed to read the room; receivers
// import that export as an inbound session which can only decrypt forward
// from the index at export time.
package megolm

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var (
	// ErrDecryptionFailed is returned on MAC or signature mismatch.
	ErrDecryptionFailed = errors.New("megolm: decryption failed")

	// ErrBadMessageIndex is returned when a ciphertext's index precedes
	// the first index known to an inbound session.
	ErrBadMessageIndex = errors.New(
		"megolm: message index before first known index")
)

const (
	sessionIDLen   = 32
	chainKeyLen    = 32
	messageVersion = 1
	exportVersion  = 1
	messageInfo    = "LatticaMegolmMessage"
)

var rawB64 = base64.RawStdEncoding

// groupMessage is the wire format of one encrypted group message.
type groupMessage struct {
	Version    uint8  `json:"v"`
	Index      uint32 `json:"index"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
	Signature  []byte `json:"signature"`
}

// sessionExport is the serialized session key shared with recipients.
type sessionExport struct {
	Version    uint8    `json:"v"`
	ID         string   `json:"id"`
	Index      uint32   `json:"index"`
	ChainKey   []byte   `json:"chain_key"`
	SigningKey []byte   `json:"signing_key"`
	Signature  []byte   `json:"signature,omitempty"`
}

// OutboundGroupSession is the sender side of a room key. Not safe for
// concurrent use; mutate through the store's exclusive-operation contract.
type OutboundGroupSession struct {
	id       string
	chainKey [chainKeyLen]byte
	index    uint32
	signPriv ed25519.PrivateKey
	signPub  ed25519.PublicKey
}

// NewOutboundGroupSession creates a fresh group session with a random chain
// key and a per-session signing key.
func NewOutboundGroupSession(rng io.Reader) (*OutboundGroupSession, error) {
	idBytes := make([]byte, sessionIDLen)
	if _, err := io.ReadFull(rng, idBytes); err != nil {
		return nil, errors.WithMessage(err, "failed to generate session ID")
	}
	s := &OutboundGroupSession{id: rawB64.EncodeToString(idBytes)}
	if _, err := io.ReadFull(rng, s.chainKey[:]); err != nil {
		return nil, errors.WithMessage(err, "failed to generate chain key")
	}
	var err error
	s.signPub, s.signPriv, err = ed25519.GenerateKey(rng)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to generate signing key")
	}
	return s, nil
}

// ID returns the session identifier.
func (s *OutboundGroupSession) ID() string { return s.id }

// MessageIndex returns the index the next encrypted message will carry.
func (s *OutboundGroupSession) MessageIndex() uint32 { return s.index }

// Encrypt encrypts one message, returning the index it was encrypted at and
// the wire bytes. The message index strictly increases with every call.
func (s *OutboundGroupSession) Encrypt(plaintext []byte) (uint32, []byte, error) {
	key := deriveMessageKey(s.chainKey, s.index)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return 0, nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err = rand.Read(nonce); err != nil {
		return 0, nil, err
	}

	index := s.index
	ciphertext := aead.Seal(nil, nonce, plaintext, signedData(s.id, index, nonce))

	msg := groupMessage{
		Version:    messageVersion,
		Index:      index,
		Nonce:      nonce,
		Ciphertext: ciphertext,
		Signature:  ed25519.Sign(s.signPriv, signedData(s.id, index, ciphertext)),
	}

	// Ratchet forward; the key for this index is no longer derivable from
	// the stored state.
	s.chainKey = advanceChain(s.chainKey)
	s.index++

	wire, err := json.Marshal(&msg)
	if err != nil {
		return 0, nil, errors.WithMessage(err, "failed to marshal message")
	}
	return index, wire, nil
}

// SessionKey exports the session state at the current index for sharing with
// recipient devices. A recipient can decrypt from this index forward only.
func (s *OutboundGroupSession) SessionKey() string {
	exp := sessionExport{
		Version:    exportVersion,
		ID:         s.id,
		Index:      s.index,
		ChainKey:   s.chainKey[:],
		SigningKey: s.signPub,
	}
	exp.Signature = ed25519.Sign(s.signPriv, exportSignedData(&exp))
	data, err := json.Marshal(&exp)
	if err != nil {
		panic(fmt.Sprintf("megolm: could not export session: %+v", err))
	}
	return rawB64.EncodeToString(data)
}

type outboundPickle struct {
	Version  uint8  `json:"version"`
	ID       string `json:"id"`
	ChainKey []byte `json:"chain_key"`
	Index    uint32 `json:"index"`
	SignPriv []byte `json:"sign_priv"`
	SignPub  []byte `json:"sign_pub"`
}

const outboundPickleVersion = 1

// Pickle serializes the session to an opaque blob.
func (s *OutboundGroupSession) Pickle() []byte {
	p := outboundPickle{
		Version:  outboundPickleVersion,
		ID:       s.id,
		ChainKey: s.chainKey[:],
		Index:    s.index,
		SignPriv: s.signPriv,
		SignPub:  s.signPub,
	}
	data, err := json.Marshal(&p)
	if err != nil {
		panic(fmt.Sprintf("megolm: could not pickle session: %+v", err))
	}
	return data
}

// UnpickleOutboundGroupSession restores a session from a pickle.
func UnpickleOutboundGroupSession(data []byte) (*OutboundGroupSession, error) {
	p := outboundPickle{}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.WithMessage(err, "failed to unpickle session")
	}
	if p.Version != outboundPickleVersion {
		return nil, errors.Errorf("unknown outbound pickle version %d",
			p.Version)
	}
	s := &OutboundGroupSession{
		id:       p.ID,
		index:    p.Index,
		signPriv: p.SignPriv,
		signPub:  p.SignPub,
	}
	copy(s.chainKey[:], p.ChainKey)
	return s, nil
}

// advanceChain steps the chain key forward one message.
func advanceChain(chainKey [chainKeyLen]byte) [chainKeyLen]byte {
	mac := hmac.New(sha256.New, chainKey[:])
	mac.Write([]byte{0x01})
	var next [chainKeyLen]byte
	copy(next[:], mac.Sum(nil))
	return next
}

// deriveMessageKey derives the AEAD key for one index from the chain key at
// that index.
func deriveMessageKey(chainKey [chainKeyLen]byte, index uint32) []byte {
	info := fmt.Sprintf("%s|%d", messageInfo, index)
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, chainKey[:], nil, []byte(info))
	if _, err := io.ReadFull(r, key); err != nil {
		panic(fmt.Sprintf("megolm: message key derivation failed: %+v", err))
	}
	return key
}

func signedData(id string, index uint32, payload []byte) []byte {
	out := make([]byte, 0, len(id)+4+len(payload))
	out = append(out, id...)
	out = append(out, byte(index>>24), byte(index>>16), byte(index>>8),
		byte(index))
	return append(out, payload...)
}

func exportSignedData(exp *sessionExport) []byte {
	data := signedData(exp.ID, exp.Index, exp.ChainKey)
	return append(data, exp.SigningKey...)
}
