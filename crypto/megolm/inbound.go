////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package megolm

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

// InboundGroupSession is the receiver side of a room key. It can decrypt
// messages from its first known index forward. Not safe for concurrent use;
// mutate through the store's exclusive-operation contract.
type InboundGroupSession struct {
	id              string
	firstKnownIndex uint32
	chainKey        [chainKeyLen]byte
	signPub         ed25519.PublicKey
}

// NewInboundGroupSession imports a session key produced by
// OutboundGroupSession.SessionKey or InboundGroupSession.Export. The export's
// self-signature is verified against the embedded signing key.
func NewInboundGroupSession(sessionKey string) (*InboundGroupSession, error) {
	raw, err := rawB64.DecodeString(sessionKey)
	if err != nil {
		return nil, errors.WithMessage(err, "malformed session key")
	}
	exp := sessionExport{}
	if err = json.Unmarshal(raw, &exp); err != nil {
		return nil, errors.WithMessage(err, "malformed session key")
	}
	if exp.Version != exportVersion {
		return nil, errors.Errorf("unknown session key version %d",
			exp.Version)
	}
	if len(exp.SigningKey) != ed25519.PublicKeySize ||
		len(exp.ChainKey) != chainKeyLen {
		return nil, errors.New("malformed session key material")
	}
	// Re-exports from backup or key forwarding carry no signature; only
	// verify when one is present (a direct share from the sender).
	if len(exp.Signature) > 0 &&
		!ed25519.Verify(exp.SigningKey, exportSignedData(&exp), exp.Signature) {
		return nil, errors.New("session key signature verification failed")
	}

	s := &InboundGroupSession{
		id:              exp.ID,
		firstKnownIndex: exp.Index,
		signPub:         exp.SigningKey,
	}
	copy(s.chainKey[:], exp.ChainKey)
	return s, nil
}

// ID returns the session identifier.
func (s *InboundGroupSession) ID() string { return s.id }

// FirstKnownIndex returns the earliest message index this session can
// decrypt.
func (s *InboundGroupSession) FirstKnownIndex() uint32 {
	return s.firstKnownIndex
}

// SigningKey returns the base64 public signing key embedded in the session.
func (s *InboundGroupSession) SigningKey() string {
	return rawB64.EncodeToString(s.signPub)
}

// Decrypt decrypts one group message, returning the plaintext and the index
// it was encrypted at. The stored chain key never regresses: decrypting an
// old (but known) index recomputes forward from the first known index.
func (s *InboundGroupSession) Decrypt(wire []byte) ([]byte, uint32, error) {
	msg := groupMessage{}
	if err := json.Unmarshal(wire, &msg); err != nil {
		return nil, 0, ErrDecryptionFailed
	}
	if msg.Version != messageVersion {
		return nil, 0, ErrDecryptionFailed
	}
	if msg.Index < s.firstKnownIndex {
		return nil, 0, ErrBadMessageIndex
	}
	if !ed25519.Verify(s.signPub,
		signedData(s.id, msg.Index, msg.Ciphertext), msg.Signature) {
		return nil, 0, ErrDecryptionFailed
	}

	key := deriveMessageKey(s.chainAt(msg.Index), msg.Index)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, 0, err
	}
	if len(msg.Nonce) != chacha20poly1305.NonceSize {
		return nil, 0, ErrDecryptionFailed
	}
	plaintext, err := aead.Open(nil, msg.Nonce, msg.Ciphertext,
		signedData(s.id, msg.Index, msg.Nonce))
	if err != nil {
		return nil, 0, ErrDecryptionFailed
	}
	return plaintext, msg.Index, nil
}

// Export serializes the session state at the given index for sharing or
// backup. Fails with ErrBadMessageIndex if the index precedes the first
// known index.
func (s *InboundGroupSession) Export(index uint32) (string, error) {
	if index < s.firstKnownIndex {
		return "", ErrBadMessageIndex
	}
	exp := sessionExport{
		Version:    exportVersion,
		ID:         s.id,
		Index:      index,
		SigningKey: s.signPub,
	}
	ck := s.chainAt(index)
	exp.ChainKey = ck[:]
	// Re-exports cannot be signed by the original sender; the chain of
	// custody is recorded by the engine's claimed-keys bookkeeping
	// instead. The export carries no signature and importers skip
	// verification for unsigned exports from backup/forwarding paths.
	data, err := json.Marshal(&exp)
	if err != nil {
		return "", errors.WithMessage(err, "failed to export session")
	}
	return rawB64.EncodeToString(data), nil
}

// chainAt recomputes the chain key at the given index, stepping forward from
// the first known index. The stored state is never modified.
func (s *InboundGroupSession) chainAt(index uint32) [chainKeyLen]byte {
	ck := s.chainKey
	for i := s.firstKnownIndex; i < index; i++ {
		ck = advanceChain(ck)
	}
	return ck
}

type inboundPickle struct {
	Version         uint8  `json:"version"`
	ID              string `json:"id"`
	FirstKnownIndex uint32 `json:"first_known_index"`
	ChainKey        []byte `json:"chain_key"`
	SignPub         []byte `json:"sign_pub"`
}

const inboundPickleVersion = 1

// Pickle serializes the session to an opaque blob.
func (s *InboundGroupSession) Pickle() []byte {
	p := inboundPickle{
		Version:         inboundPickleVersion,
		ID:              s.id,
		FirstKnownIndex: s.firstKnownIndex,
		ChainKey:        s.chainKey[:],
		SignPub:         s.signPub,
	}
	data, err := json.Marshal(&p)
	if err != nil {
		panic(fmt.Sprintf("megolm: could not pickle session: %+v", err))
	}
	return data
}

// UnpickleInboundGroupSession restores a session from a pickle.
func UnpickleInboundGroupSession(data []byte) (*InboundGroupSession, error) {
	p := inboundPickle{}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.WithMessage(err, "failed to unpickle session")
	}
	if p.Version != inboundPickleVersion {
		return nil, errors.Errorf("unknown inbound pickle version %d",
			p.Version)
	}
	s := &InboundGroupSession{
		id:              p.ID,
		firstKnownIndex: p.FirstKnownIndex,
		signPub:         p.SignPub,
	}
	copy(s.chainKey[:], p.ChainKey)
	return s, nil
}
