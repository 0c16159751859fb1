////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package export writes the device's room keys into a password-protected
// blob for manual backup or migration, and reads such blobs back in. The
// blob is self-describing: a magic header, a format version, then an
// argon2id-keyed XChaCha20-Poly1305 envelope around the key list.
package export

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"gitlab.com/lattica/client-e2ee/crypto/megolm"
	"gitlab.com/lattica/client-e2ee/e2e"
	"gitlab.com/lattica/client-e2ee/storage"
	"gitlab.com/lattica/client-e2ee/storage/groupsession"
)

var (
	// ErrWrongPassword means the blob did not open under the given
	// password.
	ErrWrongPassword = errors.New("export: wrong password")

	// ErrBadFormat means the data is not a room key export blob, or is a
	// version this client does not read.
	ErrBadFormat = errors.New("export: not a room key export")
)

var magic = []byte("LATTICA-ROOM-KEYS")

const (
	formatVersion = 1
	saltLen       = 16
	keyLen        = 32

	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// Record is one exported room key.
type Record struct {
	Algorithm         string            `json:"algorithm"`
	RoomID            string            `json:"room_id"`
	SenderKey         string            `json:"sender_key"`
	SessionID         string            `json:"session_id"`
	SessionKey        string            `json:"session_key"`
	SenderClaimedKeys map[string]string `json:"sender_claimed_keys,omitempty"`
}

func deriveKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argonTime, argonMemory,
		argonThreads, keyLen)
}

// Export seals every inbound room key in the store under the password.
func Export(store *storage.Store, password string) ([]byte, error) {
	var records []Record
	store.InboundGroup.ForEach(func(sess *megolm.InboundGroupSession,
		meta groupsession.InboundMeta) bool {
		exported, err := sess.Export(sess.FirstKnownIndex())
		if err != nil {
			jww.WARN.Printf("Skipping unexportable session %s: %+v",
				sess.ID(), err)
			return true
		}
		records = append(records, Record{
			Algorithm:         e2e.AlgorithmMegolm,
			RoomID:            meta.RoomID,
			SenderKey:         meta.SenderKey,
			SessionID:         sess.ID(),
			SessionKey:        exported,
			SenderClaimedKeys: meta.ClaimedKeys,
		})
		return true
	})

	plaintext, err := json.Marshal(records)
	if err != nil {
		return nil, errors.WithMessage(err,
			"failed to marshal key records")
	}

	salt := make([]byte, saltLen)
	if _, err = io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(deriveKey(password, salt))
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	blob := bytes.NewBuffer(nil)
	blob.Write(magic)
	blob.WriteByte(formatVersion)
	blob.Write(salt)
	blob.Write(nonce)
	blob.Write(aead.Seal(nil, nonce, plaintext, magic))
	jww.INFO.Printf("Exported %d room keys", len(records))
	return blob.Bytes(), nil
}

// open unseals a blob to its record list.
func open(blob []byte, password string) ([]Record, error) {
	if !bytes.HasPrefix(blob, magic) {
		return nil, ErrBadFormat
	}
	rest := blob[len(magic):]
	if len(rest) < 1 || rest[0] != formatVersion {
		return nil, errors.WithMessage(ErrBadFormat,
			"unknown format version")
	}
	rest = rest[1:]
	aeadNonceLen := chacha20poly1305.NonceSizeX
	if len(rest) < saltLen+aeadNonceLen {
		return nil, ErrBadFormat
	}
	salt, nonce := rest[:saltLen], rest[saltLen:saltLen+aeadNonceLen]
	ct := rest[saltLen+aeadNonceLen:]

	aead, err := chacha20poly1305.NewX(deriveKey(password, salt))
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ct, magic)
	if err != nil {
		return nil, ErrWrongPassword
	}
	var records []Record
	if err = json.Unmarshal(plaintext, &records); err != nil {
		return nil, errors.WithMessage(ErrBadFormat, err.Error())
	}
	return records, nil
}

// Import reads a blob and feeds every key it can into the engine. It
// reports how many records the blob held and how many imported; individual
// failures are logged and skipped.
func Import(m *e2e.Manager, blob []byte, password string) (total,
	imported int, err error) {
	records, err := open(blob, password)
	if err != nil {
		return 0, 0, err
	}
	for _, r := range records {
		impErr := m.AddInboundRoomKey(e2e.RoomKeyContent{
			Algorithm:  r.Algorithm,
			RoomID:     r.RoomID,
			SessionID:  r.SessionID,
			SessionKey: r.SessionKey,
		}, r.SenderKey, r.SenderClaimedKeys, true)
		if impErr != nil {
			jww.WARN.Printf("Failed to import room key %s: %+v",
				r.SessionID, impErr)
			continue
		}
		imported++
	}
	jww.INFO.Printf("Imported %d of %d room keys", imported,
		len(records))
	return len(records), imported, nil
}
