////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package backup

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"

	"github.com/cloudflare/circl/dh/x25519"
	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Registered backup algorithms.
const (
	AlgorithmCurve25519 = "lattica.backup.v1.curve25519"
	AlgorithmAES256     = "lattica.backup.v1.aes256"
)

var blobEncoding = base64.RawStdEncoding

// SessionExport is the plaintext inside one backup blob: everything a
// device needs to reconstruct an inbound group session.
type SessionExport struct {
	Algorithm         string            `json:"algorithm"`
	RoomID            string            `json:"room_id"`
	SenderKey         string            `json:"sender_key"`
	SessionID         string            `json:"session_id"`
	SessionKey        string            `json:"session_key"`
	SenderClaimedKeys map[string]string `json:"sender_claimed_keys,omitempty"`
	ForwardedCount    int               `json:"forwarded_count,omitempty"`
}

// Algorithm encrypts session exports for escrow and decrypts them on
// restore. Implementations built without the private key can encrypt but
// not decrypt.
type Algorithm interface {
	// Name returns the registered algorithm identifier.
	Name() string

	// AuthData returns the public auth data uploaded with the backup
	// version, which later validates candidate recovery keys.
	AuthData() (json.RawMessage, error)

	// Encrypt seals one session export into a backup blob.
	Encrypt(exp SessionExport) (json.RawMessage, error)

	// Decrypt opens one backup blob. It fails without the private key.
	Decrypt(blob json.RawMessage) (SessionExport, error)

	// KeyMatches reports whether the candidate private key is the one
	// the auth data was made from.
	KeyMatches(privateKey []byte) bool
}

// Factory builds an algorithm from a private key, public auth data, or
// both. A nil privateKey yields an encrypt-only instance where the
// algorithm supports it.
type Factory func(privateKey []byte, authData json.RawMessage) (Algorithm,
	error)

var algorithms = map[string]Factory{
	AlgorithmCurve25519: newCurve25519,
	AlgorithmAES256:     newAES256,
}

// New builds the named algorithm. Unknown names fail, so a backup made by
// a newer client is left alone rather than corrupted.
func New(name string, privateKey []byte, authData json.RawMessage) (
	Algorithm, error) {
	f, ok := algorithms[name]
	if !ok {
		return nil, errors.Errorf("unknown backup algorithm %q", name)
	}
	return f(privateKey, authData)
}

////////////////////////////////////////////////////////////////////////////////
// curve25519 variant                                                         //
////////////////////////////////////////////////////////////////////////////////

// curve25519AuthData is the public half of the backup key.
type curve25519AuthData struct {
	PublicKey string `json:"public_key"`
}

// curve25519Blob is one sealed session: an ephemeral key agreement against
// the backup public key, then chacha20poly1305 under the derived key.
type curve25519Blob struct {
	Ephemeral  string `json:"ephemeral"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

const curve25519Info = "LatticaBackupCurve25519"

type curve25519Backup struct {
	pub  x25519.Key
	priv *x25519.Key
}

func newCurve25519(privateKey []byte, authData json.RawMessage) (Algorithm,
	error) {
	a := &curve25519Backup{}
	if privateKey != nil {
		if len(privateKey) != x25519.Size {
			return nil, errors.Errorf("backup key must be %d bytes, "+
				"got %d", x25519.Size, len(privateKey))
		}
		a.priv = &x25519.Key{}
		copy(a.priv[:], privateKey)
		x25519.KeyGen(&a.pub, a.priv)
	}
	if authData != nil {
		ad := curve25519AuthData{}
		if err := json.Unmarshal(authData, &ad); err != nil {
			return nil, errors.WithMessage(err,
				"malformed backup auth data")
		}
		raw, err := blobEncoding.DecodeString(ad.PublicKey)
		if err != nil || len(raw) != x25519.Size {
			return nil, errors.New("malformed backup public key")
		}
		if a.priv != nil &&
			blobEncoding.EncodeToString(a.pub[:]) != ad.PublicKey {
			return nil, ErrKeyMismatch
		}
		copy(a.pub[:], raw)
	}
	if a.priv == nil && authData == nil {
		return nil, errors.New("backup needs a private key or auth data")
	}
	return a, nil
}

func (a *curve25519Backup) Name() string { return AlgorithmCurve25519 }

func (a *curve25519Backup) AuthData() (json.RawMessage, error) {
	return json.Marshal(curve25519AuthData{
		PublicKey: blobEncoding.EncodeToString(a.pub[:]),
	})
}

// sealKey derives the AEAD key from an ECDH shared secret.
func curve25519SealKey(shared []byte) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, shared, nil, []byte(curve25519Info))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

func (a *curve25519Backup) Encrypt(exp SessionExport) (json.RawMessage,
	error) {
	plaintext, err := json.Marshal(&exp)
	if err != nil {
		return nil, errors.WithMessage(err,
			"failed to marshal session export")
	}

	var ephPriv, ephPub, shared x25519.Key
	if _, err = io.ReadFull(rand.Reader, ephPriv[:]); err != nil {
		return nil, err
	}
	x25519.KeyGen(&ephPub, &ephPriv)
	if ok := x25519.Shared(&shared, &ephPriv, &a.pub); !ok {
		return nil, errors.New("degenerate backup key agreement")
	}
	key, err := curve25519SealKey(shared[:])
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce, plaintext, nil)

	return json.Marshal(curve25519Blob{
		Ephemeral:  blobEncoding.EncodeToString(ephPub[:]),
		Nonce:      blobEncoding.EncodeToString(nonce),
		Ciphertext: blobEncoding.EncodeToString(ct),
	})
}

func (a *curve25519Backup) Decrypt(blob json.RawMessage) (SessionExport,
	error) {
	exp := SessionExport{}
	if a.priv == nil {
		return exp, errors.WithMessage(ErrKeyMismatch,
			"no private key for this backup")
	}
	b := curve25519Blob{}
	if err := json.Unmarshal(blob, &b); err != nil {
		return exp, errors.WithMessage(err, "malformed backup blob")
	}
	rawEph, err := blobEncoding.DecodeString(b.Ephemeral)
	if err != nil || len(rawEph) != x25519.Size {
		return exp, errors.New("malformed ephemeral key")
	}
	var ephPub, shared x25519.Key
	copy(ephPub[:], rawEph)
	if ok := x25519.Shared(&shared, a.priv, &ephPub); !ok {
		return exp, errors.New("degenerate backup key agreement")
	}
	key, err := curve25519SealKey(shared[:])
	if err != nil {
		return exp, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return exp, err
	}
	nonce, err := blobEncoding.DecodeString(b.Nonce)
	if err != nil || len(nonce) != aead.NonceSize() {
		return exp, errors.New("malformed nonce")
	}
	ct, err := blobEncoding.DecodeString(b.Ciphertext)
	if err != nil {
		return exp, errors.New("malformed ciphertext")
	}
	plaintext, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return exp, errors.WithMessage(ErrKeyMismatch,
			"backup blob failed to open")
	}
	if err = json.Unmarshal(plaintext, &exp); err != nil {
		return exp, errors.WithMessage(err, "corrupt session export")
	}
	return exp, nil
}

func (a *curve25519Backup) KeyMatches(privateKey []byte) bool {
	if len(privateKey) != x25519.Size {
		return false
	}
	var priv, pub x25519.Key
	copy(priv[:], privateKey)
	x25519.KeyGen(&pub, &priv)
	return pub == a.pub
}

////////////////////////////////////////////////////////////////////////////////
// aes256 variant                                                             //
////////////////////////////////////////////////////////////////////////////////

// aes256AuthData carries an HMAC of the symmetric key so a candidate key
// can be checked without a trial decryption.
type aes256AuthData struct {
	MAC string `json:"mac"`
}

type aes256Blob struct {
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

const (
	aes256KeyCheck = "lattica backup key check"
	aes256Info     = "LatticaBackupAES256"
	aes256KeyLen   = 32
)

type aes256Backup struct {
	key []byte
	mac []byte
}

func aes256KeyMAC(key []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(aes256KeyCheck))
	return h.Sum(nil)
}

func newAES256(privateKey []byte, authData json.RawMessage) (Algorithm,
	error) {
	a := &aes256Backup{}
	if privateKey == nil {
		// Symmetric: encrypting requires the key, so there is no
		// encrypt-only form.
		return nil, errors.New("aes256 backup needs the private key")
	}
	if len(privateKey) != aes256KeyLen {
		return nil, errors.Errorf("backup key must be %d bytes, got %d",
			aes256KeyLen, len(privateKey))
	}
	a.key = append([]byte(nil), privateKey...)
	a.mac = aes256KeyMAC(a.key)
	if authData != nil {
		ad := aes256AuthData{}
		if err := json.Unmarshal(authData, &ad); err != nil {
			return nil, errors.WithMessage(err,
				"malformed backup auth data")
		}
		want, err := blobEncoding.DecodeString(ad.MAC)
		if err != nil || !hmac.Equal(want, a.mac) {
			return nil, ErrKeyMismatch
		}
	}
	return a, nil
}

func (a *aes256Backup) Name() string { return AlgorithmAES256 }

func (a *aes256Backup) AuthData() (json.RawMessage, error) {
	return json.Marshal(aes256AuthData{
		MAC: blobEncoding.EncodeToString(a.mac),
	})
}

func (a *aes256Backup) aead() (cipher.AEAD, error) {
	sealKey := make([]byte, aes256KeyLen)
	r := hkdf.New(sha256.New, a.key, nil, []byte(aes256Info))
	if _, err := io.ReadFull(r, sealKey); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(sealKey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (a *aes256Backup) Encrypt(exp SessionExport) (json.RawMessage, error) {
	plaintext, err := json.Marshal(&exp)
	if err != nil {
		return nil, errors.WithMessage(err,
			"failed to marshal session export")
	}
	aead, err := a.aead()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce, plaintext, nil)
	return json.Marshal(aes256Blob{
		Nonce:      blobEncoding.EncodeToString(nonce),
		Ciphertext: blobEncoding.EncodeToString(ct),
	})
}

func (a *aes256Backup) Decrypt(blob json.RawMessage) (SessionExport, error) {
	exp := SessionExport{}
	b := aes256Blob{}
	if err := json.Unmarshal(blob, &b); err != nil {
		return exp, errors.WithMessage(err, "malformed backup blob")
	}
	aead, err := a.aead()
	if err != nil {
		return exp, err
	}
	nonce, err := blobEncoding.DecodeString(b.Nonce)
	if err != nil || len(nonce) != aead.NonceSize() {
		return exp, errors.New("malformed nonce")
	}
	ct, err := blobEncoding.DecodeString(b.Ciphertext)
	if err != nil {
		return exp, errors.New("malformed ciphertext")
	}
	plaintext, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return exp, errors.WithMessage(ErrKeyMismatch,
			"backup blob failed to open")
	}
	if err = json.Unmarshal(plaintext, &exp); err != nil {
		return exp, errors.WithMessage(err, "corrupt session export")
	}
	return exp, nil
}

func (a *aes256Backup) KeyMatches(privateKey []byte) bool {
	return hmac.Equal(aes256KeyMAC(privateKey), a.mac)
}
