////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package verification

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"sort"
	"strings"

	"github.com/cloudflare/circl/dh/x25519"
	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"
)

var keyEncoding = base64.RawStdEncoding

const (
	sasInfoPrefix = "LATTICA_SAS"
	macInfoPrefix = "LATTICA_SAS_MAC"
	sasByteLen    = 6
)

// Emoji pairs a symbol with its spoken name, so the two users can compare
// codes over a voice call.
type Emoji struct {
	Symbol string
	Name   string
}

// sasEmojis is the 64-entry table a 6-bit group indexes into. Both sides
// must agree on it byte for byte.
var sasEmojis = [64]Emoji{
	{"🐶", "Dog"}, {"🐱", "Cat"}, {"🦁", "Lion"}, {"🐎", "Horse"},
	{"🦄", "Unicorn"}, {"🐷", "Pig"}, {"🐘", "Elephant"}, {"🐰", "Rabbit"},
	{"🐼", "Panda"}, {"🐓", "Rooster"}, {"🐧", "Penguin"}, {"🐢", "Turtle"},
	{"🐟", "Fish"}, {"🐙", "Octopus"}, {"🦋", "Butterfly"}, {"🌷", "Flower"},
	{"🌳", "Tree"}, {"🌵", "Cactus"}, {"🍄", "Mushroom"}, {"🌏", "Globe"},
	{"🌙", "Moon"}, {"☁️", "Cloud"}, {"🔥", "Fire"}, {"🍌", "Banana"},
	{"🍎", "Apple"}, {"🍓", "Strawberry"}, {"🌽", "Corn"}, {"🍕", "Pizza"},
	{"🎂", "Cake"}, {"❤️", "Heart"}, {"😀", "Smiley"}, {"🤖", "Robot"},
	{"🎩", "Hat"}, {"👓", "Glasses"}, {"🔧", "Spanner"}, {"🎅", "Santa"},
	{"👍", "Thumbs Up"}, {"☂️", "Umbrella"}, {"⌛", "Hourglass"},
	{"⏰", "Clock"}, {"🎁", "Gift"}, {"💡", "Light Bulb"}, {"📕", "Book"},
	{"✏️", "Pencil"}, {"📎", "Paperclip"}, {"✂️", "Scissors"},
	{"🔒", "Lock"}, {"🔑", "Key"}, {"🔨", "Hammer"}, {"☎️", "Telephone"},
	{"🏁", "Flag"}, {"🚂", "Train"}, {"🚲", "Bicycle"}, {"✈️", "Aeroplane"},
	{"🚀", "Rocket"}, {"🏆", "Trophy"}, {"⚽", "Ball"}, {"🎸", "Guitar"},
	{"🎺", "Trumpet"}, {"🔔", "Bell"}, {"⚓", "Anchor"}, {"🎧", "Headphones"},
	{"📁", "Folder"}, {"📌", "Pin"},
}

// sasKeys holds one side's ephemeral key agreement state.
type sasKeys struct {
	priv x25519.Key
	pub  x25519.Key
}

func newSASKeys(rng io.Reader) (*sasKeys, error) {
	k := &sasKeys{}
	if _, err := io.ReadFull(rng, k.priv[:]); err != nil {
		return nil, errors.WithMessage(err,
			"failed to generate verification key")
	}
	x25519.KeyGen(&k.pub, &k.priv)
	return k, nil
}

func (k *sasKeys) public() string {
	return keyEncoding.EncodeToString(k.pub[:])
}

// shared computes the ECDH secret with the peer's public key.
func (k *sasKeys) shared(peerPub string) ([]byte, error) {
	raw, err := keyEncoding.DecodeString(peerPub)
	if err != nil || len(raw) != x25519.Size {
		return nil, errors.New("malformed verification key")
	}
	var pub, out x25519.Key
	copy(pub[:], raw)
	if ok := x25519.Shared(&out, &k.priv, &pub); !ok {
		return nil, errors.New("degenerate verification key agreement")
	}
	return out[:], nil
}

// sasInfo binds the short code to both identities, both public keys, and
// the transaction, so a secret from another exchange can never collide.
func sasInfo(initUser, initDevice, initKey, respUser, respDevice, respKey,
	transactionID string) string {
	return strings.Join([]string{sasInfoPrefix, initUser, initDevice,
		initKey, respUser, respDevice, respKey, transactionID}, "|")
}

// deriveSAS expands the shared secret into the short authentication bytes.
func deriveSAS(secret []byte, info string) ([]byte, error) {
	out := make([]byte, sasByteLen)
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// sasEmojiList renders the first 42 bits of the SAS bytes as seven emoji.
func sasEmojiList(sas []byte) []Emoji {
	bits := uint64(0)
	for _, b := range sas[:sasByteLen] {
		bits = bits<<8 | uint64(b)
	}
	// 48 bits total; the top 42 yield seven 6-bit indices.
	out := make([]Emoji, 7)
	for i := 0; i < 7; i++ {
		shift := uint(48 - 6*(i+1))
		out[i] = sasEmojis[(bits>>shift)&0x3F]
	}
	return out
}

// sasDecimalList renders the first 39 bits as three numbers in 1000-9191.
func sasDecimalList(sas []byte) [3]uint16 {
	bits := uint64(0)
	for _, b := range sas[:sasByteLen] {
		bits = bits<<8 | uint64(b)
	}
	var out [3]uint16
	for i := 0; i < 3; i++ {
		shift := uint(48 - 13*(i+1))
		out[i] = uint16((bits>>shift)&0x1FFF) + 1000
	}
	return out
}

// macKey derives the per-direction MAC key from the shared secret.
func macKey(secret []byte, info string) ([]byte, error) {
	out := make([]byte, 32)
	r := hkdf.New(sha256.New, secret, nil, []byte(macInfoPrefix+"|"+info))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// computeMAC authenticates one value (a key, or the sorted key-ID list)
// under the derived MAC key.
func computeMAC(key []byte, value, valueInfo string) string {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(valueInfo))
	h.Write([]byte(value))
	return keyEncoding.EncodeToString(h.Sum(nil))
}

// sortedKeyIDs renders the key-ID set the way both sides MAC it.
func sortedKeyIDs(macs map[string]string) string {
	ids := make([]string, 0, len(macs))
	for id := range macs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}
