////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package olm

import (
	"bytes"
	"crypto/rand"
	"testing"
)

// makeSessionPair establishes an outbound session from alice to bob and the
// matching inbound session on bob's side, returning both plus the decrypted
// first message.
func makeSessionPair(t *testing.T, firstMessage []byte) (
	alice, bob *Account, aliceSession, bobSession *Session) {
	t.Helper()

	var err error
	alice, err = NewAccount(rand.Reader)
	if err != nil {
		t.Fatalf("NewAccount returned an error: %+v", err)
	}
	bob, err = NewAccount(rand.Reader)
	if err != nil {
		t.Fatalf("NewAccount returned an error: %+v", err)
	}

	if err = bob.GenerateOneTimeKeys(rand.Reader, 5); err != nil {
		t.Fatalf("GenerateOneTimeKeys returned an error: %+v", err)
	}
	var otk string
	for _, pub := range bob.OneTimeKeys() {
		otk = pub
		break
	}
	bob.MarkKeysAsPublished()

	aliceSession, err = alice.NewOutboundSession(
		rand.Reader, bob.IdentityKey(), otk)
	if err != nil {
		t.Fatalf("NewOutboundSession returned an error: %+v", err)
	}

	mt, wire, err := aliceSession.Encrypt(firstMessage)
	if err != nil {
		t.Fatalf("Encrypt returned an error: %+v", err)
	}
	if mt != MessageTypePreKey {
		t.Errorf("First message has wrong type.\nexpected: %d\nreceived: %d",
			MessageTypePreKey, mt)
	}

	var plaintext []byte
	bobSession, plaintext, err = bob.NewInboundSession(
		alice.IdentityKey(), wire)
	if err != nil {
		t.Fatalf("NewInboundSession returned an error: %+v", err)
	}
	if !bytes.Equal(plaintext, firstMessage) {
		t.Errorf("First message did not round trip."+
			"\nexpected: %q\nreceived: %q", firstMessage, plaintext)
	}
	if aliceSession.ID() != bobSession.ID() {
		t.Errorf("Session IDs do not match.\nalice: %s\nbob:   %s",
			aliceSession.ID(), bobSession.ID())
	}
	return alice, bob, aliceSession, bobSession
}

// Tests that messages round trip in both directions across several DH
// ratchet steps.
func TestSession_RoundTrip(t *testing.T) {
	_, _, aliceSession, bobSession := makeSessionPair(t, []byte("hello bob"))

	conversations := [][2]*Session{
		{bobSession, aliceSession},
		{aliceSession, bobSession},
		{bobSession, aliceSession},
		{bobSession, aliceSession},
		{aliceSession, bobSession},
	}

	for i, pair := range conversations {
		sender, receiver := pair[0], pair[1]
		msg := []byte{byte(i), 'm', 's', 'g'}
		mt, wire, err := sender.Encrypt(msg)
		if err != nil {
			t.Fatalf("Encrypt %d returned an error: %+v", i, err)
		}
		plaintext, err := receiver.Decrypt(mt, wire)
		if err != nil {
			t.Fatalf("Decrypt %d returned an error: %+v", i, err)
		}
		if !bytes.Equal(plaintext, msg) {
			t.Errorf("Message %d did not round trip."+
				"\nexpected: %q\nreceived: %q", i, msg, plaintext)
		}
	}
}

// Tests that out-of-order delivery within a chain is handled via skipped
// message keys.
func TestSession_OutOfOrder(t *testing.T) {
	_, _, aliceSession, bobSession := makeSessionPair(t, []byte("first"))

	mt1, wire1, err := aliceSession.Encrypt([]byte("second"))
	if err != nil {
		t.Fatalf("Encrypt returned an error: %+v", err)
	}
	mt2, wire2, err := aliceSession.Encrypt([]byte("third"))
	if err != nil {
		t.Fatalf("Encrypt returned an error: %+v", err)
	}

	// Deliver in reverse order.
	plaintext, err := bobSession.Decrypt(mt2, wire2)
	if err != nil {
		t.Fatalf("Decrypt returned an error: %+v", err)
	}
	if !bytes.Equal(plaintext, []byte("third")) {
		t.Errorf("Unexpected plaintext.\nexpected: %q\nreceived: %q",
			"third", plaintext)
	}
	plaintext, err = bobSession.Decrypt(mt1, wire1)
	if err != nil {
		t.Fatalf("Decrypt returned an error: %+v", err)
	}
	if !bytes.Equal(plaintext, []byte("second")) {
		t.Errorf("Unexpected plaintext.\nexpected: %q\nreceived: %q",
			"second", plaintext)
	}
}

// Tests that a tampered ciphertext fails with ErrDecryptionFailed.
func TestSession_Decrypt_Tampered(t *testing.T) {
	_, _, aliceSession, bobSession := makeSessionPair(t, []byte("first"))

	mt, wire, err := aliceSession.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt returned an error: %+v", err)
	}

	// Flip a byte in the ciphertext body.
	tampered := bytes.Replace(wire, []byte("ciphertext"),
		[]byte("ciphertExt"), 1)
	if _, err = bobSession.Decrypt(mt, tampered); err == nil {
		t.Error("Decrypt did not error on tampered message.")
	}
}

// Tests that decrypting the same pairwise message twice fails the second
// time because the message key was consumed.
func TestSession_Decrypt_Twice(t *testing.T) {
	_, _, aliceSession, bobSession := makeSessionPair(t, []byte("first"))

	mt, wire, err := aliceSession.Encrypt([]byte("only once"))
	if err != nil {
		t.Fatalf("Encrypt returned an error: %+v", err)
	}
	if _, err = bobSession.Decrypt(mt, wire); err != nil {
		t.Fatalf("Decrypt returned an error: %+v", err)
	}
	if _, err = bobSession.Decrypt(mt, wire); err == nil {
		t.Error("Second Decrypt of the same message did not error.")
	}
}

// Tests that a pre-key message referencing an unknown one-time key is
// rejected with ErrInvalidPreKeyMessage.
func TestAccount_NewInboundSession_UnknownOneTimeKey(t *testing.T) {
	alice, err := NewAccount(rand.Reader)
	if err != nil {
		t.Fatalf("NewAccount returned an error: %+v", err)
	}
	bob, err := NewAccount(rand.Reader)
	if err != nil {
		t.Fatalf("NewAccount returned an error: %+v", err)
	}
	carol, err := NewAccount(rand.Reader)
	if err != nil {
		t.Fatalf("NewAccount returned an error: %+v", err)
	}

	// Alice keys against carol's one-time key, then sends to bob.
	if err = carol.GenerateOneTimeKeys(rand.Reader, 1); err != nil {
		t.Fatalf("GenerateOneTimeKeys returned an error: %+v", err)
	}
	var otk string
	for _, pub := range carol.OneTimeKeys() {
		otk = pub
	}
	sess, err := alice.NewOutboundSession(
		rand.Reader, carol.IdentityKey(), otk)
	if err != nil {
		t.Fatalf("NewOutboundSession returned an error: %+v", err)
	}
	_, wire, err := sess.Encrypt([]byte("misdirected"))
	if err != nil {
		t.Fatalf("Encrypt returned an error: %+v", err)
	}

	_, _, err = bob.NewInboundSession(alice.IdentityKey(), wire)
	if err == nil {
		t.Fatal("NewInboundSession did not error for an unknown " +
			"one-time key.")
	}
}

// Tests that a malformed one-time key fails session creation with
// ErrKeyAgreement.
func TestAccount_NewOutboundSession_BadKey(t *testing.T) {
	alice, err := NewAccount(rand.Reader)
	if err != nil {
		t.Fatalf("NewAccount returned an error: %+v", err)
	}
	_, err = alice.NewOutboundSession(
		rand.Reader, alice.IdentityKey(), "not base64!!")
	if err != ErrKeyAgreement {
		t.Errorf("Unexpected error for malformed one-time key."+
			"\nexpected: %v\nreceived: %v", ErrKeyAgreement, err)
	}
}

// Tests that a session survives a pickle/unpickle cycle mid-conversation.
func TestSession_Pickle(t *testing.T) {
	_, _, aliceSession, bobSession := makeSessionPair(t, []byte("first"))

	restored, err := UnpickleSession(bobSession.Pickle())
	if err != nil {
		t.Fatalf("UnpickleSession returned an error: %+v", err)
	}

	mt, wire, err := aliceSession.Encrypt([]byte("after pickle"))
	if err != nil {
		t.Fatalf("Encrypt returned an error: %+v", err)
	}
	plaintext, err := restored.Decrypt(mt, wire)
	if err != nil {
		t.Fatalf("Decrypt returned an error: %+v", err)
	}
	if !bytes.Equal(plaintext, []byte("after pickle")) {
		t.Errorf("Unexpected plaintext.\nexpected: %q\nreceived: %q",
			"after pickle", plaintext)
	}
}

// Tests that fallback keys remain claimable after use while one-time keys
// are consumed.
func TestAccount_FallbackKey(t *testing.T) {
	bob, err := NewAccount(rand.Reader)
	if err != nil {
		t.Fatalf("NewAccount returned an error: %+v", err)
	}
	if err = bob.GenerateFallbackKey(rand.Reader); err != nil {
		t.Fatalf("GenerateFallbackKey returned an error: %+v", err)
	}
	_, fallback := bob.FallbackKey()

	for i := 0; i < 2; i++ {
		alice, err := NewAccount(rand.Reader)
		if err != nil {
			t.Fatalf("NewAccount returned an error: %+v", err)
		}
		sess, err := alice.NewOutboundSession(
			rand.Reader, bob.IdentityKey(), fallback)
		if err != nil {
			t.Fatalf("NewOutboundSession %d returned an error: %+v",
				i, err)
		}
		_, wire, err := sess.Encrypt([]byte("via fallback"))
		if err != nil {
			t.Fatalf("Encrypt returned an error: %+v", err)
		}
		if _, _, err = bob.NewInboundSession(
			alice.IdentityKey(), wire); err != nil {
			t.Errorf("NewInboundSession %d with fallback key "+
				"returned an error: %+v", i, err)
		}
	}
}

// Tests that an account survives a pickle/unpickle cycle with its one-time
// keys intact.
func TestAccount_Pickle(t *testing.T) {
	acct, err := NewAccount(rand.Reader)
	if err != nil {
		t.Fatalf("NewAccount returned an error: %+v", err)
	}
	if err = acct.GenerateOneTimeKeys(rand.Reader, 10); err != nil {
		t.Fatalf("GenerateOneTimeKeys returned an error: %+v", err)
	}

	restored, err := UnpickleAccount(acct.Pickle())
	if err != nil {
		t.Fatalf("UnpickleAccount returned an error: %+v", err)
	}

	if restored.IdentityKey() != acct.IdentityKey() {
		t.Errorf("Identity key changed across pickle."+
			"\nexpected: %s\nreceived: %s",
			acct.IdentityKey(), restored.IdentityKey())
	}
	if len(restored.OneTimeKeys()) != len(acct.OneTimeKeys()) {
		t.Errorf("One-time key count changed across pickle."+
			"\nexpected: %d\nreceived: %d",
			len(acct.OneTimeKeys()), len(restored.OneTimeKeys()))
	}
}
