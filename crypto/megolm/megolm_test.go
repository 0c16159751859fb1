////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package megolm

import (
	"bytes"
	"crypto/rand"
	"testing"
)

// Tests that group messages round trip through an inbound session created
// from the outbound session key, in any delivery order.
func TestGroupSession_RoundTrip(t *testing.T) {
	out, err := NewOutboundGroupSession(rand.Reader)
	if err != nil {
		t.Fatalf("NewOutboundGroupSession returned an error: %+v", err)
	}

	in, err := NewInboundGroupSession(out.SessionKey())
	if err != nil {
		t.Fatalf("NewInboundGroupSession returned an error: %+v", err)
	}
	if in.ID() != out.ID() {
		t.Errorf("Session IDs do not match.\noutbound: %s\ninbound:  %s",
			out.ID(), in.ID())
	}

	messages := [][]byte{[]byte("m1"), []byte("m2"), []byte("m3")}
	wires := make([][]byte, len(messages))
	for i, msg := range messages {
		index, wire, err := out.Encrypt(msg)
		if err != nil {
			t.Fatalf("Encrypt %d returned an error: %+v", i, err)
		}
		if index != uint32(i) {
			t.Errorf("Unexpected message index."+
				"\nexpected: %d\nreceived: %d", i, index)
		}
		wires[i] = wire
	}

	// Decrypt out of order.
	for _, i := range []int{2, 0, 1} {
		plaintext, index, err := in.Decrypt(wires[i])
		if err != nil {
			t.Fatalf("Decrypt %d returned an error: %+v", i, err)
		}
		if index != uint32(i) {
			t.Errorf("Unexpected index.\nexpected: %d\nreceived: %d",
				i, index)
		}
		if !bytes.Equal(plaintext, messages[i]) {
			t.Errorf("Message %d did not round trip."+
				"\nexpected: %q\nreceived: %q",
				i, messages[i], plaintext)
		}
	}
}

// Tests that a session shared after some messages were sent cannot decrypt
// the earlier messages.
func TestInboundGroupSession_FirstKnownIndex(t *testing.T) {
	out, err := NewOutboundGroupSession(rand.Reader)
	if err != nil {
		t.Fatalf("NewOutboundGroupSession returned an error: %+v", err)
	}

	_, early, err := out.Encrypt([]byte("before share"))
	if err != nil {
		t.Fatalf("Encrypt returned an error: %+v", err)
	}

	in, err := NewInboundGroupSession(out.SessionKey())
	if err != nil {
		t.Fatalf("NewInboundGroupSession returned an error: %+v", err)
	}
	if in.FirstKnownIndex() != 1 {
		t.Errorf("Unexpected first known index."+
			"\nexpected: %d\nreceived: %d", 1, in.FirstKnownIndex())
	}

	if _, _, err = in.Decrypt(early); err != ErrBadMessageIndex {
		t.Errorf("Decrypting a pre-share message gave the wrong error."+
			"\nexpected: %v\nreceived: %v", ErrBadMessageIndex, err)
	}

	_, late, err := out.Encrypt([]byte("after share"))
	if err != nil {
		t.Fatalf("Encrypt returned an error: %+v", err)
	}
	if _, _, err = in.Decrypt(late); err != nil {
		t.Errorf("Decrypt returned an error: %+v", err)
	}
}

// Tests that a tampered group message fails with ErrDecryptionFailed.
func TestInboundGroupSession_Decrypt_Tampered(t *testing.T) {
	out, err := NewOutboundGroupSession(rand.Reader)
	if err != nil {
		t.Fatalf("NewOutboundGroupSession returned an error: %+v", err)
	}
	in, err := NewInboundGroupSession(out.SessionKey())
	if err != nil {
		t.Fatalf("NewInboundGroupSession returned an error: %+v", err)
	}

	_, wire, err := out.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt returned an error: %+v", err)
	}
	tampered := bytes.Replace(wire, []byte(`"index":0`), []byte(`"index":1`), 1)
	if _, _, err = in.Decrypt(tampered); err != ErrDecryptionFailed {
		t.Errorf("Unexpected error for tampered message."+
			"\nexpected: %v\nreceived: %v", ErrDecryptionFailed, err)
	}
}

// Tests that exporting at an index and re-importing yields a session that
// can decrypt from that index forward and matches the original's ID.
func TestInboundGroupSession_Export(t *testing.T) {
	out, err := NewOutboundGroupSession(rand.Reader)
	if err != nil {
		t.Fatalf("NewOutboundGroupSession returned an error: %+v", err)
	}
	in, err := NewInboundGroupSession(out.SessionKey())
	if err != nil {
		t.Fatalf("NewInboundGroupSession returned an error: %+v", err)
	}

	for i := 0; i < 3; i++ {
		if _, _, err = out.Encrypt([]byte("spin")); err != nil {
			t.Fatalf("Encrypt returned an error: %+v", err)
		}
	}

	exported, err := in.Export(2)
	if err != nil {
		t.Fatalf("Export returned an error: %+v", err)
	}
	reimported, err := NewInboundGroupSession(exported)
	if err != nil {
		t.Fatalf("NewInboundGroupSession returned an error: %+v", err)
	}
	if reimported.ID() != in.ID() {
		t.Errorf("Re-imported session has wrong ID."+
			"\nexpected: %s\nreceived: %s", in.ID(), reimported.ID())
	}
	if reimported.FirstKnownIndex() != 2 {
		t.Errorf("Re-imported session has wrong first known index."+
			"\nexpected: %d\nreceived: %d",
			2, reimported.FirstKnownIndex())
	}

	index, wire, err := out.Encrypt([]byte("current"))
	if err != nil {
		t.Fatalf("Encrypt returned an error: %+v", err)
	}
	plaintext, gotIndex, err := reimported.Decrypt(wire)
	if err != nil {
		t.Fatalf("Decrypt returned an error: %+v", err)
	}
	if gotIndex != index || !bytes.Equal(plaintext, []byte("current")) {
		t.Errorf("Re-imported session decrypted incorrectly."+
			"\nexpected: (%d, %q)\nreceived: (%d, %q)",
			index, "current", gotIndex, plaintext)
	}

	// Exporting before the first known index must fail.
	if _, err = in.Export(0); err == nil {
		t.Error("Export before the first known index did not error.")
	}
}

// Tests that sessions survive pickle cycles.
func TestGroupSession_Pickle(t *testing.T) {
	out, err := NewOutboundGroupSession(rand.Reader)
	if err != nil {
		t.Fatalf("NewOutboundGroupSession returned an error: %+v", err)
	}
	if _, _, err = out.Encrypt([]byte("advance")); err != nil {
		t.Fatalf("Encrypt returned an error: %+v", err)
	}

	outRestored, err := UnpickleOutboundGroupSession(out.Pickle())
	if err != nil {
		t.Fatalf("UnpickleOutboundGroupSession returned an error: %+v", err)
	}
	if outRestored.ID() != out.ID() ||
		outRestored.MessageIndex() != out.MessageIndex() {
		t.Errorf("Outbound pickle mismatch.\nexpected: %s @ %d"+
			"\nreceived: %s @ %d", out.ID(), out.MessageIndex(),
			outRestored.ID(), outRestored.MessageIndex())
	}

	in, err := NewInboundGroupSession(out.SessionKey())
	if err != nil {
		t.Fatalf("NewInboundGroupSession returned an error: %+v", err)
	}
	inRestored, err := UnpickleInboundGroupSession(in.Pickle())
	if err != nil {
		t.Fatalf("UnpickleInboundGroupSession returned an error: %+v", err)
	}

	index, wire, err := outRestored.Encrypt([]byte("post pickle"))
	if err != nil {
		t.Fatalf("Encrypt returned an error: %+v", err)
	}
	plaintext, gotIndex, err := inRestored.Decrypt(wire)
	if err != nil {
		t.Fatalf("Decrypt returned an error: %+v", err)
	}
	if gotIndex != index || !bytes.Equal(plaintext, []byte("post pickle")) {
		t.Errorf("Pickled sessions decrypted incorrectly."+
			"\nexpected: (%d, %q)\nreceived: (%d, %q)",
			index, "post pickle", gotIndex, plaintext)
	}
}
