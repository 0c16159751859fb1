////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package recovery

import (
	"bytes"
	"crypto/rand"
	"strings"
	"testing"
)

// Tests that recovery keys round trip and tolerate whitespace and case.
func TestEncodeDecode_RoundTrip(t *testing.T) {
	key := make([]byte, KeyLen)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("Failed to generate key: %+v", err)
	}

	encoded, err := Encode(key)
	if err != nil {
		t.Fatalf("Encode returned an error: %+v", err)
	}
	if !strings.HasPrefix(encoded, hrp+"1") {
		t.Errorf("Encoded key has wrong prefix: %s", encoded)
	}

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode returned an error: %+v", err)
	}
	if !bytes.Equal(decoded, key) {
		t.Errorf("Key did not round trip.\nexpected: %x\nreceived: %x",
			key, decoded)
	}

	// Grouped and upper-cased input decodes to the same key.
	grouped := strings.ToUpper(encoded[:4] + " " + encoded[4:12] + " " +
		encoded[12:])
	decoded, err = Decode(grouped)
	if err != nil {
		t.Fatalf("Decode of grouped key returned an error: %+v", err)
	}
	if !bytes.Equal(decoded, key) {
		t.Errorf("Grouped key did not round trip."+
			"\nexpected: %x\nreceived: %x", key, decoded)
	}
}

// Tests that corrupt and foreign strings are rejected.
func TestDecode_Invalid(t *testing.T) {
	key := make([]byte, KeyLen)
	encoded, err := Encode(key)
	if err != nil {
		t.Fatalf("Encode returned an error: %+v", err)
	}

	// Flip a character to break the checksum.
	bad := []byte(encoded)
	if bad[len(bad)-1] == 'q' {
		bad[len(bad)-1] = 'p'
	} else {
		bad[len(bad)-1] = 'q'
	}
	if _, err = Decode(string(bad)); err == nil {
		t.Error("Decode did not error on a corrupt checksum.")
	}

	if _, err = Decode("bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"); err == nil {
		t.Error("Decode did not error on a foreign bech32 string.")
	}

	if _, err = Encode(make([]byte, 16)); err == nil {
		t.Error("Encode did not error on a short key.")
	}
}
