////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package trust

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"gitlab.com/elixxir/ekv"

	"gitlab.com/lattica/client-e2ee/event"
	"gitlab.com/lattica/client-e2ee/storage"
	"gitlab.com/lattica/client-e2ee/storage/device"
	"gitlab.com/lattica/client-e2ee/storage/versioned"
	"gitlab.com/lattica/client-e2ee/transport"
)

func makeEngine(t *testing.T, server *transport.MemServer, userID,
	deviceID string) (*Engine, *storage.Store) {
	t.Helper()

	kv := versioned.NewKV(ekv.MakeMemstore())
	store, err := storage.Init(kv, userID, deviceID, rand.Reader)
	if err != nil {
		t.Fatalf("Init returned an error: %+v", err)
	}
	// Own device must be in the device store before it can be signed.
	err = store.Devices.Put(device.Device{
		UserID:      userID,
		DeviceID:    deviceID,
		IdentityKey: store.IdentityKey(),
		SigningKey:  store.SigningKey(),
		Algorithms:  []string{"lattica.olm.v1", "lattica.megolm.v1"},
	})
	if err != nil {
		t.Fatalf("Devices.Put returned an error: %+v", err)
	}
	return NewEngine(store, server.Session(userID, deviceID),
		event.NewManager()), store
}

// Tests that SignJSON and VerifyJSON agree and that a tampered payload or
// wrong key fails with ErrBadSignature.
func TestSignVerifyJSON(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey returned an error: %+v", err)
	}
	pubB64 := keyEncoding.EncodeToString(pub)

	payload := map[string]interface{}{
		"user_id": "@alice:lattica.org",
		"keys":    map[string]string{"ed25519:DEV": "abc"},
	}
	sig, err := SignJSON(priv, payload)
	if err != nil {
		t.Fatalf("SignJSON returned an error: %+v", err)
	}
	if err = VerifyJSON(pubB64, sig, payload); err != nil {
		t.Errorf("VerifyJSON rejected a valid signature: %+v", err)
	}

	payload["user_id"] = "@mallory:lattica.org"
	if err = VerifyJSON(pubB64, sig, payload); err != ErrBadSignature {
		t.Errorf("VerifyJSON accepted a tampered payload: %+v", err)
	}
	if err = VerifyJSON("not base64!!", sig, payload); err != ErrBadSignature {
		t.Errorf("VerifyJSON accepted a malformed key: %+v", err)
	}
}

// Tests that signatures ignore field order and the signatures field itself.
func TestCanonicalJSON(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey returned an error: %+v", err)
	}

	a := map[string]interface{}{"b": 1, "a": "x"}
	sig, err := SignJSON(priv, a)
	if err != nil {
		t.Fatalf("SignJSON returned an error: %+v", err)
	}
	withSig := map[string]interface{}{
		"a": "x", "b": 1,
		"signatures": map[string]string{"k": sig},
		"unsigned":   map[string]string{"display_name": "phone"},
	}
	pub := keyEncoding.EncodeToString(
		priv.Public().(ed25519.PublicKey))
	if err = VerifyJSON(pub, sig, withSig); err != nil {
		t.Errorf("Signatures or unsigned content changed the "+
			"canonical form: %+v", err)
	}
}

// Tests the full cross-signing flow: bootstrap, exchange hierarchies, sign
// the peer, and verify the trust chain down to their device.
func TestEngine_CrossSigningChain(t *testing.T) {
	server := transport.NewMemServer()
	alice, aliceStore := makeEngine(t, server,
		"@alice:lattica.org", "ALICEDEV")
	bob, bobStore := makeEngine(t, server, "@bob:lattica.org", "BOBDEV")

	ctx := context.Background()
	if err := alice.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap returned an error: %+v", err)
	}
	if err := bob.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap returned an error: %+v", err)
	}

	// Own user and device are trusted after bootstrap.
	if lvl := alice.UserTrust("@alice:lattica.org"); lvl != CrossSigningVerified {
		t.Errorf("Own user trust is wrong.\nexpected: %s\nreceived: %s",
			CrossSigningVerified, lvl)
	}
	if lvl := alice.DeviceTrust("@alice:lattica.org",
		"ALICEDEV"); lvl != CrossSigningVerified {
		t.Errorf("Own device trust is wrong."+
			"\nexpected: %s\nreceived: %s", CrossSigningVerified, lvl)
	}

	// Before signing, Bob is unverified to Alice.
	if lvl := alice.UserTrust("@bob:lattica.org"); lvl != Unverified {
		t.Errorf("Unsigned user is trusted.\nexpected: %s\nreceived: %s",
			Unverified, lvl)
	}

	// Alice learns Bob's hierarchy and signed device, then signs him.
	bobSet, _ := bobStore.CrossSigning.Get("@bob:lattica.org")
	if _, err := aliceStore.CrossSigning.Put(bobSet); err != nil {
		t.Fatalf("Put returned an error: %+v", err)
	}
	bobDev, _ := bobStore.Devices.Get("@bob:lattica.org", "BOBDEV")
	if err := aliceStore.Devices.Put(bobDev); err != nil {
		t.Fatalf("Devices.Put returned an error: %+v", err)
	}
	if err := alice.SignUser(ctx, "@bob:lattica.org"); err != nil {
		t.Fatalf("SignUser returned an error: %+v", err)
	}

	if lvl := alice.UserTrust("@bob:lattica.org"); lvl != CrossSigningVerified {
		t.Errorf("Signed user is not trusted."+
			"\nexpected: %s\nreceived: %s", CrossSigningVerified, lvl)
	}
	if lvl := alice.DeviceTrust("@bob:lattica.org",
		"BOBDEV"); lvl != CrossSigningVerified {
		t.Errorf("Cross-signed device is not trusted."+
			"\nexpected: %s\nreceived: %s", CrossSigningVerified, lvl)
	}

	// Clearing the local mark withdraws trust even though the
	// signature chain is intact.
	err := alice.SetUserVerified("@bob:lattica.org", false)
	if err != nil {
		t.Fatalf("SetUserVerified returned an error: %+v", err)
	}
	if lvl := alice.UserTrust("@bob:lattica.org"); lvl != Unverified {
		t.Errorf("Unmarked user is still trusted."+
			"\nexpected: %s\nreceived: %s", Unverified, lvl)
	}
	err = alice.SetUserVerified("@bob:lattica.org", true)
	if err != nil {
		t.Fatalf("SetUserVerified returned an error: %+v", err)
	}
	if lvl := alice.UserTrust("@bob:lattica.org"); lvl != CrossSigningVerified {
		t.Errorf("Re-marked user is not trusted."+
			"\nexpected: %s\nreceived: %s", CrossSigningVerified, lvl)
	}

	// A master key rotation voids the trust.
	if err := bob.Bootstrap(ctx); err != nil {
		t.Fatalf("Re-bootstrap returned an error: %+v", err)
	}
	newSet, _ := bobStore.CrossSigning.Get("@bob:lattica.org")
	if _, err := aliceStore.CrossSigning.Put(newSet); err != nil {
		t.Fatalf("Put returned an error: %+v", err)
	}
	if lvl := alice.UserTrust("@bob:lattica.org"); lvl != Unverified {
		t.Errorf("Trust survived a master key rotation."+
			"\nexpected: %s\nreceived: %s", Unverified, lvl)
	}
}

// Tests the legacy per-device path and that blocking wins over it.
func TestEngine_LegacyAndBlocked(t *testing.T) {
	server := transport.NewMemServer()
	alice, aliceStore := makeEngine(t, server,
		"@alice:lattica.org", "ALICEDEV")

	dev := device.Device{
		UserID:      "@carol:lattica.org",
		DeviceID:    "CARDEV",
		IdentityKey: "carolIdentity",
		SigningKey:  "carolSigning",
	}
	if err := aliceStore.Devices.Put(dev); err != nil {
		t.Fatalf("Devices.Put returned an error: %+v", err)
	}

	if lvl := alice.DeviceTrust("@carol:lattica.org",
		"CARDEV"); lvl != Unverified {
		t.Errorf("Unmarked device is trusted: %s", lvl)
	}
	err := alice.SetDeviceVerified("@carol:lattica.org", "CARDEV", true)
	if err != nil {
		t.Fatalf("SetDeviceVerified returned an error: %+v", err)
	}
	if lvl := alice.DeviceTrust("@carol:lattica.org",
		"CARDEV"); lvl != LegacyVerified {
		t.Errorf("Marked device trust is wrong."+
			"\nexpected: %s\nreceived: %s", LegacyVerified, lvl)
	}

	err = aliceStore.Devices.SetBlocked("@carol:lattica.org", "CARDEV", true)
	if err != nil {
		t.Fatalf("SetBlocked returned an error: %+v", err)
	}
	if lvl := alice.DeviceTrust("@carol:lattica.org",
		"CARDEV"); lvl != Unverified {
		t.Errorf("Blocked device is still trusted: %s", lvl)
	}
}
