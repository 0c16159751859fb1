////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package device

import (
	"testing"

	"gitlab.com/elixxir/ekv"

	"gitlab.com/lattica/client-e2ee/storage/versioned"
)

func testDevice(deviceID string) Device {
	return Device{
		UserID:      "@alice:lattica.org",
		DeviceID:    deviceID,
		IdentityKey: "identity-" + deviceID,
		SigningKey:  "signing-" + deviceID,
		Algorithms:  []string{"lattica.olm.v1", "lattica.megolm.v1"},
	}
}

// Tests that devices round trip through a store reload.
func TestStore_PutReload(t *testing.T) {
	kv := versioned.NewKV(ekv.MakeMemstore())
	s, err := NewStore(kv)
	if err != nil {
		t.Fatalf("NewStore returned an error: %+v", err)
	}

	d := testDevice("DEVICE1")
	if err = s.Put(d); err != nil {
		t.Fatalf("Put returned an error: %+v", err)
	}
	if err = s.SetVerified(d.UserID, d.DeviceID, true); err != nil {
		t.Fatalf("SetVerified returned an error: %+v", err)
	}

	reloaded, err := NewStore(kv)
	if err != nil {
		t.Fatalf("NewStore on reload returned an error: %+v", err)
	}
	got, ok := reloaded.Get(d.UserID, d.DeviceID)
	if !ok {
		t.Fatal("Reloaded store is missing the device.")
	}
	if got.IdentityKey != d.IdentityKey || !got.LocallyVerified {
		t.Errorf("Reloaded device is wrong.\nexpected: %+v\nreceived: %+v",
			d, got)
	}
}

// Tests that a changed identity key is rejected and that local trust marks
// survive a re-download of the same device.
func TestStore_Put_IdentityKeyImmutable(t *testing.T) {
	s, err := NewStore(versioned.NewKV(ekv.MakeMemstore()))
	if err != nil {
		t.Fatalf("NewStore returned an error: %+v", err)
	}

	d := testDevice("DEVICE1")
	if err = s.Put(d); err != nil {
		t.Fatalf("Put returned an error: %+v", err)
	}
	if err = s.SetVerified(d.UserID, d.DeviceID, true); err != nil {
		t.Fatalf("SetVerified returned an error: %+v", err)
	}

	rekeyed := d
	rekeyed.IdentityKey = "different"
	if err = s.Put(rekeyed); err != ErrIdentityKeyChanged {
		t.Errorf("Put with changed identity key gave the wrong error."+
			"\nexpected: %v\nreceived: %v", ErrIdentityKeyChanged, err)
	}

	// Re-download with same keys keeps the verification mark.
	redownload := testDevice("DEVICE1")
	if err = s.Put(redownload); err != nil {
		t.Fatalf("Put returned an error: %+v", err)
	}
	got, _ := s.Get(d.UserID, d.DeviceID)
	if !got.LocallyVerified {
		t.Error("Re-download cleared the local verification mark.")
	}
}

// Tests lookup by identity key.
func TestStore_GetByIdentityKey(t *testing.T) {
	s, err := NewStore(versioned.NewKV(ekv.MakeMemstore()))
	if err != nil {
		t.Fatalf("NewStore returned an error: %+v", err)
	}
	d1, d2 := testDevice("DEVICE1"), testDevice("DEVICE2")
	if err = s.Put(d1); err != nil {
		t.Fatalf("Put returned an error: %+v", err)
	}
	if err = s.Put(d2); err != nil {
		t.Fatalf("Put returned an error: %+v", err)
	}

	got, ok := s.GetByIdentityKey(d2.IdentityKey)
	if !ok || got.DeviceID != d2.DeviceID {
		t.Errorf("GetByIdentityKey found the wrong device: %+v", got)
	}
	if _, ok = s.GetByIdentityKey("unknown"); ok {
		t.Error("GetByIdentityKey found a device for an unknown key.")
	}
}
