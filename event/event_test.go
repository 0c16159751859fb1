////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package event

import (
	"testing"
	"time"
)

// Tests that a fired event reaches a registered callback and stops reaching
// it after unregistration.
func TestManager_Delivery(t *testing.T) {
	m := NewManager()
	received := make(chan Event, 10)
	err := m.RegisterCallback("test", func(evt Event) {
		received <- evt
	})
	if err != nil {
		t.Fatalf("RegisterCallback returned an error: %+v", err)
	}
	if err = m.RegisterCallback("test", func(Event) {}); err == nil {
		t.Error("Duplicate callback registration did not error.")
	}

	stop := m.Service()
	defer func() {
		if err := stop.Close(); err != nil {
			t.Errorf("Failed to stop delivery: %+v", err)
		}
	}()

	m.Fire(RoomKeyReceived, map[string]string{"room_id": "!room"})
	select {
	case evt := <-received:
		if evt.Type != RoomKeyReceived ||
			evt.Details["room_id"] != "!room" {
			t.Errorf("Received wrong event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for event delivery.")
	}

	m.UnregisterCallback("test")
	m.Fire(RoomKeyReceived, nil)
	select {
	case evt := <-received:
		t.Errorf("Unregistered callback received an event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}
