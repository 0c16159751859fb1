////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package requests

import (
	"testing"

	"gitlab.com/elixxir/ekv"

	"gitlab.com/lattica/client-e2ee/storage/versioned"
)

func testBody() Body {
	return Body{
		Algorithm: "m.megolm.v1",
		RoomID:    "!room:lattica.org",
		SenderKey: "senderKey",
		SessionID: "sessionID",
	}
}

// Tests that a second request for the same body is deduplicated onto the
// live request, and that a completed request does not block a fresh one.
func TestStore_AddOutgoing_Dedup(t *testing.T) {
	kv := versioned.NewKV(ekv.MakeMemstore())
	s, err := NewStore(kv)
	if err != nil {
		t.Fatalf("NewStore returned an error: %+v", err)
	}

	first := Outgoing{RequestID: "req1", Body: testBody()}
	stored, added, err := s.AddOutgoing(first)
	if err != nil {
		t.Fatalf("AddOutgoing returned an error: %+v", err)
	}
	if !added || stored.RequestID != "req1" {
		t.Fatalf("First AddOutgoing did not store: added %t, %+v",
			added, stored)
	}

	stored, added, err = s.AddOutgoing(
		Outgoing{RequestID: "req2", Body: testBody()})
	if err != nil {
		t.Fatalf("AddOutgoing returned an error: %+v", err)
	}
	if added {
		t.Error("Duplicate body was not deduplicated.")
	}
	if stored.RequestID != "req1" {
		t.Errorf("Dedup returned the wrong request."+
			"\nexpected: %s\nreceived: %s", "req1", stored.RequestID)
	}

	// Completing the request frees the body for a new request.
	if err = s.SetOutgoingState("req1", Completed); err != nil {
		t.Fatalf("SetOutgoingState returned an error: %+v", err)
	}
	_, added, err = s.AddOutgoing(
		Outgoing{RequestID: "req3", Body: testBody()})
	if err != nil {
		t.Fatalf("AddOutgoing returned an error: %+v", err)
	}
	if !added {
		t.Error("A completed request blocked a fresh one.")
	}

	// The superseded completed request is gone, in memory and on disk.
	if _, ok := s.GetOutgoing("req1"); ok {
		t.Error("Superseded request req1 was not removed.")
	}
	if out, ok := s.GetOutgoingByBody(testBody()); !ok {
		t.Error("Body does not resolve to the superseding request.")
	} else if out.RequestID != "req3" {
		t.Errorf("Body resolved to the wrong request."+
			"\nexpected: %s\nreceived: %s", "req3", out.RequestID)
	}
	reloaded, err := NewStore(kv)
	if err != nil {
		t.Fatalf("NewStore returned an error on reload: %+v", err)
	}
	if _, ok := reloaded.GetOutgoing("req1"); ok {
		t.Error("Superseded request req1 survived a reload.")
	}
	if _, ok := reloaded.GetOutgoing("req3"); !ok {
		t.Error("Superseding request req3 did not survive a reload.")
	}
}

// Tests the outgoing state transitions and the state listing.
func TestStore_OutgoingStates(t *testing.T) {
	s, err := NewStore(versioned.NewKV(ekv.MakeMemstore()))
	if err != nil {
		t.Fatalf("NewStore returned an error: %+v", err)
	}

	if _, _, err = s.AddOutgoing(
		Outgoing{RequestID: "req1", Body: testBody()}); err != nil {
		t.Fatalf("AddOutgoing returned an error: %+v", err)
	}
	if got := s.OutgoingInState(Unsent); len(got) != 1 {
		t.Fatalf("Wrong unsent count.\nexpected: %d\nreceived: %d",
			1, len(got))
	}
	if err = s.SetOutgoingState("req1", Sent); err != nil {
		t.Fatalf("SetOutgoingState returned an error: %+v", err)
	}
	if got := s.OutgoingInState(Unsent); len(got) != 0 {
		t.Errorf("Request still listed as unsent after Sent transition.")
	}
	if out, ok := s.GetOutgoing("req1"); !ok || out.State != Sent {
		t.Errorf("Wrong state after transition."+
			"\nexpected: %s\nreceived: %s", Sent, out.State)
	}
	if err = s.SetOutgoingState("missing", Sent); err == nil {
		t.Error("SetOutgoingState on an unknown ID did not error.")
	}
}

// Tests that outgoing and incoming requests survive a reload.
func TestStore_Reload(t *testing.T) {
	kv := versioned.NewKV(ekv.MakeMemstore())
	s, err := NewStore(kv)
	if err != nil {
		t.Fatalf("NewStore returned an error: %+v", err)
	}

	if _, _, err = s.AddOutgoing(
		Outgoing{RequestID: "req1", Body: testBody()}); err != nil {
		t.Fatalf("AddOutgoing returned an error: %+v", err)
	}
	in := Incoming{
		RequestID:         "inc1",
		RequesterUserID:   "@bob:lattica.org",
		RequesterDeviceID: "BOBDEV",
		Body:              testBody(),
	}
	if err = s.AddIncoming(in); err != nil {
		t.Fatalf("AddIncoming returned an error: %+v", err)
	}

	reloaded, err := NewStore(kv)
	if err != nil {
		t.Fatalf("NewStore on reload returned an error: %+v", err)
	}
	if out, ok := reloaded.GetOutgoingByBody(testBody()); !ok ||
		out.RequestID != "req1" {
		t.Error("Outgoing request did not survive reload.")
	}
	if got := reloaded.Incoming(); len(got) != 1 ||
		got[0].RequestID != "inc1" {
		t.Errorf("Incoming requests did not survive reload: %+v", got)
	}

	if err = reloaded.DeleteIncoming(in); err != nil {
		t.Fatalf("DeleteIncoming returned an error: %+v", err)
	}
	if got := reloaded.Incoming(); len(got) != 0 {
		t.Error("DeleteIncoming left the request behind.")
	}
}
