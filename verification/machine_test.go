////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package verification

import (
	"bytes"
	"context"
	"crypto/rand"
	"reflect"
	"testing"
	"time"

	"github.com/pkg/errors"
	"gitlab.com/elixxir/ekv"

	"gitlab.com/lattica/client-e2ee/e2e"
	"gitlab.com/lattica/client-e2ee/event"
	"gitlab.com/lattica/client-e2ee/storage"
	"gitlab.com/lattica/client-e2ee/storage/versioned"
	"gitlab.com/lattica/client-e2ee/transport"
	"gitlab.com/lattica/client-e2ee/trust"
)

type testDevice struct {
	m     *e2e.Manager
	v     *Machine
	trust *trust.Engine
	store *storage.Store
	inbox <-chan transport.ToDeviceMessage
}

func newTestDevice(t *testing.T, server *transport.MemServer, userID,
	deviceID string, params Params) *testDevice {
	t.Helper()

	store, err := storage.Init(versioned.NewKV(ekv.MakeMemstore()),
		userID, deviceID, rand.Reader)
	if err != nil {
		t.Fatalf("Init returned an error: %+v", err)
	}
	client := server.Session(userID, deviceID)
	events := event.NewManager()
	m, err := e2e.NewManager(store, client, events,
		e2e.GetDefaultParams())
	if err != nil {
		t.Fatalf("NewManager returned an error: %+v", err)
	}
	stop, err := m.StartProcesses(nil)
	if err != nil {
		t.Fatalf("StartProcesses returned an error: %+v", err)
	}
	t.Cleanup(func() {
		if err := stop.Close(); err != nil {
			t.Errorf("Failed to stop manager: %+v", err)
		}
	})
	if err = m.PublishKeys(context.Background()); err != nil {
		t.Fatalf("PublishKeys returned an error: %+v", err)
	}

	trustEngine := trust.NewEngine(store, client, events)
	return &testDevice{
		m:     m,
		v:     NewMachine(m, trustEngine, events, params),
		trust: trustEngine,
		store: store,
		inbox: server.Receive(userID, deviceID),
	}
}

// drain processes every queued to-device message through the handlers.
func (d *testDevice) drain(t *testing.T) int {
	t.Helper()
	n := 0
	for {
		select {
		case msg := <-d.inbox:
			if err := d.m.HandleToDevice(context.Background(),
				msg); err != nil {
				t.Fatalf("HandleToDevice returned an error: %+v",
					err)
			}
			n++
		default:
			return n
		}
	}
}

// readyPair brings two devices of one user to a Ready transaction.
func readyPair(t *testing.T, params Params) (first, second *testDevice,
	id string) {
	t.Helper()
	server := transport.NewMemServer()
	const userID = "@alice:lattica.org"
	first = newTestDevice(t, server, userID, "FIRSTDEV", params)
	second = newTestDevice(t, server, userID, "SECONDDEV", params)

	ctx := context.Background()
	if err := first.m.RefreshDevices(ctx, userID); err != nil {
		t.Fatalf("RefreshDevices returned an error: %+v", err)
	}
	if err := second.m.RefreshDevices(ctx, userID); err != nil {
		t.Fatalf("RefreshDevices returned an error: %+v", err)
	}

	id, err := first.v.Request(ctx, userID, "SECONDDEV")
	if err != nil {
		t.Fatalf("Request returned an error: %+v", err)
	}
	second.drain(t)
	if tx, ok := second.v.Get(id); !ok || tx.State != RequestReceived {
		t.Fatalf("Request did not arrive: %+v", tx)
	}
	if err = second.v.Accept(ctx, id); err != nil {
		t.Fatalf("Accept returned an error: %+v", err)
	}
	first.drain(t)
	if tx, _ := first.v.Get(id); tx.State != Ready {
		t.Fatalf("Requester is not ready: %s", tx.State)
	}
	return first, second, id
}

// Tests a full SAS verification: both sides see the same short code,
// confirm, exchange MACs, and end Done with the peer device marked
// verified.
func TestMachine_SASFlow(t *testing.T) {
	first, second, id := readyPair(t, GetDefaultParams())
	ctx := context.Background()

	if err := first.v.StartSAS(ctx, id); err != nil {
		t.Fatalf("StartSAS returned an error: %+v", err)
	}
	second.drain(t) // start -> accept
	first.drain(t)  // accept -> key
	second.drain(t) // key -> key, short code ready
	first.drain(t)  // key, short code ready

	for _, d := range []*testDevice{first, second} {
		if tx, _ := d.v.Get(id); tx.State != KeyExchanged {
			t.Fatalf("Wrong state after key exchange: %s", tx.State)
		}
	}

	e1, err := first.v.Emojis(id)
	if err != nil {
		t.Fatalf("Emojis returned an error: %+v", err)
	}
	e2nd, err := second.v.Emojis(id)
	if err != nil {
		t.Fatalf("Emojis returned an error: %+v", err)
	}
	if !reflect.DeepEqual(e1, e2nd) {
		t.Fatalf("Devices computed different short codes."+
			"\nexpected: %v\nreceived: %v", e1, e2nd)
	}
	d1, _ := first.v.Decimals(id)
	d2, _ := second.v.Decimals(id)
	if d1 != d2 {
		t.Fatalf("Devices computed different decimal codes."+
			"\nexpected: %v\nreceived: %v", d1, d2)
	}

	if err = first.v.Confirm(ctx, id); err != nil {
		t.Fatalf("Confirm returned an error: %+v", err)
	}
	second.drain(t) // first's MAC arrives and verifies
	if tx, _ := second.v.Get(id); tx.State != MacExchanged {
		t.Fatalf("Wrong state after one MAC: %s", tx.State)
	}
	if err = second.v.Confirm(ctx, id); err != nil {
		t.Fatalf("Confirm returned an error: %+v", err)
	}
	first.drain(t) // second's MAC, both confirmed -> done
	second.drain(t)
	first.drain(t)

	for _, d := range []*testDevice{first, second} {
		if tx, _ := d.v.Get(id); tx.State != Done {
			t.Errorf("Transaction did not finish: %s", tx.State)
		}
	}
	if lvl := first.trust.DeviceTrust("@alice:lattica.org",
		"SECONDDEV"); lvl != trust.LegacyVerified {
		t.Errorf("Wrong trust after verification.\nexpected: %s"+
			"\nreceived: %s", trust.LegacyVerified, lvl)
	}
	if lvl := second.trust.DeviceTrust("@alice:lattica.org",
		"FIRSTDEV"); lvl != trust.LegacyVerified {
		t.Errorf("Wrong trust after verification.\nexpected: %s"+
			"\nreceived: %s", trust.LegacyVerified, lvl)
	}
}

// Tests that a user reporting different codes cancels both sides with the
// attack-detected reason.
// Tests that both sides starting the SAS exchange at once cancels the
// transaction cleanly on both instead of corrupting the role assignment.
func TestMachine_StartCollision(t *testing.T) {
	first, second, id := readyPair(t, GetDefaultParams())
	ctx := context.Background()

	if err := first.v.StartSAS(ctx, id); err != nil {
		t.Fatalf("StartSAS returned an error: %+v", err)
	}
	if err := second.v.StartSAS(ctx, id); err != nil {
		t.Fatalf("StartSAS returned an error: %+v", err)
	}
	second.drain(t)
	first.drain(t)
	second.drain(t)
	first.drain(t)

	for _, d := range []*testDevice{first, second} {
		tx, _ := d.v.Get(id)
		if tx.State != Cancelled || tx.Reason != UnexpectedMessage {
			t.Errorf("Wrong terminal state: %s (%s)", tx.State,
				tx.Reason)
		}
	}
	if lvl := first.trust.DeviceTrust("@alice:lattica.org",
		"SECONDDEV"); lvl != trust.Unverified {
		t.Errorf("Collision must not verify the device; got %s", lvl)
	}
}

func TestMachine_Mismatch(t *testing.T) {
	first, second, id := readyPair(t, GetDefaultParams())
	ctx := context.Background()

	if err := first.v.StartSAS(ctx, id); err != nil {
		t.Fatalf("StartSAS returned an error: %+v", err)
	}
	second.drain(t)
	first.drain(t)
	second.drain(t)
	first.drain(t)

	if err := second.v.Mismatch(ctx, id); err != nil {
		t.Fatalf("Mismatch returned an error: %+v", err)
	}
	first.drain(t)

	for _, d := range []*testDevice{first, second} {
		tx, _ := d.v.Get(id)
		if tx.State != Cancelled || tx.Reason != MismatchedSAS {
			t.Errorf("Wrong terminal state: %s (%s)", tx.State,
				tx.Reason)
		}
	}
	if lvl := first.trust.DeviceTrust("@alice:lattica.org",
		"SECONDDEV"); lvl != trust.Unverified {
		t.Errorf("Mismatch must not verify the device; got %s", lvl)
	}
}

// Tests the QR method: one side shows, the other scans, both finish Done
// without a short-code comparison.
func TestMachine_QRFlow(t *testing.T) {
	first, second, id := readyPair(t, GetDefaultParams())
	ctx := context.Background()

	png, payload, err := second.v.ShowQR(id)
	if err != nil {
		t.Fatalf("ShowQR returned an error: %+v", err)
	}
	if !bytes.HasPrefix(png, []byte("\x89PNG")) {
		t.Error("ShowQR did not render a PNG")
	}

	// A tampered payload must be rejected before anything is sent.
	bad := bytes.Replace(payload, []byte("SECONDDEV"), []byte("EVILDEV"),
		1)
	if err = first.v.Scan(ctx, id, bad); err == nil {
		t.Error("Scanning a tampered code did not error")
	}

	if err = first.v.Scan(ctx, id, payload); err != nil {
		t.Fatalf("Scan returned an error: %+v", err)
	}
	second.drain(t) // start with secret -> done
	first.drain(t)

	for _, d := range []*testDevice{first, second} {
		if tx, _ := d.v.Get(id); tx.State != Done {
			t.Errorf("Transaction did not finish: %s", tx.State)
		}
	}
}

// Tests that the sweep cancels transactions past their deadline with
// Timeout.
func TestMachine_Expiry(t *testing.T) {
	params := GetDefaultParams()
	params.RequestTimeout = -time.Second
	params.ExchangeTimeout = -time.Second
	params.SweepPeriod = 5 * time.Millisecond
	first, _, id := readyPair(t, params)

	stop, err := first.v.Service()
	if err != nil {
		t.Fatalf("Service returned an error: %+v", err)
	}
	t.Cleanup(func() {
		if err := stop.Close(); err != nil {
			t.Errorf("Failed to stop sweep: %+v", err)
		}
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		tx, _ := first.v.Get(id)
		if tx.State == Cancelled {
			if tx.Reason != Timeout {
				t.Errorf("Wrong cancellation reason: %s", tx.Reason)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("The sweep never expired the transaction")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Tests that operations on unknown transactions fail cleanly.
func TestMachine_UnknownTransaction(t *testing.T) {
	server := transport.NewMemServer()
	d := newTestDevice(t, server, "@alice:lattica.org", "DEV",
		GetDefaultParams())
	if err := d.v.Accept(context.Background(),
		"missing"); !errors.Is(err, ErrUnknownTransaction) {
		t.Errorf("Accept returned wrong error: %+v", err)
	}
	if _, err := d.v.Emojis("missing"); !errors.Is(err,
		ErrUnknownTransaction) {
		t.Errorf("Emojis returned wrong error: %+v", err)
	}
}
