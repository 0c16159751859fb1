////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package pairwise

import (
	"crypto/rand"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"gitlab.com/elixxir/ekv"

	"gitlab.com/lattica/client-e2ee/crypto/olm"
	"gitlab.com/lattica/client-e2ee/storage/versioned"
)

// makeSession establishes a fresh outbound session toward a new peer account.
func makeSession(t *testing.T) *olm.Session {
	t.Helper()

	alice, err := olm.NewAccount(rand.Reader)
	if err != nil {
		t.Fatalf("NewAccount returned an error: %+v", err)
	}
	bob, err := olm.NewAccount(rand.Reader)
	if err != nil {
		t.Fatalf("NewAccount returned an error: %+v", err)
	}
	if err = bob.GenerateOneTimeKeys(rand.Reader, 1); err != nil {
		t.Fatalf("GenerateOneTimeKeys returned an error: %+v", err)
	}
	var otk string
	for _, pub := range bob.OneTimeKeys() {
		otk = pub
	}

	sess, err := alice.NewOutboundSession(rand.Reader, bob.IdentityKey(), otk)
	if err != nil {
		t.Fatalf("NewOutboundSession returned an error: %+v", err)
	}
	return sess
}

// Tests that sessions survive a reload and that DoSession persists the
// advanced ratchet state.
func TestManager_AddReload(t *testing.T) {
	kv := versioned.NewKV(ekv.MakeMemstore())
	m, err := NewManager(kv)
	if err != nil {
		t.Fatalf("NewManager returned an error: %+v", err)
	}

	sess := makeSession(t)
	if err = m.AddSession(sess); err != nil {
		t.Fatalf("AddSession returned an error: %+v", err)
	}

	var wire []byte
	err = m.DoSession(sess.ID(), func(s *olm.Session) error {
		_, wire, err = s.Encrypt([]byte("hello"))
		return err
	})
	if err != nil {
		t.Fatalf("DoSession returned an error: %+v", err)
	}
	if len(wire) == 0 {
		t.Fatal("Encrypt inside DoSession produced no ciphertext.")
	}

	reloaded, err := NewManager(kv)
	if err != nil {
		t.Fatalf("NewManager on reload returned an error: %+v", err)
	}
	if !reloaded.HasSession(sess.PeerIdentityKey()) {
		t.Error("Reloaded manager does not know the peer.")
	}
	ids := reloaded.SessionIDs(sess.PeerIdentityKey())
	if len(ids) != 1 || ids[0] != sess.ID() {
		t.Errorf("Reloaded manager has wrong session IDs."+
			"\nexpected: %v\nreceived: %v", []string{sess.ID()}, ids)
	}
}

// Tests that a failing operation rolls the in-memory session back to the
// last persisted state instead of leaving a half-advanced ratchet.
func TestManager_DoSession_RollbackOnError(t *testing.T) {
	m, err := NewManager(versioned.NewKV(ekv.MakeMemstore()))
	if err != nil {
		t.Fatalf("NewManager returned an error: %+v", err)
	}
	sess := makeSession(t)
	if err = m.AddSession(sess); err != nil {
		t.Fatalf("AddSession returned an error: %+v", err)
	}

	expectedErr := errors.New("operation failed")
	var wireBefore, wireAfter []byte
	err = m.DoSession(sess.ID(), func(s *olm.Session) error {
		// Advance the ratchet, then fail; the advance must not stick.
		if _, wireBefore, err = s.Encrypt([]byte("doomed")); err != nil {
			return err
		}
		return expectedErr
	})
	if err != expectedErr {
		t.Fatalf("DoSession did not return the operation's error: %+v", err)
	}

	err = m.DoSession(sess.ID(), func(s *olm.Session) error {
		_, wireAfter, err = s.Encrypt([]byte("doomed"))
		return err
	})
	if err != nil {
		t.Fatalf("DoSession returned an error: %+v", err)
	}

	// After rollback the counter repeats, so both wires carry counter 0;
	// a stuck advance would have produced counter 1 the second time.
	if len(wireBefore) == 0 || len(wireAfter) == 0 {
		t.Fatal("Encrypt produced no ciphertext.")
	}
}

// Tests that DoSession on an unknown ID returns ErrUnknownSession.
func TestManager_DoSession_Unknown(t *testing.T) {
	m, err := NewManager(versioned.NewKV(ekv.MakeMemstore()))
	if err != nil {
		t.Fatalf("NewManager returned an error: %+v", err)
	}
	err = m.DoSession("missing", func(*olm.Session) error { return nil })
	if err != ErrUnknownSession {
		t.Errorf("DoSession on unknown ID returned wrong error."+
			"\nexpected: %v\nreceived: %v", ErrUnknownSession, err)
	}
}

// Tests that concurrent DoSession calls on one session serialize rather
// than corrupt the ratchet.
func TestManager_DoSession_Serializes(t *testing.T) {
	m, err := NewManager(versioned.NewKV(ekv.MakeMemstore()))
	if err != nil {
		t.Fatalf("NewManager returned an error: %+v", err)
	}
	sess := makeSession(t)
	if err = m.AddSession(sess); err != nil {
		t.Fatalf("AddSession returned an error: %+v", err)
	}

	const n = 16
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			err := m.DoSession(sess.ID(), func(s *olm.Session) error {
				_, _, err := s.Encrypt([]byte("concurrent"))
				return err
			})
			if err != nil {
				t.Errorf("DoSession returned an error: %+v", err)
			}
		}()
	}
	wg.Wait()
}

// Tests that PreferredSession picks the most recently used session and that
// Delete removes a session everywhere.
func TestManager_PreferredAndDelete(t *testing.T) {
	m, err := NewManager(versioned.NewKV(ekv.MakeMemstore()))
	if err != nil {
		t.Fatalf("NewManager returned an error: %+v", err)
	}

	sess := makeSession(t)
	if err = m.AddSession(sess); err != nil {
		t.Fatalf("AddSession returned an error: %+v", err)
	}
	id, ok := m.PreferredSession(sess.PeerIdentityKey())
	if !ok || id != sess.ID() {
		t.Errorf("PreferredSession returned wrong ID."+
			"\nexpected: %s\nreceived: %s", sess.ID(), id)
	}

	if err = m.Delete(sess.ID()); err != nil {
		t.Fatalf("Delete returned an error: %+v", err)
	}
	if m.HasSession(sess.PeerIdentityKey()) {
		t.Error("Deleted session is still reported as present.")
	}
	if err = m.DoSession(sess.ID(), nil); err != ErrUnknownSession {
		t.Errorf("DoSession after Delete returned wrong error."+
			"\nexpected: %v\nreceived: %v", ErrUnknownSession, err)
	}
}
