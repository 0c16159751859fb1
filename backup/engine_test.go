////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package backup

import (
	"context"
	"crypto/rand"
	"fmt"
	"reflect"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"gitlab.com/elixxir/ekv"

	"gitlab.com/lattica/client-e2ee/crypto/megolm"
	"gitlab.com/lattica/client-e2ee/crypto/recovery"
	"gitlab.com/lattica/client-e2ee/e2e"
	"gitlab.com/lattica/client-e2ee/event"
	"gitlab.com/lattica/client-e2ee/storage"
	"gitlab.com/lattica/client-e2ee/storage/groupsession"
	"gitlab.com/lattica/client-e2ee/storage/versioned"
	"gitlab.com/lattica/client-e2ee/transport"
)

// newTestEngine brings up one device with a backup engine against the
// shared server.
func newTestEngine(t *testing.T, server *transport.MemServer, userID,
	deviceID string) (*Engine, *storage.Store) {
	t.Helper()
	store, err := storage.Init(versioned.NewKV(ekv.MakeMemstore()),
		userID, deviceID, rand.Reader)
	require.NoError(t, err)
	m, err := e2e.NewManager(store, server.Session(userID, deviceID),
		event.NewManager(), e2e.GetDefaultParams())
	require.NoError(t, err)
	return NewEngine(m, server.Session(userID, deviceID),
		event.NewManager(), GetDefaultParams()), store
}

// addSessions seeds n inbound group sessions into the store.
func addSessions(t *testing.T, store *storage.Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		out, err := megolm.NewOutboundGroupSession(rand.Reader)
		require.NoError(t, err)
		in, err := megolm.NewInboundGroupSession(out.SessionKey())
		require.NoError(t, err)
		_, err = store.InboundGroup.Add(in, groupsession.InboundMeta{
			RoomID:    fmt.Sprintf("!room%d:lattica.org", i%5),
			SenderKey: fmt.Sprintf("senderKey%d", i),
		})
		require.NoError(t, err)
	}
}

// Tests the round-trip property for every registered algorithm: decrypting
// an encrypted export yields the export.
func TestAlgorithm_RoundTrip(t *testing.T) {
	exp := SessionExport{
		Algorithm:  e2e.AlgorithmMegolm,
		RoomID:     "!room:lattica.org",
		SenderKey:  "senderKey",
		SessionID:  "sessionID",
		SessionKey: "sessionKeyExport",
		SenderClaimedKeys: map[string]string{
			"ed25519": "signingKey"},
	}
	for _, name := range []string{AlgorithmCurve25519, AlgorithmAES256} {
		key := make([]byte, recovery.KeyLen)
		if _, err := rand.Read(key); err != nil {
			t.Fatalf("Failed to generate key: %+v", err)
		}
		alg, err := New(name, key, nil)
		if err != nil {
			t.Fatalf("New(%s) returned an error: %+v", name, err)
		}
		blob, err := alg.Encrypt(exp)
		if err != nil {
			t.Fatalf("Encrypt(%s) returned an error: %+v", name, err)
		}
		got, err := alg.Decrypt(blob)
		if err != nil {
			t.Fatalf("Decrypt(%s) returned an error: %+v", name, err)
		}
		if !reflect.DeepEqual(got, exp) {
			t.Errorf("Round trip changed the export (%s)."+
				"\nexpected: %+v\nreceived: %+v", name, exp, got)
		}

		// A different key must not open the blob or match the auth
		// data.
		wrong := make([]byte, recovery.KeyLen)
		if _, err = rand.Read(wrong); err != nil {
			t.Fatalf("Failed to generate key: %+v", err)
		}
		if alg.KeyMatches(wrong) {
			t.Errorf("KeyMatches(%s) accepted the wrong key", name)
		}
		authData, err := alg.AuthData()
		if err != nil {
			t.Fatalf("AuthData(%s) returned an error: %+v", name, err)
		}
		if _, err = New(name, wrong, authData); !errors.Is(err,
			ErrKeyMismatch) {
			t.Errorf("New(%s) with the wrong key returned wrong "+
				"error: %+v", name, err)
		}
	}
}

// Tests that an encrypt-only curve25519 instance built from auth data alone
// seals blobs the private key holder can open, and refuses to decrypt.
func TestCurve25519_EncryptOnly(t *testing.T) {
	key := make([]byte, recovery.KeyLen)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("Failed to generate key: %+v", err)
	}
	full, err := New(AlgorithmCurve25519, key, nil)
	if err != nil {
		t.Fatalf("New returned an error: %+v", err)
	}
	authData, err := full.AuthData()
	if err != nil {
		t.Fatalf("AuthData returned an error: %+v", err)
	}

	pubOnly, err := New(AlgorithmCurve25519, nil, authData)
	if err != nil {
		t.Fatalf("New from auth data returned an error: %+v", err)
	}
	exp := SessionExport{SessionID: "s", SessionKey: "k"}
	blob, err := pubOnly.Encrypt(exp)
	if err != nil {
		t.Fatalf("Encrypt returned an error: %+v", err)
	}
	if _, err = pubOnly.Decrypt(blob); err == nil {
		t.Error("Decrypt without the private key did not error")
	}
	got, err := full.Decrypt(blob)
	if err != nil {
		t.Fatalf("Decrypt returned an error: %+v", err)
	}
	if got.SessionKey != exp.SessionKey {
		t.Errorf("Wrong session key.\nexpected: %s\nreceived: %s",
			exp.SessionKey, got.SessionKey)
	}
}

// Tests the state machine around version discovery: no backup on the
// server, an enabled backup, and a key belonging to a stale version.
func TestEngine_CheckVersion(t *testing.T) {
	server := transport.NewMemServer()
	e, store := newTestEngine(t, server, "@alice:lattica.org", "DEV")
	ctx := context.Background()

	state, err := e.CheckVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, Disabled, state)

	info, err := e.PrepareVersion("", AlgorithmCurve25519)
	require.NoError(t, err)
	decoded, err := recovery.Decode(info.RecoveryKey)
	require.NoError(t, err)
	require.Equal(t, info.Key, decoded)
	require.NoError(t, e.Enable(ctx, info))
	require.Equal(t, ReadyToBackUp, e.State())

	state, err = e.CheckVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, ReadyToBackUp, state)
	if !e.KeyMatches(info.Key) {
		t.Error("KeyMatches rejected the enabled key")
	}

	// A second version supersedes the first; the stored key is now stale.
	addSessions(t, store, 3)
	require.NoError(t, e.BackupNow(ctx))
	info2, err := e.PrepareVersion("hunter2", AlgorithmAES256)
	require.NoError(t, err)
	_, err = server.Session("@alice:lattica.org", "DEV").
		CreateBackupVersion(ctx, AlgorithmAES256, mustAuthData(t, info2))
	require.NoError(t, err)

	state, err = e.CheckVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, WrongVersion, state)
	if n := len(store.InboundGroup.NotBackedUp(0)); n != 3 {
		t.Errorf("Stale version did not reset escrow flags."+
			"\nexpected: %d\nreceived: %d", 3, n)
	}
	if err = e.BackupNow(ctx); !errors.Is(err, ErrWrongVersion) {
		t.Errorf("Backing up to a stale version returned wrong "+
			"error: %+v", err)
	}
}

func mustAuthData(t *testing.T, info PreparationInfo) []byte {
	t.Helper()
	alg, err := New(info.Algorithm, info.Key, nil)
	require.NoError(t, err)
	authData, err := alg.AuthData()
	require.NoError(t, err)
	return authData
}

// Tests the full escrow cycle: 50 sessions uploaded in batches, then a
// fresh device restores all of them with the recovery key.
func TestEngine_BackupRestore(t *testing.T) {
	server := transport.NewMemServer()
	e, store := newTestEngine(t, server, "@alice:lattica.org", "OLD")
	ctx := context.Background()

	info, err := e.PrepareVersion("", AlgorithmCurve25519)
	require.NoError(t, err)
	require.NoError(t, e.Enable(ctx, info))

	addSessions(t, store, 50)
	require.NoError(t, e.BackupNow(ctx))
	require.Equal(t, ReadyToBackUp, e.State())
	if n := len(store.InboundGroup.NotBackedUp(0)); n != 0 {
		t.Fatalf("%d sessions were left out of the backup", n)
	}
	vi, ok := store.Backup.Version()
	require.True(t, ok)
	require.Equal(t, 50, vi.Count)

	// A second run has nothing to upload and stays healthy.
	require.NoError(t, e.BackupNow(ctx))

	// The user mistypes the recovery key on the new device.
	fresh, freshStore := newTestEngine(t, server, "@alice:lattica.org",
		"NEW")
	wrong := make([]byte, recovery.KeyLen)
	if _, _, err = fresh.Restore(ctx, wrong); !errors.Is(err,
		ErrKeyMismatch) {
		t.Errorf("Restore with the wrong key returned wrong error: %+v",
			err)
	}

	// The fresh device discovers the server version, then validates the
	// recovery key against its auth data before trusting it.
	state, err := fresh.CheckVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, WrongVersion, state)
	decoded, err := recovery.Decode(info.RecoveryKey)
	require.NoError(t, err)
	require.True(t, fresh.KeyMatches(decoded))
	total, imported, err := fresh.Restore(ctx, decoded)
	require.NoError(t, err)
	if total != 50 || imported != 50 {
		t.Errorf("Restore reported wrong progress.\nexpected: (%d, %d)"+
			"\nreceived: (%d, %d)", 50, 50, total, imported)
	}
	if n := freshStore.InboundGroup.Count(); n != 50 {
		t.Errorf("Wrong number of restored sessions.\nexpected: %d"+
			"\nreceived: %d", 50, n)
	}

	// Restoring again changes nothing; imports are idempotent.
	_, _, err = fresh.Restore(ctx, decoded)
	require.NoError(t, err)
	if n := freshStore.InboundGroup.Count(); n != 50 {
		t.Errorf("Re-restore duplicated sessions: %d", n)
	}
}
