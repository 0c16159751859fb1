////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package backup escrows inbound group session keys to the server,
// encrypted under a backup key the server never sees, and restores them on
// a fresh device from the recovery key.
package backup

import (
	"context"
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"go.uber.org/ratelimit"
	"golang.org/x/crypto/argon2"
	"golang.org/x/sync/errgroup"

	"gitlab.com/lattica/client-e2ee/crypto/recovery"
	"gitlab.com/lattica/client-e2ee/e2e"
	"gitlab.com/lattica/client-e2ee/event"
	"gitlab.com/lattica/client-e2ee/stoppable"
	"gitlab.com/lattica/client-e2ee/storage"
	"gitlab.com/lattica/client-e2ee/storage/backupstate"
	"gitlab.com/lattica/client-e2ee/storage/groupsession"
	"gitlab.com/lattica/client-e2ee/transport"
)

var (
	// ErrWrongVersion means the local backup state no longer matches the
	// server's current version; a new CheckVersion or Enable is needed.
	ErrWrongVersion = errors.New("backup: version is no longer current")

	// ErrKeyMismatch means a candidate private key does not open this
	// backup.
	ErrKeyMismatch = errors.New("backup: key does not match auth data")

	// ErrDisabled means no backup version is configured.
	ErrDisabled = errors.New("backup: no backup version configured")
)

// State is where the backup engine is in its lifecycle.
type State uint8

const (
	Unknown State = iota
	CheckingVersion
	Disabled
	WrongVersion
	Enabling
	ReadyToBackUp
	WillBackUp
	BackingUp
)

func (s State) String() string {
	switch s {
	case Unknown:
		return "Unknown"
	case CheckingVersion:
		return "CheckingVersion"
	case Disabled:
		return "Disabled"
	case WrongVersion:
		return "WrongVersion"
	case Enabling:
		return "Enabling"
	case ReadyToBackUp:
		return "ReadyToBackUp"
	case WillBackUp:
		return "WillBackUp"
	case BackingUp:
		return "BackingUp"
	default:
		return "Invalid"
	}
}

// Params tunes the uploader.
type Params struct {
	// BatchSize bounds how many sessions go in one upload request.
	BatchSize int

	// DebounceDelay is how long a scheduled backup waits for more keys
	// to arrive before uploading.
	DebounceDelay time.Duration

	// UploadsPerSecond paces upload requests.
	UploadsPerSecond int

	// RestoreWorkers bounds how many blobs decrypt in parallel during a
	// restore.
	RestoreWorkers int
}

// GetDefaultParams returns the default uploader tuning.
func GetDefaultParams() Params {
	return Params{
		BatchSize:        25,
		DebounceDelay:    time.Second,
		UploadsPerSecond: 2,
		RestoreWorkers:   4,
	}
}

// PreparationInfo is the output of PrepareVersion, held by the caller until
// the user confirms and Enable is called. RecoveryKey is shown to the user
// exactly once and never stored.
type PreparationInfo struct {
	Algorithm   string
	RecoveryKey string
	Key         []byte
}

// Argon2 parameters for the password-derived backup key.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
)

const uploaderStoppable = "keyBackupUploader"

// Engine is the key backup engine for one device.
type Engine struct {
	mux    sync.Mutex
	state  State
	store  *storage.Store
	engine *e2e.Manager
	client transport.BackupClient
	events event.Bus
	params Params

	limiter ratelimit.Limiter
	trigger chan struct{}
}

// NewEngine creates a backup engine over the crypto engine's store.
func NewEngine(engine *e2e.Manager, client transport.BackupClient,
	events event.Bus, params Params) *Engine {
	return &Engine{
		state:   Unknown,
		store:   engine.Store(),
		engine:  engine,
		client:  client,
		events:  events,
		params:  params,
		limiter: ratelimit.New(params.UploadsPerSecond),
		trigger: make(chan struct{}, 1),
	}
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State {
	e.mux.Lock()
	defer e.mux.Unlock()
	return e.state
}

// setState transitions and broadcasts. Callers hold e.mux.
func (e *Engine) setState(next State) {
	if e.state == next {
		return
	}
	jww.DEBUG.Printf("Backup state %s -> %s", e.state, next)
	old := e.state
	e.state = next
	e.events.Fire(event.BackupStateChanged, map[string]string{
		"old": old.String(),
		"new": next.String(),
	})
}

// keyOpens reports whether key is the private key behind the version's
// auth data.
func keyOpens(key []byte, vi backupstate.VersionInfo) bool {
	a, err := New(vi.Algorithm, key, vi.AuthData)
	return err == nil && a.KeyMatches(key)
}

// CheckVersion asks the server for its current backup version and settles
// the engine into Disabled, WrongVersion, or ReadyToBackUp.
func (e *Engine) CheckVersion(ctx context.Context) (State, error) {
	e.mux.Lock()
	defer e.mux.Unlock()
	e.setState(CheckingVersion)

	vi, err := e.client.GetBackupVersion(ctx)
	if errors.Is(err, transport.ErrNoBackup) {
		if clearErr := e.store.Backup.ClearVersion(); clearErr != nil {
			jww.ERROR.Printf("Failed to clear backup state: %+v",
				clearErr)
		}
		e.setState(Disabled)
		return Disabled, nil
	}
	if err != nil {
		e.setState(Unknown)
		return Unknown, errors.WithMessage(err,
			"failed to fetch backup version")
	}
	if err = e.store.Backup.SetVersion(vi); err != nil {
		e.setState(Unknown)
		return Unknown, err
	}

	key, keyVersion, ok := e.store.Backup.BackupKey()
	if !ok || keyVersion != vi.Version || !keyOpens(key, vi) {
		// The escrow flags belong to a version this device cannot
		// write to anymore.
		err = e.store.InboundGroup.ResetBackedUp()
		if err != nil {
			jww.ERROR.Printf("Failed to reset backup flags: %+v", err)
		}
		e.setState(WrongVersion)
		return WrongVersion, nil
	}
	e.setState(ReadyToBackUp)
	return ReadyToBackUp, nil
}

// PrepareVersion derives a fresh backup key, from a password when one is
// given and from a random secret otherwise, under the named algorithm.
// Nothing touches the server until Enable.
func (e *Engine) PrepareVersion(password, algorithm string) (
	PreparationInfo, error) {
	key := make([]byte, recovery.KeyLen)
	if password == "" {
		if _, err := io.ReadFull(rand.Reader, key); err != nil {
			return PreparationInfo{}, errors.WithMessage(err,
				"failed to generate backup key")
		}
	} else {
		salt := make([]byte, 16)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return PreparationInfo{}, errors.WithMessage(err,
				"failed to generate key salt")
		}
		key = argon2.IDKey([]byte(password), salt, argonTime,
			argonMemory, argonThreads, recovery.KeyLen)
	}

	// Reject unknown algorithms before the user writes the key down.
	if _, err := New(algorithm, key, nil); err != nil {
		return PreparationInfo{}, err
	}
	recoveryKey, err := recovery.Encode(key)
	if err != nil {
		return PreparationInfo{}, err
	}
	return PreparationInfo{
		Algorithm:   algorithm,
		RecoveryKey: recoveryKey,
		Key:         key,
	}, nil
}

// Enable creates a new backup version on the server from prepared info and
// stores the key against it. Every session becomes eligible for escrow.
func (e *Engine) Enable(ctx context.Context, info PreparationInfo) error {
	e.mux.Lock()
	defer e.mux.Unlock()
	e.setState(Enabling)

	alg, err := New(info.Algorithm, info.Key, nil)
	if err != nil {
		e.setState(Unknown)
		return err
	}
	authData, err := alg.AuthData()
	if err != nil {
		e.setState(Unknown)
		return err
	}
	version, err := e.client.CreateBackupVersion(ctx, info.Algorithm,
		authData)
	if err != nil {
		e.setState(Unknown)
		return errors.WithMessage(err, "failed to create backup version")
	}

	err = e.store.Backup.SetVersion(backupstate.VersionInfo{
		Version:   version,
		Algorithm: info.Algorithm,
		AuthData:  authData,
	})
	if err != nil {
		e.setState(Unknown)
		return err
	}
	if err = e.store.Backup.SetBackupKey(info.Key, version); err != nil {
		e.setState(Unknown)
		return err
	}
	if err = e.store.InboundGroup.ResetBackedUp(); err != nil {
		return err
	}
	jww.INFO.Printf("Key backup enabled as version %s (%s)", version,
		info.Algorithm)
	e.setState(ReadyToBackUp)
	return nil
}

// Disable deletes the current backup version on the server and forgets the
// local key and escrow flags.
func (e *Engine) Disable(ctx context.Context) error {
	e.mux.Lock()
	defer e.mux.Unlock()

	if vi, ok := e.store.Backup.Version(); ok {
		err := e.client.DeleteBackupVersion(ctx, vi.Version)
		if err != nil {
			return errors.WithMessage(err,
				"failed to delete backup version")
		}
	}
	if err := e.store.Backup.ClearVersion(); err != nil {
		return err
	}
	if err := e.store.InboundGroup.ResetBackedUp(); err != nil {
		return err
	}
	e.setState(Disabled)
	return nil
}

// KeyMatches reports whether a candidate private key, typically decoded
// from a user-entered recovery key, opens the stored backup version.
func (e *Engine) KeyMatches(privateKey []byte) bool {
	vi, ok := e.store.Backup.Version()
	return ok && keyOpens(privateKey, vi)
}

// ScheduleBackup marks that new keys are waiting and nudges the uploader.
// The actual upload happens after the debounce delay so bursts of arriving
// keys coalesce into one request.
func (e *Engine) ScheduleBackup() {
	e.mux.Lock()
	if e.state != ReadyToBackUp && e.state != WillBackUp {
		e.mux.Unlock()
		return
	}
	e.setState(WillBackUp)
	e.mux.Unlock()

	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Service starts the debounced uploader.
func (e *Engine) Service() (stoppable.Stoppable, error) {
	stop := stoppable.NewSingle(uploaderStoppable)
	go e.uploader(stop)
	return stop, nil
}

func (e *Engine) uploader(stop *stoppable.Single) {
	for {
		select {
		case <-stop.Quit():
			stop.ToStopped()
			return
		case <-e.trigger:
		}

		t := time.NewTimer(e.params.DebounceDelay)
		select {
		case <-stop.Quit():
			t.Stop()
			stop.ToStopped()
			return
		case <-t.C:
		}

		if err := e.BackupNow(context.Background()); err != nil {
			jww.WARN.Printf("Scheduled backup failed: %+v", err)
		}
	}
}

// BackupNow uploads every un-escrowed session in bounded batches, marking
// each one backed up only after the server acknowledges its batch.
func (e *Engine) BackupNow(ctx context.Context) error {
	e.mux.Lock()
	defer e.mux.Unlock()

	vi, ok := e.store.Backup.Version()
	if !ok {
		e.setState(Disabled)
		return ErrDisabled
	}
	key, keyVersion, ok := e.store.Backup.BackupKey()
	if !ok || keyVersion != vi.Version {
		e.setState(WrongVersion)
		return ErrWrongVersion
	}
	alg, err := New(vi.Algorithm, key, vi.AuthData)
	if err != nil {
		e.setState(WrongVersion)
		return err
	}
	e.setState(BackingUp)

	pending := e.store.InboundGroup.NotBackedUp(0)
	for start := 0; start < len(pending); start += e.params.BatchSize {
		end := start + e.params.BatchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		rooms := make(map[string]transport.RoomKeyBackup)
		sealed := make([]groupsession.BackupCandidate, 0, len(batch))
		for _, cand := range batch {
			data, sealErr := e.sealSession(alg, cand)
			if sealErr != nil {
				jww.WARN.Printf("Failed to seal session %s for "+
					"backup: %+v", cand.Sess.ID(), sealErr)
				continue
			}
			if rooms[cand.Meta.RoomID] == nil {
				rooms[cand.Meta.RoomID] = make(transport.RoomKeyBackup)
			}
			rooms[cand.Meta.RoomID][cand.Sess.ID()] = data
			sealed = append(sealed, cand)
		}
		if len(sealed) == 0 {
			continue
		}

		e.limiter.Take()
		count, etag, putErr := e.client.PutBackupKeys(ctx, vi.Version,
			rooms)
		if errors.Is(putErr, transport.ErrVersionConflict) {
			e.setState(WrongVersion)
			return errors.WithMessage(ErrWrongVersion, putErr.Error())
		}
		if putErr != nil {
			e.setState(ReadyToBackUp)
			return errors.WithMessage(putErr,
				"failed to upload backup batch")
		}

		for _, cand := range sealed {
			err = e.store.InboundGroup.MarkBackedUp(
				cand.Meta.SenderKey, cand.Sess.ID())
			if err != nil {
				jww.ERROR.Printf("Failed to mark session %s backed "+
					"up: %+v", cand.Sess.ID(), err)
			}
		}
		vi.Count = count
		vi.Etag = etag
		if err = e.store.Backup.SetVersion(vi); err != nil {
			jww.ERROR.Printf("Failed to record backup progress: %+v",
				err)
		}
		jww.DEBUG.Printf("Backed up %d sessions to version %s "+
			"(server count %d)", len(sealed), vi.Version, count)
	}

	e.setState(ReadyToBackUp)
	return nil
}

// sealSession exports one inbound session at its earliest index and
// encrypts it for escrow.
func (e *Engine) sealSession(alg Algorithm,
	cand groupsession.BackupCandidate) (transport.KeyBackupData, error) {
	exported, err := cand.Sess.Export(cand.Sess.FirstKnownIndex())
	if err != nil {
		return transport.KeyBackupData{}, err
	}
	blob, err := alg.Encrypt(SessionExport{
		Algorithm:         e2e.AlgorithmMegolm,
		RoomID:            cand.Meta.RoomID,
		SenderKey:         cand.Meta.SenderKey,
		SessionID:         cand.Sess.ID(),
		SessionKey:        exported,
		SenderClaimedKeys: cand.Meta.ClaimedKeys,
	})
	if err != nil {
		return transport.KeyBackupData{}, err
	}
	return transport.KeyBackupData{
		FirstMessageIndex: cand.Sess.FirstKnownIndex(),
		SessionData:       blob,
	}, nil
}

// Restore downloads the backup and imports every session the private key
// can open. It reports how many sessions the backup held and how many were
// imported; individual failures are logged and skipped, never fatal.
func (e *Engine) Restore(ctx context.Context, privateKey []byte) (total,
	imported int, err error) {
	vi, err := e.client.GetBackupVersion(ctx)
	if err != nil {
		return 0, 0, errors.WithMessage(err,
			"failed to fetch backup version")
	}
	alg, err := New(vi.Algorithm, privateKey, vi.AuthData)
	if err != nil {
		return 0, 0, errors.WithMessage(ErrKeyMismatch, err.Error())
	}

	backups, err := e.client.GetBackupKeys(ctx, vi.Version)
	if err != nil {
		return 0, 0, errors.WithMessage(err,
			"failed to download backup")
	}

	type blob struct {
		roomID    string
		sessionID string
		data      transport.KeyBackupData
	}
	var blobs []blob
	for roomID, room := range backups {
		for sessionID, data := range room {
			blobs = append(blobs, blob{roomID, sessionID, data})
		}
	}
	total = len(blobs)

	var mux sync.Mutex
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(e.params.RestoreWorkers)
	for _, b := range blobs {
		b := b
		g.Go(func() error {
			exp, decErr := alg.Decrypt(b.data.SessionData)
			if decErr != nil {
				jww.WARN.Printf("Failed to open backup blob for "+
					"session %s: %+v", b.sessionID, decErr)
				return nil
			}
			if exp.SessionID != b.sessionID || exp.RoomID != b.roomID {
				jww.WARN.Printf("Backup blob for session %s carries "+
					"mismatched identifiers; skipping", b.sessionID)
				return nil
			}
			impErr := e.engine.AddInboundRoomKey(e2e.RoomKeyContent{
				Algorithm:  exp.Algorithm,
				RoomID:     exp.RoomID,
				SessionID:  exp.SessionID,
				SessionKey: exp.SessionKey,
				ChainIndex: b.data.FirstMessageIndex,
			}, exp.SenderKey, exp.SenderClaimedKeys, true)
			if impErr != nil {
				jww.WARN.Printf("Failed to import restored session "+
					"%s: %+v", b.sessionID, impErr)
				return nil
			}
			mux.Lock()
			imported++
			mux.Unlock()
			return nil
		})
	}
	// Workers never return errors; Wait just joins them.
	_ = g.Wait()

	jww.INFO.Printf("Restored %d of %d sessions from backup version %s",
		imported, total, vi.Version)
	return total, imported, nil
}
