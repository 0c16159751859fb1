////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package pairwise owns the pickled olm sessions and the exclusive-operation
// contract through which their ratchets are mutated. A session ratchet is
// only ever advanced inside DoSession, which checks the live object out under
// a per-session lock and persists the post-operation pickle before the lock
// is released. Two callers can therefore never advance the same ratchet from
// a stale snapshot, even when the crypto and decryption queues target the
// same session.
package pairwise

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/xx_network/primitives/netTime"

	"gitlab.com/lattica/client-e2ee/crypto/olm"
	"gitlab.com/lattica/client-e2ee/storage/versioned"
)

const (
	storePrefix    = "pairwiseSessions"
	sessionVersion = 0
	sessionKeyFmt  = "Session:%s"
	indexKey       = "SessionIndex"
	indexVersion   = 0
)

// ErrUnknownSession is returned for operations on a session ID that is not
// in the store.
var ErrUnknownSession = errors.New("pairwise: unknown session")

type sessionRecord struct {
	Pickle          []byte    `json:"pickle"`
	PeerIdentityKey string    `json:"peer_identity_key"`
	LastUsed        time.Time `json:"last_used"`
}

type entry struct {
	mux      sync.Mutex
	sess     *olm.Session
	lastUsed time.Time
}

// Manager is the durable set of pairwise sessions.
type Manager struct {
	mux      sync.RWMutex
	kv       *versioned.KV
	sessions map[string]*entry
}

// NewManager creates or loads the pairwise session store under the given KV.
func NewManager(kv *versioned.KV) (*Manager, error) {
	m := &Manager{
		kv:       kv.Prefix(storePrefix),
		sessions: make(map[string]*entry),
	}

	obj, err := m.kv.Get(indexKey, indexVersion)
	if err != nil {
		if m.kv.Exists(err) {
			return nil, errors.WithMessage(err,
				"failed to load session index")
		}
		return m, nil
	}

	var ids []string
	if err = json.Unmarshal(obj.Data, &ids); err != nil {
		return nil, errors.WithMessage(err, "corrupt session index")
	}
	for _, id := range ids {
		rec, err := m.loadRecord(id)
		if err != nil {
			jww.ERROR.Printf("Failed to load session %s: %+v", id, err)
			continue
		}
		sess, err := olm.UnpickleSession(rec.Pickle)
		if err != nil {
			jww.ERROR.Printf("Failed to unpickle session %s: %+v",
				id, err)
			continue
		}
		m.sessions[id] = &entry{sess: sess, lastUsed: rec.LastUsed}
	}
	return m, nil
}

// AddSession stores a newly established session and persists it.
func (m *Manager) AddSession(sess *olm.Session) error {
	m.mux.Lock()
	defer m.mux.Unlock()

	e := &entry{sess: sess, lastUsed: netTime.Now()}
	m.sessions[sess.ID()] = e
	if err := m.persist(sess, e.lastUsed); err != nil {
		return err
	}
	return m.saveIndex()
}

// DoSession runs fn with exclusive access to the live session object. The
// post-operation pickle is persisted before the exclusive access is
// released. If fn fails, the in-memory object is rolled back to the last
// persisted state so a half-advanced ratchet is never observable.
func (m *Manager) DoSession(sessionID string, fn func(*olm.Session) error) error {
	m.mux.RLock()
	e, ok := m.sessions[sessionID]
	m.mux.RUnlock()
	if !ok {
		return ErrUnknownSession
	}

	e.mux.Lock()
	defer e.mux.Unlock()

	if err := fn(e.sess); err != nil {
		rec, loadErr := m.loadRecord(sessionID)
		if loadErr == nil {
			if sess, upErr := olm.UnpickleSession(rec.Pickle); upErr == nil {
				e.sess = sess
			}
		}
		return err
	}

	e.lastUsed = netTime.Now()
	return m.persist(e.sess, e.lastUsed)
}

// PreferredSession returns the most recently used session for the given peer
// identity key, the one new sends should use.
func (m *Manager) PreferredSession(peerIdentityKey string) (string, bool) {
	m.mux.RLock()
	defer m.mux.RUnlock()

	var best string
	var bestTime time.Time
	for id, e := range m.sessions {
		if e.sess.PeerIdentityKey() != peerIdentityKey {
			continue
		}
		if best == "" || e.lastUsed.After(bestTime) {
			best, bestTime = id, e.lastUsed
		}
	}
	return best, best != ""
}

// HasSession reports whether any session exists for the peer identity key.
func (m *Manager) HasSession(peerIdentityKey string) bool {
	_, ok := m.PreferredSession(peerIdentityKey)
	return ok
}

// SessionIDs returns every stored session ID for the peer, unordered.
func (m *Manager) SessionIDs(peerIdentityKey string) []string {
	m.mux.RLock()
	defer m.mux.RUnlock()
	var out []string
	for id, e := range m.sessions {
		if e.sess.PeerIdentityKey() == peerIdentityKey {
			out = append(out, id)
		}
	}
	return out
}

// Delete removes a session from the store.
func (m *Manager) Delete(sessionID string) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return nil
	}
	delete(m.sessions, sessionID)
	if err := m.kv.Delete(fmt.Sprintf(sessionKeyFmt, sessionID),
		sessionVersion); err != nil {
		return errors.WithMessage(err, "failed to delete session record")
	}
	return m.saveIndex()
}

func (m *Manager) loadRecord(sessionID string) (*sessionRecord, error) {
	obj, err := m.kv.Get(fmt.Sprintf(sessionKeyFmt, sessionID),
		sessionVersion)
	if err != nil {
		return nil, err
	}
	rec := &sessionRecord{}
	if err = json.Unmarshal(obj.Data, rec); err != nil {
		return nil, errors.WithMessage(err, "corrupt session record")
	}
	return rec, nil
}

func (m *Manager) persist(sess *olm.Session, lastUsed time.Time) error {
	rec := sessionRecord{
		Pickle:          sess.Pickle(),
		PeerIdentityKey: sess.PeerIdentityKey(),
		LastUsed:        lastUsed,
	}
	data, err := json.Marshal(&rec)
	if err != nil {
		return errors.WithMessage(err, "failed to marshal session record")
	}
	return m.kv.Set(fmt.Sprintf(sessionKeyFmt, sess.ID()),
		&versioned.Object{
			Version:   sessionVersion,
			Timestamp: netTime.Now(),
			Data:      data,
		})
}

func (m *Manager) saveIndex() error {
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return errors.WithMessage(err, "failed to marshal session index")
	}
	return m.kv.Set(indexKey, &versioned.Object{
		Version:   indexVersion,
		Timestamp: netTime.Now(),
		Data:      data,
	})
}
