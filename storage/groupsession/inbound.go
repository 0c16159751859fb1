////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package groupsession

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/xx_network/primitives/netTime"

	"gitlab.com/lattica/client-e2ee/crypto/megolm"
	"gitlab.com/lattica/client-e2ee/storage/versioned"
)

const (
	inboundPrefix  = "inboundGroupSessions"
	inboundVersion = 0
	inboundKeyFmt  = "Inbound:%s"
	inboundIndex   = "InboundIndex"
)

// InboundMeta is the bookkeeping attached to an inbound session.
type InboundMeta struct {
	RoomID   string `json:"room_id"`
	SenderKey string `json:"sender_key"`
	// ClaimedKeys carries the sender's claimed signing keys from the key
	// share, e.g. "ed25519" -> base64 key.
	ClaimedKeys map[string]string `json:"claimed_keys,omitempty"`
	// Forwarded marks sessions received via key forwarding rather than a
	// direct share from the sender.
	Forwarded bool `json:"forwarded,omitempty"`
	BackedUp  bool `json:"backed_up"`
}

type inboundRecord struct {
	Pickle []byte      `json:"pickle"`
	Meta   InboundMeta `json:"meta"`
}

type inEntry struct {
	sess *megolm.InboundGroupSession
	meta InboundMeta
}

func inboundKey(senderKey, sessionID string) string {
	return senderKey + "|" + sessionID
}

// InboundStore holds the inbound group sessions keyed by
// (sender key, session ID).
type InboundStore struct {
	mux      sync.RWMutex
	kv       *versioned.KV
	sessions map[string]*inEntry
}

// NewInboundStore creates or loads the inbound store under the given KV.
func NewInboundStore(kv *versioned.KV) (*InboundStore, error) {
	s := &InboundStore{
		kv:       kv.Prefix(inboundPrefix),
		sessions: make(map[string]*inEntry),
	}

	obj, err := s.kv.Get(inboundIndex, inboundVersion)
	if err != nil {
		if s.kv.Exists(err) {
			return nil, errors.WithMessage(err,
				"failed to load inbound index")
		}
		return s, nil
	}
	var keys []string
	if err = json.Unmarshal(obj.Data, &keys); err != nil {
		return nil, errors.WithMessage(err, "corrupt inbound index")
	}
	for _, key := range keys {
		rObj, err := s.kv.Get(fmt.Sprintf(inboundKeyFmt, key),
			inboundVersion)
		if err != nil {
			jww.ERROR.Printf("Failed to load inbound session %s: %+v",
				key, err)
			continue
		}
		rec := inboundRecord{}
		if err = json.Unmarshal(rObj.Data, &rec); err != nil {
			jww.ERROR.Printf("Corrupt inbound record %s: %+v", key, err)
			continue
		}
		sess, err := megolm.UnpickleInboundGroupSession(rec.Pickle)
		if err != nil {
			jww.ERROR.Printf("Failed to unpickle inbound session "+
				"%s: %+v", key, err)
			continue
		}
		s.sessions[key] = &inEntry{sess: sess, meta: rec.Meta}
	}
	return s, nil
}

// Add stores an inbound session. It is idempotent: if the session is already
// known at an earlier or equal first-known index, the stored ratchet is kept
// (never regressed) and Add returns false. A strictly earlier-index copy of
// a known session replaces it, widening the decryptable range.
func (s *InboundStore) Add(sess *megolm.InboundGroupSession,
	meta InboundMeta) (bool, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	key := inboundKey(meta.SenderKey, sess.ID())
	if existing, ok := s.sessions[key]; ok {
		if existing.sess.FirstKnownIndex() <= sess.FirstKnownIndex() {
			return false, nil
		}
		// The new copy reaches further back; replace but keep the
		// backup flag cleared so the better copy gets escrowed.
		meta.BackedUp = false
	}

	e := &inEntry{sess: sess, meta: meta}
	s.sessions[key] = e
	if err := s.persist(key, e); err != nil {
		return false, err
	}
	return true, s.saveIndex()
}

// Get returns the session and its bookkeeping. The returned session is
// safe for concurrent decrypt calls; its stored state is immutable.
func (s *InboundStore) Get(senderKey, sessionID string) (
	*megolm.InboundGroupSession, InboundMeta, bool) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	e, ok := s.sessions[inboundKey(senderKey, sessionID)]
	if !ok {
		return nil, InboundMeta{}, false
	}
	return e.sess, e.meta, true
}

// Count returns the number of stored inbound sessions.
func (s *InboundStore) Count() int {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return len(s.sessions)
}

// ForEach calls fn for every stored session until fn returns false.
func (s *InboundStore) ForEach(
	fn func(sess *megolm.InboundGroupSession, meta InboundMeta) bool) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	for _, e := range s.sessions {
		if !fn(e.sess, e.meta) {
			return
		}
	}
}

// BackupCandidate pairs a session with its bookkeeping for the uploader.
type BackupCandidate struct {
	Sess *megolm.InboundGroupSession
	Meta InboundMeta
}

// NotBackedUp returns up to limit sessions that have not been escrowed to
// the current backup version. limit <= 0 means no limit.
func (s *InboundStore) NotBackedUp(limit int) []BackupCandidate {
	s.mux.RLock()
	defer s.mux.RUnlock()
	var out []BackupCandidate
	for _, e := range s.sessions {
		if e.meta.BackedUp {
			continue
		}
		out = append(out, BackupCandidate{Sess: e.sess, Meta: e.meta})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// MarkBackedUp flags a session as escrowed to the current backup version.
func (s *InboundStore) MarkBackedUp(senderKey, sessionID string) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	key := inboundKey(senderKey, sessionID)
	e, ok := s.sessions[key]
	if !ok {
		return errors.Errorf("unknown inbound session %s", key)
	}
	e.meta.BackedUp = true
	return s.persist(key, e)
}

// ResetBackedUp clears the backup flag on every session. Called when backup
// is disabled or the backup version changes.
func (s *InboundStore) ResetBackedUp() error {
	s.mux.Lock()
	defer s.mux.Unlock()
	for key, e := range s.sessions {
		if !e.meta.BackedUp {
			continue
		}
		e.meta.BackedUp = false
		if err := s.persist(key, e); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes an inbound session.
func (s *InboundStore) Delete(senderKey, sessionID string) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	key := inboundKey(senderKey, sessionID)
	if _, ok := s.sessions[key]; !ok {
		return nil
	}
	delete(s.sessions, key)
	if err := s.kv.Delete(fmt.Sprintf(inboundKeyFmt, key),
		inboundVersion); err != nil {
		return errors.WithMessage(err, "failed to delete inbound session")
	}
	return s.saveIndex()
}

func (s *InboundStore) persist(key string, e *inEntry) error {
	rec := inboundRecord{Pickle: e.sess.Pickle(), Meta: e.meta}
	data, err := json.Marshal(&rec)
	if err != nil {
		return errors.WithMessage(err, "failed to marshal inbound record")
	}
	return s.kv.Set(fmt.Sprintf(inboundKeyFmt, key), &versioned.Object{
		Version:   inboundVersion,
		Timestamp: netTime.Now(),
		Data:      data,
	})
}

func (s *InboundStore) saveIndex() error {
	keys := make([]string, 0, len(s.sessions))
	for key := range s.sessions {
		keys = append(keys, key)
	}
	data, err := json.Marshal(keys)
	if err != nil {
		return errors.WithMessage(err, "failed to marshal inbound index")
	}
	return s.kv.Set(inboundIndex, &versioned.Object{
		Version:   inboundVersion,
		Timestamp: netTime.Now(),
		Data:      data,
	})
}
