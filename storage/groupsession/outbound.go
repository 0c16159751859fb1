////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package groupsession stores megolm group sessions: the single active
// outbound session per room with its sharing bookkeeping, the inbound
// sessions keyed by (sender key, session ID) with their backup flags, and
// the per-timeline replay ledger.
package groupsession

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/xx_network/primitives/netTime"

	"gitlab.com/lattica/client-e2ee/crypto/megolm"
	"gitlab.com/lattica/client-e2ee/storage/versioned"
)

const (
	outboundPrefix  = "outboundGroupSessions"
	outboundVersion = 0
	outboundKeyFmt  = "Outbound:%s"
	outboundIndex   = "OutboundIndex"
)

// OutboundMeta is the sharing bookkeeping attached to an outbound session.
type OutboundMeta struct {
	RoomID    string    `json:"room_id"`
	CreatedAt time.Time `json:"created_at"`
	// SharedWith maps device storage key (user|device) to the message
	// index the session key was exported at for that device.
	SharedWith map[string]uint32 `json:"shared_with"`
}

type outboundRecord struct {
	Pickle []byte       `json:"pickle"`
	Meta   OutboundMeta `json:"meta"`
}

type outEntry struct {
	mux  sync.Mutex
	sess *megolm.OutboundGroupSession
	meta OutboundMeta
}

// OutboundStore holds at most one active outbound group session per room.
type OutboundStore struct {
	mux   sync.RWMutex
	kv    *versioned.KV
	rooms map[string]*outEntry
}

// NewOutboundStore creates or loads the outbound store under the given KV.
func NewOutboundStore(kv *versioned.KV) (*OutboundStore, error) {
	s := &OutboundStore{
		kv:    kv.Prefix(outboundPrefix),
		rooms: make(map[string]*outEntry),
	}

	obj, err := s.kv.Get(outboundIndex, outboundVersion)
	if err != nil {
		if s.kv.Exists(err) {
			return nil, errors.WithMessage(err,
				"failed to load outbound index")
		}
		return s, nil
	}
	var roomIDs []string
	if err = json.Unmarshal(obj.Data, &roomIDs); err != nil {
		return nil, errors.WithMessage(err, "corrupt outbound index")
	}
	for _, roomID := range roomIDs {
		rObj, err := s.kv.Get(fmt.Sprintf(outboundKeyFmt, roomID),
			outboundVersion)
		if err != nil {
			jww.ERROR.Printf("Failed to load outbound session for "+
				"%s: %+v", roomID, err)
			continue
		}
		rec := outboundRecord{}
		if err = json.Unmarshal(rObj.Data, &rec); err != nil {
			jww.ERROR.Printf("Corrupt outbound record for %s: %+v",
				roomID, err)
			continue
		}
		sess, err := megolm.UnpickleOutboundGroupSession(rec.Pickle)
		if err != nil {
			jww.ERROR.Printf("Failed to unpickle outbound session "+
				"for %s: %+v", roomID, err)
			continue
		}
		s.rooms[roomID] = &outEntry{sess: sess, meta: rec.Meta}
	}
	return s, nil
}

// Set installs a new active outbound session for the room, replacing (and
// discarding) any previous one.
func (s *OutboundStore) Set(roomID string, sess *megolm.OutboundGroupSession) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	e := &outEntry{
		sess: sess,
		meta: OutboundMeta{
			RoomID:     roomID,
			CreatedAt:  netTime.Now(),
			SharedWith: make(map[string]uint32),
		},
	}
	s.rooms[roomID] = e
	if err := s.persist(roomID, e); err != nil {
		return err
	}
	return s.saveIndex()
}

// Do runs fn with exclusive access to the room's live outbound session and
// its sharing bookkeeping, persisting the post-operation state before the
// exclusive access is released. Returns false without calling fn when the
// room has no active session.
func (s *OutboundStore) Do(roomID string,
	fn func(sess *megolm.OutboundGroupSession, meta *OutboundMeta) error) (
	bool, error) {
	s.mux.RLock()
	e, ok := s.rooms[roomID]
	s.mux.RUnlock()
	if !ok {
		return false, nil
	}

	e.mux.Lock()
	defer e.mux.Unlock()

	if err := fn(e.sess, &e.meta); err != nil {
		return true, err
	}
	return true, s.persist(roomID, e)
}

// Info returns the session ID, next message index, and creation time of the
// room's active session.
func (s *OutboundStore) Info(roomID string) (sessionID string, index uint32,
	createdAt time.Time, ok bool) {
	s.mux.RLock()
	e, found := s.rooms[roomID]
	s.mux.RUnlock()
	if !found {
		return "", 0, time.Time{}, false
	}
	e.mux.Lock()
	defer e.mux.Unlock()
	return e.sess.ID(), e.sess.MessageIndex(), e.meta.CreatedAt, true
}

// Remove discards the room's active outbound session, forcing the next send
// to create a fresh one.
func (s *OutboundStore) Remove(roomID string) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if _, ok := s.rooms[roomID]; !ok {
		return nil
	}
	delete(s.rooms, roomID)
	if err := s.kv.Delete(fmt.Sprintf(outboundKeyFmt, roomID),
		outboundVersion); err != nil {
		return errors.WithMessage(err,
			"failed to delete outbound session")
	}
	return s.saveIndex()
}

func (s *OutboundStore) persist(roomID string, e *outEntry) error {
	rec := outboundRecord{Pickle: e.sess.Pickle(), Meta: e.meta}
	data, err := json.Marshal(&rec)
	if err != nil {
		return errors.WithMessage(err,
			"failed to marshal outbound record")
	}
	return s.kv.Set(fmt.Sprintf(outboundKeyFmt, roomID), &versioned.Object{
		Version:   outboundVersion,
		Timestamp: netTime.Now(),
		Data:      data,
	})
}

func (s *OutboundStore) saveIndex() error {
	roomIDs := make([]string, 0, len(s.rooms))
	for roomID := range s.rooms {
		roomIDs = append(roomIDs, roomID)
	}
	data, err := json.Marshal(roomIDs)
	if err != nil {
		return errors.WithMessage(err, "failed to marshal outbound index")
	}
	return s.kv.Set(outboundIndex, &versioned.Object{
		Version:   outboundVersion,
		Timestamp: netTime.Now(),
		Data:      data,
	})
}
