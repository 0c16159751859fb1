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
	"gitlab.com/xx_network/primitives/netTime"

	"gitlab.com/lattica/client-e2ee/storage/versioned"
)

const (
	ledgerPrefix  = "replayLedger"
	ledgerVersion = 0
	ledgerKeyFmt  = "Ledger:%s"
)

// ReplayLedger records which message indices have been decrypted per
// (timeline, session). A second decrypt of an already-seen index in the same
// timeline signals a replay. Indices may arrive in any order; only repeats
// are flagged.
type ReplayLedger struct {
	mux  sync.Mutex
	kv   *versioned.KV
	seen map[string]map[uint32]bool // timeline|session -> indices
}

// NewReplayLedger creates a replay ledger under the given KV. Entries are
// loaded lazily per (timeline, session).
func NewReplayLedger(kv *versioned.KV) *ReplayLedger {
	return &ReplayLedger{
		kv:   kv.Prefix(ledgerPrefix),
		seen: make(map[string]map[uint32]bool),
	}
}

func ledgerKey(timelineID, sessionID string) string {
	return timelineID + "|" + sessionID
}

// MarkDecrypted records that the given index was decrypted in the timeline,
// returning true if it had been seen before.
func (l *ReplayLedger) MarkDecrypted(timelineID, sessionID string,
	index uint32) (bool, error) {
	l.mux.Lock()
	defer l.mux.Unlock()

	key := ledgerKey(timelineID, sessionID)
	indices, err := l.load(key)
	if err != nil {
		return false, err
	}
	if indices[index] {
		return true, nil
	}
	indices[index] = true
	return false, l.persist(key, indices)
}

// ClearTimeline drops the ledger entry of a session within one timeline,
// used when a session is deleted.
func (l *ReplayLedger) ClearTimeline(timelineID, sessionID string) error {
	l.mux.Lock()
	defer l.mux.Unlock()
	key := ledgerKey(timelineID, sessionID)
	delete(l.seen, key)
	err := l.kv.Delete(fmt.Sprintf(ledgerKeyFmt, key), ledgerVersion)
	if err != nil && l.kv.Exists(err) {
		return errors.WithMessage(err, "failed to clear replay ledger")
	}
	return nil
}

func (l *ReplayLedger) load(key string) (map[uint32]bool, error) {
	if indices, ok := l.seen[key]; ok {
		return indices, nil
	}
	indices := make(map[uint32]bool)
	obj, err := l.kv.Get(fmt.Sprintf(ledgerKeyFmt, key), ledgerVersion)
	if err == nil {
		var list []uint32
		if err = json.Unmarshal(obj.Data, &list); err != nil {
			return nil, errors.WithMessage(err,
				"corrupt replay ledger entry")
		}
		for _, idx := range list {
			indices[idx] = true
		}
	} else if l.kv.Exists(err) {
		return nil, errors.WithMessage(err,
			"failed to load replay ledger entry")
	}
	l.seen[key] = indices
	return indices, nil
}

func (l *ReplayLedger) persist(key string, indices map[uint32]bool) error {
	list := make([]uint32, 0, len(indices))
	for idx := range indices {
		list = append(list, idx)
	}
	data, err := json.Marshal(list)
	if err != nil {
		return errors.WithMessage(err, "failed to marshal replay ledger")
	}
	return l.kv.Set(fmt.Sprintf(ledgerKeyFmt, key), &versioned.Object{
		Version:   ledgerVersion,
		Timestamp: netTime.Now(),
		Data:      data,
	})
}
