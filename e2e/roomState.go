////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package e2e

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/xx_network/primitives/netTime"

	"gitlab.com/lattica/client-e2ee/storage/versioned"
)

const (
	roomStatePrefix  = "roomState"
	roomStateVersion = 0
	roomFmt          = "Room:%s"
	roomIndex        = "RoomIndex"
)

// roomInfo is the persisted encryption state of one room.
type roomInfo struct {
	Encrypted bool     `json:"encrypted"`
	Members   []string `json:"members"`
}

// roomState tracks which rooms are encrypted and who is in them. Membership
// drives room key sharing, so it must be updated before encrypting.
type roomState struct {
	mux   sync.RWMutex
	kv    *versioned.KV
	rooms map[string]*roomInfo
}

func newRoomState(kv *versioned.KV) (*roomState, error) {
	rs := &roomState{
		kv:    kv.Prefix(roomStatePrefix),
		rooms: make(map[string]*roomInfo),
	}

	obj, err := rs.kv.Get(roomIndex, roomStateVersion)
	if err != nil {
		if rs.kv.Exists(err) {
			return nil, errors.WithMessage(err,
				"failed to load room index")
		}
		return rs, nil
	}
	var roomIDs []string
	if err = json.Unmarshal(obj.Data, &roomIDs); err != nil {
		return nil, errors.WithMessage(err, "corrupt room index")
	}
	for _, roomID := range roomIDs {
		rObj, err := rs.kv.Get(fmt.Sprintf(roomFmt, roomID),
			roomStateVersion)
		if err != nil {
			jww.ERROR.Printf("Failed to load room state %s: %+v",
				roomID, err)
			continue
		}
		info := &roomInfo{}
		if err = json.Unmarshal(rObj.Data, info); err != nil {
			jww.ERROR.Printf("Corrupt room state %s: %+v", roomID, err)
			continue
		}
		rs.rooms[roomID] = info
	}
	return rs, nil
}

// ensureEncrypted turns encryption on for a room. Encryption cannot be
// turned off again; downgrades are ignored on real servers and here too.
func (rs *roomState) ensureEncrypted(roomID string) error {
	rs.mux.Lock()
	defer rs.mux.Unlock()

	info, ok := rs.rooms[roomID]
	if !ok {
		info = &roomInfo{}
		rs.rooms[roomID] = info
	}
	if info.Encrypted {
		return nil
	}
	info.Encrypted = true
	if err := rs.persist(roomID, info); err != nil {
		return err
	}
	if !ok {
		return rs.saveIndex()
	}
	return nil
}

// isEncrypted reports whether the room has encryption enabled.
func (rs *roomState) isEncrypted(roomID string) bool {
	rs.mux.RLock()
	defer rs.mux.RUnlock()
	info, ok := rs.rooms[roomID]
	return ok && info.Encrypted
}

// setMembers replaces the room's member list.
func (rs *roomState) setMembers(roomID string, members []string) error {
	rs.mux.Lock()
	defer rs.mux.Unlock()

	info, ok := rs.rooms[roomID]
	if !ok {
		info = &roomInfo{}
		rs.rooms[roomID] = info
	}
	info.Members = append([]string(nil), members...)
	if err := rs.persist(roomID, info); err != nil {
		return err
	}
	if !ok {
		return rs.saveIndex()
	}
	return nil
}

// members returns the room's member list.
func (rs *roomState) members(roomID string) []string {
	rs.mux.RLock()
	defer rs.mux.RUnlock()
	info, ok := rs.rooms[roomID]
	if !ok {
		return nil
	}
	return append([]string(nil), info.Members...)
}

func (rs *roomState) persist(roomID string, info *roomInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return errors.WithMessage(err, "failed to marshal room state")
	}
	return rs.kv.Set(fmt.Sprintf(roomFmt, roomID), &versioned.Object{
		Version:   roomStateVersion,
		Timestamp: netTime.Now(),
		Data:      data,
	})
}

func (rs *roomState) saveIndex() error {
	roomIDs := make([]string, 0, len(rs.rooms))
	for roomID := range rs.rooms {
		roomIDs = append(roomIDs, roomID)
	}
	data, err := json.Marshal(roomIDs)
	if err != nil {
		return errors.WithMessage(err, "failed to marshal room index")
	}
	return rs.kv.Set(roomIndex, &versioned.Object{
		Version:   roomStateVersion,
		Timestamp: netTime.Now(),
		Data:      data,
	})
}
