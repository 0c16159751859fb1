////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package requests stores the room key request protocol state: outgoing
// requests deduplicated by what they ask for, and incoming requests awaiting
// a policy decision.
package requests

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/xx_network/primitives/netTime"

	"gitlab.com/lattica/client-e2ee/storage/versioned"
)

const (
	storePrefix   = "keyRequests"
	storeVersion  = 0
	outgoingFmt   = "Outgoing:%s"
	outgoingIndex = "OutgoingIndex"
	incomingFmt   = "Incoming:%s"
	incomingIndex = "IncomingIndex"
)

// RequestState is the lifecycle state of an outgoing key request.
type RequestState uint8

const (
	// Unsent requests are queued but not yet put on the wire.
	Unsent RequestState = iota
	// Sent requests are on the wire awaiting a forwarded key.
	Sent
	// CancellationPending requests have been answered or withdrawn
	// locally; a cancellation still needs to go on the wire.
	CancellationPending
	// Completed requests received a usable key.
	Completed
)

// String returns a human-readable name for the state.
func (rs RequestState) String() string {
	switch rs {
	case Unsent:
		return "Unsent"
	case Sent:
		return "Sent"
	case CancellationPending:
		return "CancellationPending"
	case Completed:
		return "Completed"
	default:
		return fmt.Sprintf("Unknown state %d", uint8(rs))
	}
}

// Body identifies the session a key request asks for. Two requests with
// equal bodies are the same request.
type Body struct {
	Algorithm string `json:"algorithm"`
	RoomID    string `json:"room_id"`
	SenderKey string `json:"sender_key"`
	SessionID string `json:"session_id"`
}

// fingerprint is the dedup key for a body.
func (b Body) fingerprint() string {
	return b.Algorithm + "|" + b.RoomID + "|" + b.SenderKey + "|" +
		b.SessionID
}

// Outgoing is one outgoing key request.
type Outgoing struct {
	RequestID string       `json:"request_id"`
	Body      Body         `json:"body"`
	State     RequestState `json:"state"`
	CreatedAt time.Time    `json:"created_at"`
}

// Incoming is a key request received from another device, held until the
// sharing policy decides on it.
type Incoming struct {
	RequestID         string    `json:"request_id"`
	RequesterUserID   string    `json:"requester_user_id"`
	RequesterDeviceID string    `json:"requester_device_id"`
	Body              Body      `json:"body"`
	ReceivedAt        time.Time `json:"received_at"`
}

// incomingKey keys incoming requests so a re-send by the same device
// overwrites rather than duplicates.
func incomingKey(in Incoming) string {
	return in.RequesterUserID + "|" + in.RequesterDeviceID + "|" +
		in.RequestID
}

// Store is the key request state. All methods are safe for concurrent use.
type Store struct {
	mux      sync.RWMutex
	kv       *versioned.KV
	outgoing map[string]*Outgoing // request ID -> request
	byBody   map[string]string    // body fingerprint -> request ID
	incoming map[string]*Incoming
}

// NewStore creates or loads the request store under the given KV.
func NewStore(kv *versioned.KV) (*Store, error) {
	s := &Store{
		kv:       kv.Prefix(storePrefix),
		outgoing: make(map[string]*Outgoing),
		byBody:   make(map[string]string),
		incoming: make(map[string]*Incoming),
	}

	if obj, err := s.kv.Get(outgoingIndex, storeVersion); err == nil {
		var ids []string
		if err = json.Unmarshal(obj.Data, &ids); err != nil {
			return nil, errors.WithMessage(err,
				"corrupt outgoing request index")
		}
		for _, id := range ids {
			rObj, err := s.kv.Get(fmt.Sprintf(outgoingFmt, id),
				storeVersion)
			if err != nil {
				jww.ERROR.Printf("Failed to load outgoing request "+
					"%s: %+v", id, err)
				continue
			}
			out := &Outgoing{}
			if err = json.Unmarshal(rObj.Data, out); err != nil {
				jww.ERROR.Printf("Corrupt outgoing request %s: %+v",
					id, err)
				continue
			}
			s.outgoing[out.RequestID] = out
			s.byBody[out.Body.fingerprint()] = out.RequestID
		}
	} else if s.kv.Exists(err) {
		return nil, errors.WithMessage(err,
			"failed to load outgoing request index")
	}

	if obj, err := s.kv.Get(incomingIndex, storeVersion); err == nil {
		var keys []string
		if err = json.Unmarshal(obj.Data, &keys); err != nil {
			return nil, errors.WithMessage(err,
				"corrupt incoming request index")
		}
		for _, key := range keys {
			rObj, err := s.kv.Get(fmt.Sprintf(incomingFmt, key),
				storeVersion)
			if err != nil {
				jww.ERROR.Printf("Failed to load incoming request "+
					"%s: %+v", key, err)
				continue
			}
			in := &Incoming{}
			if err = json.Unmarshal(rObj.Data, in); err != nil {
				jww.ERROR.Printf("Corrupt incoming request %s: %+v",
					key, err)
				continue
			}
			s.incoming[key] = in
		}
	} else if s.kv.Exists(err) {
		return nil, errors.WithMessage(err,
			"failed to load incoming request index")
	}

	return s, nil
}

// AddOutgoing records a new outgoing request. If a live (non-completed)
// request for the same body already exists, the existing request is returned
// with added false and nothing is stored. A completed request for the same
// body is superseded and removed.
func (s *Store) AddOutgoing(req Outgoing) (stored Outgoing, added bool,
	err error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	fp := req.Body.fingerprint()
	if id, ok := s.byBody[fp]; ok {
		if existing := s.outgoing[id]; existing.State != Completed {
			return *existing, false, nil
		}
		delete(s.outgoing, id)
		err = s.kv.Delete(fmt.Sprintf(outgoingFmt, id), storeVersion)
		if err != nil {
			return Outgoing{}, false, errors.WithMessagef(err,
				"failed to delete superseded request %s", id)
		}
	}

	if req.CreatedAt.IsZero() {
		req.CreatedAt = netTime.Now()
	}
	s.outgoing[req.RequestID] = &req
	s.byBody[fp] = req.RequestID
	if err = s.persistOutgoing(&req); err != nil {
		return Outgoing{}, false, err
	}
	return req, true, s.saveOutgoingIndex()
}

// GetOutgoing returns the outgoing request with the given ID.
func (s *Store) GetOutgoing(requestID string) (Outgoing, bool) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	out, ok := s.outgoing[requestID]
	if !ok {
		return Outgoing{}, false
	}
	return *out, true
}

// GetOutgoingByBody returns the outgoing request for the given body.
func (s *Store) GetOutgoingByBody(b Body) (Outgoing, bool) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	id, ok := s.byBody[b.fingerprint()]
	if !ok {
		return Outgoing{}, false
	}
	return *s.outgoing[id], true
}

// SetOutgoingState moves an outgoing request to the given state.
func (s *Store) SetOutgoingState(requestID string, state RequestState) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	out, ok := s.outgoing[requestID]
	if !ok {
		return errors.Errorf("unknown outgoing request %s", requestID)
	}
	out.State = state
	return s.persistOutgoing(out)
}

// OutgoingInState lists the outgoing requests currently in the given state.
func (s *Store) OutgoingInState(state RequestState) []Outgoing {
	s.mux.RLock()
	defer s.mux.RUnlock()
	var reqs []Outgoing
	for _, out := range s.outgoing {
		if out.State == state {
			reqs = append(reqs, *out)
		}
	}
	return reqs
}

// DeleteOutgoing removes an outgoing request entirely.
func (s *Store) DeleteOutgoing(requestID string) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	out, ok := s.outgoing[requestID]
	if !ok {
		return nil
	}
	delete(s.outgoing, requestID)
	if s.byBody[out.Body.fingerprint()] == requestID {
		delete(s.byBody, out.Body.fingerprint())
	}
	err := s.kv.Delete(fmt.Sprintf(outgoingFmt, requestID), storeVersion)
	if err != nil {
		return err
	}
	return s.saveOutgoingIndex()
}

// AddIncoming records an incoming request. A repeat with the same requester
// and request ID overwrites the stored copy.
func (s *Store) AddIncoming(in Incoming) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = netTime.Now()
	}
	key := incomingKey(in)
	_, known := s.incoming[key]
	s.incoming[key] = &in
	if err := s.persistIncoming(key, &in); err != nil {
		return err
	}
	if known {
		return nil
	}
	return s.saveIncomingIndex()
}

// Incoming lists the pending incoming requests.
func (s *Store) Incoming() []Incoming {
	s.mux.RLock()
	defer s.mux.RUnlock()
	reqs := make([]Incoming, 0, len(s.incoming))
	for _, in := range s.incoming {
		reqs = append(reqs, *in)
	}
	return reqs
}

// DeleteIncoming removes an incoming request after it has been answered or
// ignored.
func (s *Store) DeleteIncoming(in Incoming) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	key := incomingKey(in)
	if _, ok := s.incoming[key]; !ok {
		return nil
	}
	delete(s.incoming, key)
	err := s.kv.Delete(fmt.Sprintf(incomingFmt, key), storeVersion)
	if err != nil {
		return err
	}
	return s.saveIncomingIndex()
}

func (s *Store) persistOutgoing(out *Outgoing) error {
	data, err := json.Marshal(out)
	if err != nil {
		return errors.WithMessage(err,
			"failed to marshal outgoing request")
	}
	return s.kv.Set(fmt.Sprintf(outgoingFmt, out.RequestID),
		&versioned.Object{
			Version:   storeVersion,
			Timestamp: netTime.Now(),
			Data:      data,
		})
}

func (s *Store) persistIncoming(key string, in *Incoming) error {
	data, err := json.Marshal(in)
	if err != nil {
		return errors.WithMessage(err,
			"failed to marshal incoming request")
	}
	return s.kv.Set(fmt.Sprintf(incomingFmt, key), &versioned.Object{
		Version:   storeVersion,
		Timestamp: netTime.Now(),
		Data:      data,
	})
}

func (s *Store) saveOutgoingIndex() error {
	ids := make([]string, 0, len(s.outgoing))
	for id := range s.outgoing {
		ids = append(ids, id)
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return errors.WithMessage(err,
			"failed to marshal outgoing request index")
	}
	return s.kv.Set(outgoingIndex, &versioned.Object{
		Version:   storeVersion,
		Timestamp: netTime.Now(),
		Data:      data,
	})
}

func (s *Store) saveIncomingIndex() error {
	keys := make([]string, 0, len(s.incoming))
	for key := range s.incoming {
		keys = append(keys, key)
	}
	data, err := json.Marshal(keys)
	if err != nil {
		return errors.WithMessage(err,
			"failed to marshal incoming request index")
	}
	return s.kv.Set(incomingIndex, &versioned.Object{
		Version:   storeVersion,
		Timestamp: netTime.Now(),
		Data:      data,
	})
}
