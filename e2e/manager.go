////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package e2e is the device crypto engine: it owns the pairwise sessions,
// the room group sessions, and the rules for when keys are created, rotated,
// shared, and accepted. Everything stateful flows through two serial
// queues, one for operations that mutate key material and one for
// decryption, so ratchet state never sees concurrent writers.
package e2e

import (
	"context"
	"crypto/rand"
	"io"
	"sync"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/lattica/client-e2ee/catalog"
	"gitlab.com/lattica/client-e2ee/event"
	"gitlab.com/lattica/client-e2ee/queue"
	"gitlab.com/lattica/client-e2ee/stoppable"
	"gitlab.com/lattica/client-e2ee/storage"
	"gitlab.com/lattica/client-e2ee/transport"
)

// HandlerFunc consumes one processed to-device message.
type HandlerFunc func(msg DecryptedToDevice)

// Manager implements the device crypto engine over one account's store.
type Manager struct {
	store  *storage.Store
	client transport.Client
	events event.Bus
	params Params
	rng    io.Reader

	cryptoQueue  *queue.Serial
	decryptQueue *queue.Serial
	rooms        *roomState

	handlerMux sync.RWMutex
	handlers   map[catalog.MessageType][]HandlerFunc
}

// NewManager creates the crypto engine for the given store and transport.
func NewManager(store *storage.Store, client transport.Client,
	events event.Bus, params Params) (*Manager, error) {
	rooms, err := newRoomState(store.KV())
	if err != nil {
		return nil, err
	}
	return &Manager{
		store:        store,
		client:       client,
		events:       events,
		params:       params,
		rng:          rand.Reader,
		cryptoQueue:  queue.NewSerial("cryptoQueue", params.QueueCapacity),
		decryptQueue: queue.NewSerial("decryptQueue", params.QueueCapacity),
		rooms:        rooms,
		handlers:     make(map[catalog.MessageType][]HandlerFunc),
	}, nil
}

// RegisterHandler adds a handler for processed to-device messages of the
// given type. Handlers run on the inbox goroutine.
func (m *Manager) RegisterHandler(msgType catalog.MessageType,
	h HandlerFunc) {
	m.handlerMux.Lock()
	m.handlers[msgType] = append(m.handlers[msgType], h)
	m.handlerMux.Unlock()
}

// StartProcesses starts the serial queues and, when inbox is not nil, the
// to-device dispatch loop. The returned stoppable stops them all.
func (m *Manager) StartProcesses(inbox <-chan transport.ToDeviceMessage) (
	stoppable.Stoppable, error) {
	multi := stoppable.NewMulti("e2e")
	multi.Add(m.cryptoQueue.Service())
	multi.Add(m.decryptQueue.Service())

	if inbox != nil {
		stop := stoppable.NewSingle("e2eInbox")
		go m.inboxLoop(inbox, stop)
		multi.Add(stop)
	}
	return multi, nil
}

// inboxLoop processes incoming to-device messages and fans them out to the
// registered handlers.
func (m *Manager) inboxLoop(inbox <-chan transport.ToDeviceMessage,
	stop *stoppable.Single) {
	jww.DEBUG.Print("To-device inbox loop started")
	for {
		select {
		case <-stop.Quit():
			jww.DEBUG.Print("Stopping to-device inbox loop")
			stop.ToStopped()
			return
		case msg := <-inbox:
			err := m.HandleToDevice(context.Background(), msg)
			if err != nil {
				jww.WARN.Printf("Dropping to-device message of "+
					"type %s from %s/%s: %+v", msg.Type,
					msg.SenderUserID, msg.SenderDeviceID, err)
			}
		}
	}
}

// HandleToDevice processes one incoming message and fans the result out to
// the registered handlers. The inbox loop runs on it; transports that own
// their receive loop can call it directly.
func (m *Manager) HandleToDevice(ctx context.Context,
	msg transport.ToDeviceMessage) error {
	processed, err := m.ProcessToDevice(ctx, msg)
	if err != nil {
		return err
	}
	if processed != nil {
		m.dispatch(*processed)
	}
	return nil
}

// dispatch hands a processed message to every handler for its type.
func (m *Manager) dispatch(msg DecryptedToDevice) {
	m.handlerMux.RLock()
	handlers := m.handlers[msg.Type]
	m.handlerMux.RUnlock()
	if len(handlers) == 0 {
		jww.DEBUG.Printf("No handler for to-device type %s", msg.Type)
	}
	for _, h := range handlers {
		h(msg)
	}
}

// EnsureEncryptionInRoom turns encryption on for the room. It is a no-op if
// the room is already encrypted; encryption can never be turned off.
func (m *Manager) EnsureEncryptionInRoom(roomID string) error {
	return m.rooms.ensureEncrypted(roomID)
}

// IsRoomEncrypted reports whether the room has encryption enabled.
func (m *Manager) IsRoomEncrypted(roomID string) bool {
	return m.rooms.isEncrypted(roomID)
}

// SetRoomMembers replaces the room's member list. Membership must be kept
// current: new keys are only shared with listed members' devices, and
// losing a member discards the outbound session so the next message goes
// out under a key the departed user never saw.
func (m *Manager) SetRoomMembers(roomID string, members []string) error {
	previous := m.rooms.members(roomID)
	if err := m.rooms.setMembers(roomID, members); err != nil {
		return err
	}

	kept := make(map[string]struct{}, len(members))
	for _, userID := range members {
		kept[userID] = struct{}{}
	}
	for _, userID := range previous {
		if _, ok := kept[userID]; !ok {
			jww.INFO.Printf("Member %s left %s, discarding "+
				"outbound group session", userID, roomID)
			return m.store.OutboundGroup.Remove(roomID)
		}
	}
	return nil
}

// Store exposes the underlying crypto store to sibling engines.
func (m *Manager) Store() *storage.Store { return m.store }

// checkRoomEncrypted is the common guard for room operations.
func (m *Manager) checkRoomEncrypted(roomID string) error {
	if !m.rooms.isEncrypted(roomID) {
		return errors.WithMessagef(ErrRoomNotEncrypted, "room %s", roomID)
	}
	return nil
}
