////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package event

import (
	"sync"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/lattica/client-e2ee/stoppable"
)

// eventQueueLen bounds the number of undelivered events. Fire drops rather
// than blocks when the queue is full.
const eventQueueLen = 1000

// manager holds state for the event delivery system.
type manager struct {
	eventCh  chan Event
	eventCbs sync.Map
}

// NewManager creates an event manager. Events are not delivered until the
// service from Service is started.
func NewManager() Manager {
	return &manager{
		eventCh: make(chan Event, eventQueueLen),
	}
}

// Fire queues an event for delivery to every registered callback. If the
// queue is full the event is dropped and logged.
func (m *manager) Fire(eventType Type, details map[string]string) {
	evt := Event{Type: eventType, Details: details}
	select {
	case m.eventCh <- evt:
		jww.TRACE.Printf("Event fired: %s %v", evt.Type, evt.Details)
	default:
		jww.ERROR.Printf("Event queue full, dropping: %s %v",
			evt.Type, evt.Details)
	}
}

// RegisterCallback records the given function to receive events under the
// given name. The name is used to unregister the callback later.
func (m *manager) RegisterCallback(name string, cb Callback) error {
	if _, exists := m.eventCbs.LoadOrStore(name, cb); exists {
		return errors.Errorf(
			"callback %q is already registered", name)
	}
	return nil
}

// UnregisterCallback removes the callback registered under the name.
func (m *manager) UnregisterCallback(name string) {
	m.eventCbs.Delete(name)
}

// Service starts the delivery goroutine and returns its stoppable.
func (m *manager) Service() stoppable.Stoppable {
	stop := stoppable.NewSingle("EventDelivery")
	go m.deliver(stop)
	return stop
}

// deliver fans queued events out to every registered callback. Callbacks
// run on the delivery goroutine; it is the registrant's responsibility to
// return quickly.
func (m *manager) deliver(stop *stoppable.Single) {
	jww.DEBUG.Print("Event delivery routine started")
	for {
		select {
		case <-stop.Quit():
			jww.DEBUG.Print("Stopping event delivery routine")
			stop.ToStopped()
			return
		case evt := <-m.eventCh:
			m.eventCbs.Range(func(_, cb interface{}) bool {
				cb.(Callback)(evt)
				return true
			})
		}
	}
}
