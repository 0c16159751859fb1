////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package queue provides a serial task executor. The crypto engines funnel
// account and session mutations through one queue each, so operations that
// touch shared ratchet state run one at a time in submission order.
package queue

import (
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/lattica/client-e2ee/stoppable"
)

// Error messages.
const (
	queueStoppedErr = "serial queue %q is stopped"
)

// Serial runs submitted tasks one at a time in FIFO order.
type Serial struct {
	name   string
	tasks  chan func()
	closed chan struct{}
}

// NewSerial creates a serial queue holding at most capacity pending tasks.
func NewSerial(name string, capacity int) *Serial {
	return &Serial{
		name:   name,
		tasks:  make(chan func(), capacity),
		closed: make(chan struct{}),
	}
}

// Service starts the executor goroutine and returns its stoppable. Pending
// tasks still queued at shutdown are abandoned; their Run callers unblock
// with an error.
func (q *Serial) Service() stoppable.Stoppable {
	stop := stoppable.NewSingle(q.name)
	go func() {
		jww.DEBUG.Printf("Serial queue %q started", q.name)
		for {
			select {
			case <-stop.Quit():
				close(q.closed)
				jww.DEBUG.Printf("Serial queue %q stopped", q.name)
				stop.ToStopped()
				return
			case task := <-q.tasks:
				task()
			}
		}
	}()
	return stop
}

// Run submits fn and blocks until it has executed, returning fn's error.
// Calls from a single goroutine execute in submission order; calls from
// different goroutines are serialized in arrival order.
func (q *Serial) Run(fn func() error) error {
	done := make(chan error, 1)
	task := func() { done <- fn() }

	select {
	case q.tasks <- task:
	case <-q.closed:
		return errors.Errorf(queueStoppedErr, q.name)
	}

	select {
	case err := <-done:
		return err
	case <-q.closed:
		return errors.Errorf(queueStoppedErr, q.name)
	}
}

// Enqueue submits fn without waiting for it to run. The task is dropped if
// the queue is stopped.
func (q *Serial) Enqueue(fn func()) {
	select {
	case q.tasks <- fn:
	case <-q.closed:
		jww.WARN.Printf("Serial queue %q is stopped, dropping task",
			q.name)
	}
}
