////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package stoppable

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// Error message.
const toStoppingErr = "failed to set the status of stoppable %q to %s when " +
	"status is %s instead of %s"

// Single stops a single goroutine using a channel. It adheres to the
// Stoppable interface.
type Single struct {
	name   string
	quit   chan struct{}
	status Status
	once   sync.Once
}

// NewSingle returns a new single Stoppable.
func NewSingle(name string) *Single {
	return &Single{
		name:   name,
		quit:   make(chan struct{}, 1),
		status: Running,
	}
}

// Name returns the name of the Single.
func (s *Single) Name() string {
	return s.name
}

// GetStatus returns the status of the Single.
func (s *Single) GetStatus() Status {
	return Status(atomic.LoadUint32((*uint32)(&s.status)))
}

// IsRunning returns true if the Single is marked as running.
func (s *Single) IsRunning() bool {
	return s.GetStatus() == Running
}

// Quit returns a receive-only channel that is triggered when the Single is
// told to quit. The goroutine must call ToStopped once it exits.
func (s *Single) Quit() <-chan struct{} {
	return s.quit
}

// ToStopped changes the status from stopping to stopped. Panics if the
// status is not already set to stopping.
func (s *Single) ToStopped() {
	if !atomic.CompareAndSwapUint32(
		(*uint32)(&s.status), uint32(Stopping), uint32(Stopped)) {
		jww.FATAL.Panicf(toStoppingErr,
			s.Name(), Stopped, s.GetStatus(), Stopping)
	}
	jww.TRACE.Printf("Stoppable %q switched from %s to %s",
		s.Name(), Stopping, Stopped)
}

// Close signals the Single to quit. Returns an error if the Single is not
// running.
func (s *Single) Close() error {
	var err error
	s.once.Do(func() {
		if !atomic.CompareAndSwapUint32(
			(*uint32)(&s.status), uint32(Running), uint32(Stopping)) {
			err = errors.Errorf(toStoppingErr,
				s.Name(), Stopping, s.GetStatus(), Running)
			return
		}
		s.quit <- struct{}{}
	})
	if err != nil {
		jww.ERROR.Print(err.Error())
	}
	return err
}
