////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package stoppable

import "time"

// pollPeriod is how often WaitForStopped checks the status.
const pollPeriod = 100 * time.Millisecond

// Status holds the state of a Stoppable.
type Status uint32

const (
	Running Status = iota
	Stopping
	Stopped
)

// String returns a human-readable name for the status.
func (s Status) String() string {
	switch s {
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown status"
	}
}

// Stoppable is the interface for stopping a goroutine or group of goroutines.
type Stoppable interface {
	Name() string
	GetStatus() Status
	IsRunning() bool
	Close() error
}

// WaitForStopped polls until the stoppable reports Stopped or the timeout
// elapses, returning false on timeout.
func WaitForStopped(s Stoppable, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(pollPeriod)
	defer tick.Stop()
	for {
		if s.GetStatus() == Stopped {
			return true
		}
		select {
		case <-deadline.C:
			return s.GetStatus() == Stopped
		case <-tick.C:
		}
	}
}
