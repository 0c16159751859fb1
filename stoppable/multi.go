////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package stoppable

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Error message.
const closeMultiErr = "multi stoppable %q failed to close %d/%d stoppables"

// Multi groups stoppables so they can be stopped together. It adheres to the
// Stoppable interface.
type Multi struct {
	name       string
	stoppables []Stoppable
	mux        sync.RWMutex
	once       sync.Once
}

// NewMulti returns a new empty multi Stoppable.
func NewMulti(name string) *Multi {
	return &Multi{name: name}
}

// Add adds the given stoppable to the group.
func (m *Multi) Add(stoppable Stoppable) {
	m.mux.Lock()
	m.stoppables = append(m.stoppables, stoppable)
	m.mux.Unlock()
}

// Name returns the name of the Multi and the names of all its members.
func (m *Multi) Name() string {
	m.mux.RLock()
	defer m.mux.RUnlock()

	names := make([]string, len(m.stoppables))
	for i, s := range m.stoppables {
		names[i] = s.Name()
	}
	return m.name + "{" + strings.Join(names, ", ") + "}"
}

// GetStatus returns the lowest status of all the members. The status is
// not the status of all members, but the status of the least stopped member.
func (m *Multi) GetStatus() Status {
	lowest := Stopped
	m.mux.RLock()
	defer m.mux.RUnlock()

	for _, s := range m.stoppables {
		if status := s.GetStatus(); status < lowest {
			lowest = status
		}
	}
	return lowest
}

// IsRunning returns true if any member is still marked as running.
func (m *Multi) IsRunning() bool {
	return m.GetStatus() == Running
}

// Close concurrently closes all members. Returns an error listing how many
// failed to close.
func (m *Multi) Close() error {
	var numErrors uint32
	var wg sync.WaitGroup
	var mux sync.Mutex

	m.once.Do(func() {
		m.mux.RLock()
		defer m.mux.RUnlock()

		for _, s := range m.stoppables {
			wg.Add(1)
			go func(s Stoppable) {
				defer wg.Done()
				if err := s.Close(); err != nil {
					mux.Lock()
					numErrors++
					mux.Unlock()
				}
			}(s)
		}
		wg.Wait()
	})

	if numErrors > 0 {
		return errors.Errorf(closeMultiErr,
			m.name, numErrors, len(m.stoppables))
	}
	return nil
}
