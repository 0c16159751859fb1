////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package stoppable

import (
	"testing"
	"time"
)

// Tests the full lifecycle of a Single: running, quit delivery, stopped.
func TestSingle_Lifecycle(t *testing.T) {
	s := NewSingle("test")
	if !s.IsRunning() {
		t.Error("New Single is not running.")
	}

	go func() {
		<-s.Quit()
		s.ToStopped()
	}()

	if err := s.Close(); err != nil {
		t.Fatalf("Close returned an error: %+v", err)
	}
	if !WaitForStopped(s, time.Second) {
		t.Errorf("Single did not stop.\nexpected: %s\nreceived: %s",
			Stopped, s.GetStatus())
	}

	// A second Close is a no-op.
	if err := s.Close(); err != nil {
		t.Errorf("Second Close returned an error: %+v", err)
	}
}

// Tests that a Multi closes all members and reports the lowest status.
func TestMulti_Close(t *testing.T) {
	m := NewMulti("group")
	singles := make([]*Single, 3)
	for i := range singles {
		s := NewSingle("member")
		singles[i] = s
		m.Add(s)
		go func() {
			<-s.Quit()
			s.ToStopped()
		}()
	}

	if !m.IsRunning() {
		t.Error("Multi with running members is not running.")
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close returned an error: %+v", err)
	}
	if !WaitForStopped(m, time.Second) {
		t.Errorf("Multi did not stop.\nexpected: %s\nreceived: %s",
			Stopped, m.GetStatus())
	}
}
