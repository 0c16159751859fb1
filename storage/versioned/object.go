////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package versioned

import (
	"encoding/json"
	"fmt"
	"time"
)

// Object is the unit of storage in the versioned key/value store. The
// version lets readers upgrade stale on-disk formats; the timestamp records
// when the object was last written.
type Object struct {
	Version   uint64
	Timestamp time.Time
	Data      []byte
}

// Unmarshal deserializes an Object from a byte slice so it is storable in a
// KeyValue. All fields are exported simple types, so json works fine.
func (v *Object) Unmarshal(data []byte) error {
	return json.Unmarshal(data, v)
}

// Marshal serializes an Object into a byte slice so it is storable in a
// KeyValue.
func (v *Object) Marshal() []byte {
	d, err := json.Marshal(v)
	// Not being able to marshal this simple object means something is
	// really wrong
	if err != nil {
		panic(fmt.Sprintf("Could not marshal: %+v", v))
	}
	return d
}
