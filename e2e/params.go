////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package e2e

import (
	"encoding/json"
	"time"
)

// Default parameter values.
const (
	defaultRotationPeriod   = 7 * 24 * time.Hour
	defaultRotationMessages = 100
	defaultOneTimeKeyTarget = 50
	defaultQueueCapacity    = 256
)

// Params holds the tunables of the crypto engine.
type Params struct {
	// RotationPeriod is the maximum age of an outbound group session
	// before a new one is created.
	RotationPeriod time.Duration

	// RotationMessages is the maximum number of messages encrypted with
	// one outbound group session.
	RotationMessages uint32

	// OneTimeKeyTarget is how many unclaimed one-time keys PublishKeys
	// keeps on the server.
	OneTimeKeyTarget int

	// QueueCapacity bounds the pending tasks of the crypto and decrypt
	// queues.
	QueueCapacity int
}

// GetDefaultParams returns a default set of Params.
func GetDefaultParams() Params {
	return Params{
		RotationPeriod:   defaultRotationPeriod,
		RotationMessages: defaultRotationMessages,
		OneTimeKeyTarget: defaultOneTimeKeyTarget,
		QueueCapacity:    defaultQueueCapacity,
	}
}

// GetParameters returns the default Params, or overrides the fields set in
// the given JSON.
func GetParameters(params string) (Params, error) {
	p := GetDefaultParams()
	if len(params) > 0 {
		if err := json.Unmarshal([]byte(params), &p); err != nil {
			return Params{}, err
		}
	}
	return p, nil
}
