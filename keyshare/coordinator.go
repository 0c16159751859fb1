////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package keyshare runs the room key request protocol: asking other devices
// for keys this device is missing, and answering their requests according
// to a trust policy. Requests are deduplicated by what they ask for, so a
// session can be requested at most once until the request resolves.
package keyshare

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/lattica/client-e2ee/catalog"
	"gitlab.com/lattica/client-e2ee/e2e"
	"gitlab.com/lattica/client-e2ee/event"
	"gitlab.com/lattica/client-e2ee/storage/requests"
	"gitlab.com/lattica/client-e2ee/transport"
	"gitlab.com/lattica/client-e2ee/trust"
)

// Request actions on the wire.
const (
	actionRequest      = "request"
	actionCancellation = "request_cancellation"
)

// ErrDuplicateRequest is returned when a live request for the same session
// already exists.
var ErrDuplicateRequest = errors.New("keyshare: request already pending")

// requestContent is the plaintext to-device payload of a key request.
type requestContent struct {
	Action             string        `json:"action"`
	RequestID          string        `json:"request_id"`
	RequestingDeviceID string        `json:"requesting_device_id"`
	Body               requests.Body `json:"body,omitempty"`
}

// Coordinator drives the key request protocol for one device.
type Coordinator struct {
	engine *e2e.Manager
	trust  *trust.Engine
	client transport.ToDeviceClient
	events event.Bus
	rng    io.Reader
}

// NewCoordinator creates a key request coordinator and registers its
// to-device handlers on the engine.
func NewCoordinator(engine *e2e.Manager, trustEngine *trust.Engine,
	client transport.ToDeviceClient, events event.Bus) *Coordinator {
	c := &Coordinator{
		engine: engine,
		trust:  trustEngine,
		client: client,
		events: events,
		rng:    rand.Reader,
	}
	engine.RegisterHandler(catalog.RoomKeyRequest, c.handleRequest)
	engine.RegisterHandler(catalog.ForwardedRoomKey, c.handleForwardedKey)
	return c
}

// newRequestID generates a random request identifier.
func (c *Coordinator) newRequestID() (string, error) {
	buf := make([]byte, 16)
	if _, err := io.ReadFull(c.rng, buf); err != nil {
		return "", errors.WithMessage(err,
			"failed to generate request ID")
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// RequestRoomKey asks for the group session described by body. The request
// goes in plaintext to every other device of our own user and to every
// device of the session's original sender. A live request for the same body
// is not repeated; ErrDuplicateRequest is returned instead.
func (c *Coordinator) RequestRoomKey(ctx context.Context,
	body requests.Body) (requestID string, err error) {
	requestID, err = c.newRequestID()
	if err != nil {
		return "", err
	}

	store := c.engine.Store()
	stored, added, err := store.Requests.AddOutgoing(requests.Outgoing{
		RequestID: requestID,
		Body:      body,
		State:     requests.Unsent,
	})
	if err != nil {
		return "", err
	}
	if !added {
		return stored.RequestID, errors.WithMessagef(
			ErrDuplicateRequest, "request %s", stored.RequestID)
	}

	content, err := json.Marshal(requestContent{
		Action:             actionRequest,
		RequestID:          requestID,
		RequestingDeviceID: store.DeviceID(),
		Body:               body,
	})
	if err != nil {
		return "", errors.WithMessage(err,
			"failed to marshal key request")
	}

	if err = c.sendToTargets(ctx, body, content); err != nil {
		return "", err
	}
	if err = store.Requests.SetOutgoingState(requestID,
		requests.Sent); err != nil {
		return "", err
	}
	jww.INFO.Printf("Requested room key %s/%s as request %s",
		body.SenderKey, body.SessionID, requestID)
	return requestID, nil
}

// CancelRequest withdraws an outgoing request, telling every target to
// forget it.
func (c *Coordinator) CancelRequest(ctx context.Context,
	requestID string) error {
	store := c.engine.Store()
	out, ok := store.Requests.GetOutgoing(requestID)
	if !ok {
		return errors.Errorf("unknown request %s", requestID)
	}
	if out.State != requests.Unsent && out.State != requests.Sent {
		return errors.Errorf("request %s is %s and can no longer be "+
			"cancelled", requestID, out.State)
	}
	err := store.Requests.SetOutgoingState(requestID,
		requests.CancellationPending)
	if err != nil {
		return err
	}

	content, err := json.Marshal(requestContent{
		Action:             actionCancellation,
		RequestID:          requestID,
		RequestingDeviceID: store.DeviceID(),
	})
	if err != nil {
		return errors.WithMessage(err,
			"failed to marshal cancellation")
	}
	if err = c.sendToTargets(ctx, out.Body, content); err != nil {
		return err
	}
	return store.Requests.DeleteOutgoing(requestID)
}

// sendToTargets delivers a plaintext request payload to our own other
// devices and to every device of the session's original sender.
func (c *Coordinator) sendToTargets(ctx context.Context, body requests.Body,
	content json.RawMessage) error {
	store := c.engine.Store()

	targets := make(map[string]map[string]json.RawMessage)
	add := func(userID, deviceID string) {
		if userID == store.UserID() && deviceID == store.DeviceID() {
			return
		}
		if targets[userID] == nil {
			targets[userID] = make(map[string]json.RawMessage)
		}
		targets[userID][deviceID] = content
	}
	for _, dev := range store.Devices.UserDevices(store.UserID()) {
		add(dev.UserID, dev.DeviceID)
	}
	if sender, ok := store.Devices.GetByIdentityKey(
		body.SenderKey); ok && sender.UserID != store.UserID() {
		for _, dev := range store.Devices.UserDevices(sender.UserID) {
			add(dev.UserID, dev.DeviceID)
		}
	}
	if len(targets) == 0 {
		return errors.New("no devices to ask for the key")
	}
	return c.client.SendBatch(ctx, catalog.RoomKeyRequest, targets)
}

// handleRequest processes one incoming key request or cancellation.
// Requests from our own verified devices are answered immediately; all
// others are stored for an explicit Accept or Ignore decision.
func (c *Coordinator) handleRequest(msg e2e.DecryptedToDevice) {
	var content requestContent
	if err := json.Unmarshal(msg.Content, &content); err != nil {
		jww.WARN.Printf("Malformed key request from %s: %+v",
			msg.SenderUserID, err)
		return
	}
	store := c.engine.Store()

	in := requests.Incoming{
		RequestID:         content.RequestID,
		RequesterUserID:   msg.SenderUserID,
		RequesterDeviceID: content.RequestingDeviceID,
		Body:              content.Body,
	}

	switch content.Action {
	case actionCancellation:
		if err := store.Requests.DeleteIncoming(in); err != nil {
			jww.ERROR.Printf("Failed to drop cancelled request "+
				"%s: %+v", content.RequestID, err)
		}
		return
	case actionRequest:
	default:
		jww.WARN.Printf("Unknown key request action %q from %s",
			content.Action, msg.SenderUserID)
		return
	}

	if err := store.Requests.AddIncoming(in); err != nil {
		jww.ERROR.Printf("Failed to store incoming request %s: %+v",
			content.RequestID, err)
		return
	}

	// Sharing policy: only our own devices get keys automatically, and
	// only once they are verified.
	if in.RequesterUserID == store.UserID() &&
		c.trust.DeviceTrust(in.RequesterUserID,
			in.RequesterDeviceID) != trust.Unverified {
		if err := c.AcceptRequest(context.Background(), in); err != nil {
			jww.WARN.Printf("Failed to auto-answer request %s: %+v",
				content.RequestID, err)
		}
		return
	}
	jww.INFO.Printf("Holding key request %s from %s/%s for a manual "+
		"decision", content.RequestID, in.RequesterUserID,
		in.RequesterDeviceID)
}

// AcceptRequest answers one stored incoming request by forwarding the
// session key at the earliest index this device knows.
func (c *Coordinator) AcceptRequest(ctx context.Context,
	in requests.Incoming) error {
	store := c.engine.Store()

	sess, meta, ok := store.InboundGroup.Get(in.Body.SenderKey,
		in.Body.SessionID)
	if !ok {
		return errors.Errorf("session %s/%s is not held",
			in.Body.SenderKey, in.Body.SessionID)
	}
	exported, err := sess.Export(sess.FirstKnownIndex())
	if err != nil {
		return err
	}

	content, err := json.Marshal(e2e.RoomKeyContent{
		Algorithm:         in.Body.Algorithm,
		RoomID:            in.Body.RoomID,
		SessionID:         in.Body.SessionID,
		SessionKey:        exported,
		ChainIndex:        sess.FirstKnownIndex(),
		Forwarded:         true,
		OriginalSenderKey: meta.SenderKey,
		SenderClaimedKeys: meta.ClaimedKeys,
	})
	if err != nil {
		return errors.WithMessage(err,
			"failed to marshal forwarded key")
	}

	wanted := map[string][]string{
		in.RequesterUserID: {in.RequesterDeviceID}}
	failed, err := c.engine.EnsureSessions(ctx, wanted)
	if err != nil {
		return err
	}
	if reason, ok := failed[in.RequesterUserID+"|"+
		in.RequesterDeviceID]; ok {
		return errors.WithMessage(reason, "requester is unreachable")
	}

	err = c.engine.SendToDevice(ctx, in.RequesterUserID,
		in.RequesterDeviceID, catalog.ForwardedRoomKey, content)
	if err != nil {
		return err
	}
	jww.INFO.Printf("Forwarded session %s to %s/%s for request %s",
		in.Body.SessionID, in.RequesterUserID, in.RequesterDeviceID,
		in.RequestID)
	return store.Requests.DeleteIncoming(in)
}

// IgnoreRequest drops one stored incoming request without answering it.
func (c *Coordinator) IgnoreRequest(in requests.Incoming) error {
	return c.engine.Store().Requests.DeleteIncoming(in)
}

// DeclineRequest refuses one stored incoming request, telling the requester
// why with a withheld notice so it stops waiting on this device.
func (c *Coordinator) DeclineRequest(ctx context.Context,
	in requests.Incoming, code string) error {
	raw, err := json.Marshal(e2e.WithheldContent{
		RoomID:    in.Body.RoomID,
		SessionID: in.Body.SessionID,
		SenderKey: c.engine.Store().IdentityKey(),
		Code:      code,
	})
	if err != nil {
		return errors.WithMessage(err,
			"failed to marshal withheld notice")
	}
	err = c.client.Send(ctx, in.RequesterUserID, in.RequesterDeviceID,
		catalog.RoomKeyWithheld, raw)
	if err != nil {
		return errors.WithMessagef(err,
			"failed to decline request %s", in.RequestID)
	}
	return c.engine.Store().Requests.DeleteIncoming(in)
}

// PendingRequests lists the incoming requests awaiting a decision.
func (c *Coordinator) PendingRequests() []requests.Incoming {
	return c.engine.Store().Requests.Incoming()
}

// handleForwardedKey resolves the outgoing request a forwarded key answers.
// The engine has already imported the key by the time this runs.
func (c *Coordinator) handleForwardedKey(msg e2e.DecryptedToDevice) {
	var content e2e.RoomKeyContent
	if err := json.Unmarshal(msg.Content, &content); err != nil {
		return
	}
	store := c.engine.Store()

	out, ok := store.Requests.GetOutgoingByBody(requests.Body{
		Algorithm: content.Algorithm,
		RoomID:    content.RoomID,
		SenderKey: content.OriginalSenderKey,
		SessionID: content.SessionID,
	})
	if !ok || out.State == requests.Completed {
		return
	}
	err := store.Requests.SetOutgoingState(out.RequestID,
		requests.Completed)
	if err != nil {
		jww.ERROR.Printf("Failed to complete request %s: %+v",
			out.RequestID, err)
		return
	}
	jww.INFO.Printf("Request %s completed by forwarded key from %s/%s",
		out.RequestID, msg.SenderUserID, msg.SenderDeviceID)
}
