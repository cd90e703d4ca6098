// Package ws is the host-facing surface: a WebSocket broadcaster pushing
// typed state updates to the home-automation platform, and the JSON API
// it drives the grill through.
package ws

import (
	"github.com/xeudoxus/pitboss-grill-driver/internal/controller"
)

type MessageType string

const (
	MsgSnapshot MessageType = "snapshot"
	MsgState    MessageType = "state"
	MsgError    MessageType = "error"
)

// WSMessage is the envelope for every outgoing frame. Seq lets clients
// detect missed frames after a reconnect.
type WSMessage struct {
	Type    MessageType `json:"type"`
	Seq     uint64      `json:"seq"`
	Payload interface{} `json:"payload"`
}

// SnapshotPayload carries the full current state of the device.
type SnapshotPayload struct {
	Updates []controller.StateUpdate `json:"updates"`
}

// StatePayload carries the state updates queued since the last flush.
type StatePayload struct {
	Updates []controller.StateUpdate `json:"updates"`
}

// ErrorPayload reports a request failure to a client.
type ErrorPayload struct {
	Error string `json:"error"`
}
