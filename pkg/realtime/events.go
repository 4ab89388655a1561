// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package realtime

import "encoding/json"

// Wire message types on the push channel.
const (
	TypeInvalidate  = "INVALIDATE"
	TypeLinkChange  = "LINK_CHANGE"
	TypePing        = "PING"
	TypePong        = "PONG"
	TypeSubscribe   = "SUBSCRIBE"
	TypeUnsubscribe = "UNSUBSCRIBE"
)

// wireMessage is the envelope every push-channel message travels in.
type wireMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Action is what happened to an entity on the server.
type Action string

const (
	ActionInsert Action = "INSERT"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// Change is one entity-level change inside an invalidation event.
type Change struct {
	EntityID string `json:"entityId"`
	Action   Action `json:"action"`
	Version  int64  `json:"version"`
}

// Event is a server-pushed invalidation notification for one entity type.
type Event struct {
	EntityType string   `json:"entityType"`
	Changes    []Change `json:"changes"`
}

// subscribePayload is the body of SUBSCRIBE/UNSUBSCRIBE requests.
type subscribePayload struct {
	EntityType string   `json:"entityType"`
	EntityIDs  []string `json:"entityIds,omitempty"`
}

// ConnState is the connection lifecycle state.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

// String returns the lowercase state name.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
