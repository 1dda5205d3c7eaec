// Package server defines the JSON envelopes exchanged with browsers and the
// validation applied to inbound payloads.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/Tyrowin/roomchat/internal/message"
	"github.com/Tyrowin/roomchat/internal/presence"
)

// Event names used on the wire.
const (
	EventJoinRoom    = "joinRoom"
	EventChatMessage = "chatMessage"
	EventMessage     = "message"
	EventRoomUsers   = "roomUsers"
)

var (
	// ErrUnknownEvent is returned for an envelope naming an event the server
	// does not accept.
	ErrUnknownEvent = errors.New("unknown event")
	// ErrInvalidPayload wraps decoding and validation failures.
	ErrInvalidPayload = errors.New("invalid payload")
)

// Envelope is one frame of the protocol: an event name and its payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// JoinRoomPayload is sent by a client to enter a room.
type JoinRoomPayload struct {
	Username string `json:"username" validate:"required,notblank"`
	Room     string `json:"room" validate:"required,notblank"`
}

// ChatMessagePayload carries a chat line. Text must be present but may be empty.
type ChatMessagePayload struct {
	Text *string `json:"text" validate:"required"`
}

// RoomUsersPayload lists the members of a room.
type RoomUsersPayload struct {
	Room  string            `json:"room"`
	Users []presence.Member `json:"users"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	mustRegister(v, "notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	return v
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("register %q validation: %v", tag, err))
	}
}

// decodeEvent parses a raw frame into one of the client event types.
func decodeEvent(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	switch env.Event {
	case EventJoinRoom:
		var p JoinRoomPayload
		if err := decodePayload(env.Data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case EventChatMessage:
		var p ChatMessagePayload
		if err := decodePayload(env.Data, &p); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
}

func decodePayload(data json.RawMessage, dst any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", ErrInvalidPayload)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func encodeMessage(msg message.Message) ([]byte, error) {
	return json.Marshal(outbound{Event: EventMessage, Data: msg})
}

func encodeRoomUsers(room string, users []presence.Member) ([]byte, error) {
	return json.Marshal(outbound{Event: EventRoomUsers, Data: RoomUsersPayload{Room: room, Users: users}})
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
