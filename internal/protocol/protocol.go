package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/manpreetbhatti/scrawl/internal/canvas"
)

// Represents the type of a protocol message
type MessageType string

// Peer → server
const (
	TypeJoin              MessageType = "join"
	TypeSaveDraft         MessageType = "save-draft"
	TypeDeleteDraft       MessageType = "delete-draft"
	TypeSendDrafts        MessageType = "send-drafts"
	TypeDrawingInProgress MessageType = "drawing-in-progress"
)

// Server → peer. drawing-in-progress is relayed in both directions.
const (
	TypeCanvasState      MessageType = "canvas-state"
	TypeElementsReceived MessageType = "elements-received"
	TypePartnerJoined    MessageType = "partner-joined"
	TypePartnerLeft      MessageType = "partner-left"
	TypeRoomFull         MessageType = "room-full"
	TypeAuthError        MessageType = "auth-error"
	TypeError            MessageType = "error"
	TypeDraftSaved       MessageType = "draft-saved"
	TypeDraftsSent       MessageType = "drafts-sent"
	TypeDraftsDeleted    MessageType = "drafts-deleted"
	TypeSessionReplaced  MessageType = "session-replaced"
)

const (
	// Upper bound on a single in-progress preview
	MaxPreviewSize = 64 * 1024

	// Upper bound on elements in one send-drafts or delete-draft batch
	MaxBatchSize = 500
)

var ErrInvalidMessage = errors.New("invalid message")

// Protocol-level reasons, alongside the domain reasons in canvas
const (
	ReasonInvalidMessage = "invalid-message"
	ReasonNotJoined      = "not-joined"
	ReasonAlreadyJoined  = "already-joined"
	ReasonRateLimited    = "rate-limited"
)

// Message is the single envelope used in both directions
type Message struct {
	Type     MessageType      `json:"type"`
	RoomID   string           `json:"roomId,omitempty"`
	Token    string           `json:"token,omitempty"`
	Element  *canvas.Element  `json:"element,omitempty"`
	Elements []canvas.Element `json:"elements"`
	IDs      []string         `json:"ids,omitempty"`
	Payload  json.RawMessage  `json:"payload,omitempty"`
	Request  MessageType      `json:"request,omitempty"`
	Reason   string           `json:"reason,omitempty"`
}

// Decode parses and validates a message received from a peer
func Decode(data []byte) (*Message, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrInvalidMessage)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	switch msg.Type {
	case TypeJoin:
		if msg.RoomID == "" {
			return nil, fmt.Errorf("%w: join without roomId", ErrInvalidMessage)
		}
	case TypeSaveDraft:
		if msg.Element == nil {
			return nil, fmt.Errorf("%w: save-draft without element", ErrInvalidMessage)
		}
	case TypeSendDrafts:
		if len(msg.Elements) == 0 && len(msg.IDs) == 0 {
			return nil, fmt.Errorf("%w: send-drafts without elements", ErrInvalidMessage)
		}
		if len(msg.Elements) > MaxBatchSize || len(msg.IDs) > MaxBatchSize {
			return nil, fmt.Errorf("%w: batch larger than %d", ErrInvalidMessage, MaxBatchSize)
		}
	case TypeDeleteDraft:
		if len(msg.IDs) == 0 {
			return nil, fmt.Errorf("%w: delete-draft without ids", ErrInvalidMessage)
		}
		if len(msg.IDs) > MaxBatchSize {
			return nil, fmt.Errorf("%w: batch larger than %d", ErrInvalidMessage, MaxBatchSize)
		}
	case TypeDrawingInProgress:
		if len(msg.Payload) == 0 {
			return nil, fmt.Errorf("%w: empty preview", ErrInvalidMessage)
		}
		if len(msg.Payload) > MaxPreviewSize {
			return nil, fmt.Errorf("%w: preview larger than %d bytes", ErrInvalidMessage, MaxPreviewSize)
		}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, msg.Type)
	}

	return &msg, nil
}

// Encode serializes a message for the wire
func Encode(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}

func CanvasState(elements []canvas.Element) *Message {
	if elements == nil {
		elements = []canvas.Element{}
	}
	return &Message{Type: TypeCanvasState, Elements: elements}
}

func ElementsReceived(elements []canvas.Element) *Message {
	return &Message{Type: TypeElementsReceived, Elements: elements}
}

func DrawingInProgress(payload json.RawMessage) *Message {
	return &Message{Type: TypeDrawingInProgress, Payload: payload}
}

func PartnerJoined() *Message { return &Message{Type: TypePartnerJoined} }

func PartnerLeft() *Message { return &Message{Type: TypePartnerLeft} }

func RoomFull() *Message { return &Message{Type: TypeRoomFull, Reason: canvas.ReasonRoomFull} }

func SessionReplaced() *Message { return &Message{Type: TypeSessionReplaced} }

func AuthError(reason string) *Message {
	return &Message{Type: TypeAuthError, Reason: reason}
}

// Error reports a failed request to the peer that made it
func Error(request MessageType, reason string) *Message {
	return &Message{Type: TypeError, Request: request, Reason: reason}
}

func DraftSaved(el canvas.Element) *Message {
	return &Message{Type: TypeDraftSaved, Element: &el}
}

func DraftsSent(ids []string) *Message {
	return &Message{Type: TypeDraftsSent, IDs: ids}
}

func DraftsDeleted(ids []string) *Message {
	return &Message{Type: TypeDraftsDeleted, IDs: ids}
}

// Envelope carries a room event between server instances
type Envelope struct {
	Origin string `json:"origin"`
	RoomID string `json:"room_id"`

	// Identity that must not receive Message (the sender)
	Except string `json:"except,omitempty"`

	// Identity whose connection on other instances is superseded
	Replace string `json:"replace,omitempty"`

	Message *Message `json:"message,omitempty"`
}
