package wire

import (
	"encoding/json"
	"fmt"
)

// frame is the envelope shared by all inbound socket frames.
type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Data    json.RawMessage `json:"data"`
}

// Decode parses a raw frame into a typed domain event. It returns an error
// for malformed JSON, unrecognized tags, and payloads missing required
// fields; callers log and drop those frames rather than failing.
func Decode(raw []byte) (*Event, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("frame missing type tag")
	}

	// Normalize the three historical payload shapes: nested under
	// "payload", nested under "data", or flat on the frame.
	body := f.Payload
	if len(body) == 0 {
		body = f.Data
	}
	if len(body) == 0 {
		body = raw
	}

	kind := Kind(f.Type)
	payload, err := decodePayload(kind, body)
	if err != nil {
		return nil, fmt.Errorf("frame %q: %w", f.Type, err)
	}
	return &Event{Kind: kind, Payload: payload}, nil
}

func decodePayload(kind Kind, body []byte) (any, error) {
	switch kind {
	case KindConnectionEstablished:
		var p ConnectionEstablished
		if err := unmarshal(body, &p); err != nil {
			return nil, err
		}
		if p.UserID == "" {
			return nil, fmt.Errorf("missing userId")
		}
		return &p, nil

	case KindMessageNew, KindMessageUpdated:
		var p Message
		if err := unmarshal(body, &p); err != nil {
			return nil, err
		}
		if p.ID == "" || p.ChatID == "" {
			return nil, fmt.Errorf("missing id/chatId")
		}
		return &p, nil

	case KindMessageDeleted:
		var p MessageDeleted
		if err := unmarshal(body, &p); err != nil {
			return nil, err
		}
		if p.ChatID == "" || p.MessageID == "" {
			return nil, fmt.Errorf("missing chatId/messageId")
		}
		return &p, nil

	case KindReceiptDelivered, KindReceiptRead:
		var p Receipt
		if err := unmarshal(body, &p); err != nil {
			return nil, err
		}
		if p.ChatID == "" || p.MessageID == "" || p.UserID == "" {
			return nil, fmt.Errorf("missing chatId/messageId/userId")
		}
		return &p, nil

	case KindChatRead:
		var p ChatRead
		if err := unmarshal(body, &p); err != nil {
			return nil, err
		}
		if p.ChatID == "" || p.UserID == "" {
			return nil, fmt.Errorf("missing chatId/userId")
		}
		return &p, nil

	case KindTypingStart:
		var p Typing
		if err := unmarshal(body, &p); err != nil {
			return nil, err
		}
		if p.ChatID == "" || p.UserID == "" {
			return nil, fmt.Errorf("missing chatId/userId")
		}
		return &p, nil

	case KindPresenceOnline, KindPresenceOffline:
		var p Presence
		if err := unmarshal(body, &p); err != nil {
			return nil, err
		}
		if p.UserID == "" {
			return nil, fmt.Errorf("missing userId")
		}
		return &p, nil

	case KindMemberAdded, KindMemberRemoved, KindMemberLeft,
		KindMemberRoleChanged, KindOwnerChanged:
		var p Membership
		if err := unmarshal(body, &p); err != nil {
			return nil, err
		}
		if p.ChatID == "" {
			return nil, fmt.Errorf("missing chatId")
		}
		return &p, nil

	case KindChatCreated, KindChatUpdated, KindChatDeleted:
		var p ChatChange
		if err := unmarshal(body, &p); err != nil {
			return nil, err
		}
		if p.ChatID == "" {
			return nil, fmt.Errorf("missing chatId")
		}
		return &p, nil

	case KindUserDeleted:
		var p UserDeleted
		if err := unmarshal(body, &p); err != nil {
			return nil, err
		}
		if p.UserID == "" {
			return nil, fmt.Errorf("missing userId")
		}
		return &p, nil

	case KindPong:
		return nil, nil

	default:
		return nil, fmt.Errorf("unrecognized tag")
	}
}

func unmarshal(body []byte, dst any) error {
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	return nil
}

// Ping is the outbound heartbeat frame.
func Ping() []byte {
	return []byte(`{"type":"ping"}`)
}

// TypingStart builds the outbound typing-start frame for a chat.
func TypingStart(chatID string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"type":    "typing_start",
		"payload": map[string]string{"chatId": chatID},
	})
}
