package events

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type header struct {
	Type Kind `json:"type"`
}

// Decode parses the transport wire form of an event. The "type" field picks
// the variant; unknown types are an error.
func Decode(data []byte) (Event, error) {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("decode event header: %w", err)
	}

	var ev Event
	var err error
	switch h.Type {
	case KindProcessingStarted:
		ev, err = decodeAs[ProcessingStarted](data)
	case KindProcessingCompleted:
		ev, err = decodeAs[ProcessingCompleted](data)
	case KindProcessingError:
		ev, err = decodeAs[ProcessingError](data)
	case KindProcessingAborted:
		ev, err = decodeAs[ProcessingAborted](data)
	case KindMessageCreated:
		ev, err = decodeAs[MessageCreated](data)
	case KindMessageUpdated:
		ev, err = decodeAs[MessageUpdated](data)
	case KindToolExecutionStarted:
		ev, err = decodeAs[ToolExecutionStarted](data)
	case KindToolExecutionUpdated:
		ev, err = decodeAs[ToolExecutionUpdated](data)
	case KindPermissionRequested:
		ev, err = decodeAs[PermissionRequested](data)
	case KindPermissionResolved:
		ev, err = decodeAs[PermissionResolved](data)
	case KindSessionReset:
		ev, err = decodeAs[SessionReset](data)
	case "":
		return nil, fmt.Errorf("decode event: missing type")
	default:
		return nil, fmt.Errorf("decode event: unknown type %q", h.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s event: %w", h.Type, err)
	}
	return ev, nil
}

func decodeAs[T Event](data []byte) (Event, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Encode renders an event in the same wire form Decode accepts.
func Encode(ev Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", ev.Kind(), err)
	}
	typ, err := json.Marshal(ev.Kind())
	if err != nil {
		return nil, fmt.Errorf("encode event type: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	buf.Write(typ)
	rest := bytes.TrimSpace(body)
	if len(rest) > 2 {
		buf.WriteByte(',')
		buf.Write(rest[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}
