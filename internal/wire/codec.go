package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrParse reports input that is not a well-formed protocol message.
	ErrParse = errors.New("malformed message")
	// ErrUnknownType reports a well-formed message whose type tag is not
	// one this bridge understands.
	ErrUnknownType = errors.New("unknown message type")
)

// Decode parses one wire record into a Message. Malformed JSON, a non-object
// record or a known field of the wrong JSON type yield ErrParse; a record
// whose type tag is unrecognized yields ErrUnknownType. Fields the bridge
// does not know are kept verbatim in Extra.
func Decode(line []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if fields == nil {
		return Message{}, fmt.Errorf("%w: not an object", ErrParse)
	}
	var m Message
	for key, val := range fields {
		var err error
		switch key {
		case "type":
			var s string
			s, err = decodeString(key, val)
			m.Type = Kind(s)
		case "id":
			m.ID, err = decodeString(key, val)
		case "tool_id":
			m.ToolID, err = decodeString(key, val)
		case "capabilities":
			m.Capabilities, err = decodeStrings(key, val)
		case "method":
			m.Method, err = decodeString(key, val)
		case "params":
			m.Params = val
		case "result":
			m.Result = val
		case "error":
			m.Error, err = decodeString(key, val)
		case "code":
			m.Code, err = decodeString(key, val)
		case "sequence":
			m.Sequence, err = decodeSequence(val)
		case "data":
			m.Data = val
		case "event":
			m.Event, err = decodeString(key, val)
		case "source":
			m.Source, err = decodeString(key, val)
		case "request_id":
			m.RequestID, err = decodeString(key, val)
		case "protocol_version":
			m.ProtocolVersion, err = decodeString(key, val)
		case "server_version":
			m.ServerVersion, err = decodeString(key, val)
		case "supported_versions":
			m.SupportedVersions, err = decodeStrings(key, val)
		default:
			if m.Extra == nil {
				m.Extra = make(map[string]json.RawMessage)
			}
			m.Extra[key] = val
		}
		if err != nil {
			return Message{}, err
		}
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrParse)
	}
	if !m.Type.Valid() {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	return m, nil
}

// Encode renders m as one compact wire record. It is the inverse of Decode
// for every message this bridge produces: decoding the output yields m
// again, Extra fields included. Output is deterministic (object keys are
// emitted sorted). Known fields shadow identically named Extra entries.
func Encode(m Message) ([]byte, error) {
	if !m.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	fields := make(map[string]json.RawMessage, 8+len(m.Extra))
	for key, val := range m.Extra {
		fields[key] = val
	}
	put := func(key string, v any) {
		b, err := json.Marshal(v)
		if err != nil {
			return
		}
		fields[key] = b
	}
	put("type", string(m.Type))
	if m.ID != "" {
		put("id", m.ID)
	}
	if m.ToolID != "" {
		put("tool_id", m.ToolID)
	}
	if m.Capabilities != nil {
		put("capabilities", m.Capabilities)
	}
	if m.Method != "" {
		put("method", m.Method)
	}
	if len(m.Params) > 0 {
		fields["params"] = m.Params
	}
	if len(m.Result) > 0 {
		fields["result"] = m.Result
	}
	if m.Error != "" {
		put("error", m.Error)
	}
	if m.Code != "" {
		put("code", m.Code)
	}
	if m.Sequence != nil {
		put("sequence", *m.Sequence)
	}
	if len(m.Data) > 0 {
		fields["data"] = m.Data
	}
	if m.Event != "" {
		put("event", m.Event)
	}
	if m.Source != "" {
		put("source", m.Source)
	}
	if m.RequestID != "" {
		put("request_id", m.RequestID)
	}
	if m.ProtocolVersion != "" {
		put("protocol_version", m.ProtocolVersion)
	}
	if m.ServerVersion != "" {
		put("server_version", m.ServerVersion)
	}
	if m.SupportedVersions != nil {
		put("supported_versions", m.SupportedVersions)
	}
	return json.Marshal(fields)
}

func decodeString(key string, val json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(val, &s); err != nil {
		return "", fmt.Errorf("%w: field %q must be a string", ErrParse, key)
	}
	return s, nil
}

func decodeStrings(key string, val json.RawMessage) ([]string, error) {
	var out []string
	if err := json.Unmarshal(val, &out); err != nil {
		return nil, fmt.Errorf("%w: field %q must be an array of strings", ErrParse, key)
	}
	return out, nil
}

func decodeSequence(val json.RawMessage) (*int64, error) {
	if bytes.Equal(bytes.TrimSpace(val), []byte("null")) {
		return nil, nil
	}
	var n int64
	if err := json.Unmarshal(val, &n); err != nil {
		return nil, fmt.Errorf("%w: field %q must be an integer", ErrParse, "sequence")
	}
	return &n, nil
}
