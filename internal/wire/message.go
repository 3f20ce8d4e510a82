package wire

import "encoding/json"

// Kind discriminates protocol messages. It is carried on the wire in the
// "type" field.
type Kind string

const (
	KindRegister            Kind = "register"
	KindRegistrationSuccess Kind = "registration_success"
	KindToolRegistered      Kind = "tool_registered"
	KindRequest             Kind = "request"
	KindResponse            Kind = "response"
	KindNotification        Kind = "notification"
	KindError               Kind = "error"
	KindEvent               Kind = "event"
	KindErrorEvent          Kind = "error_event"
	KindInit                Kind = "init"
	KindInitSuccess         Kind = "init_success"
	KindInitError           Kind = "init_error"
)

// Valid reports whether k is a kind this bridge understands.
func (k Kind) Valid() bool {
	switch k {
	case KindRegister, KindRegistrationSuccess, KindToolRegistered,
		KindRequest, KindResponse, KindNotification,
		KindError, KindEvent, KindErrorEvent,
		KindInit, KindInitSuccess, KindInitError:
		return true
	}
	return false
}

// Message is one protocol message in decoded form. A Message is built once
// and never mutated; code that derives a reply or a relayed copy assembles a
// fresh value from the fields it needs.
//
// Params, Result and Data stay opaque raw JSON: the bridge forwards method
// payloads without interpreting them. String fields absent on the wire are
// empty; an absent sequence is a nil pointer so that an explicit 0 survives.
// Extra holds any wire fields this bridge does not know about, keyed by
// field name, so they are emitted again on encode.
type Message struct {
	Type              Kind
	ID                string
	ToolID            string
	Capabilities      []string
	Method            string
	Params            json.RawMessage
	Result            json.RawMessage
	Error             string
	Code              string
	Sequence          *int64
	Data              json.RawMessage
	Event             string
	Source            string
	RequestID         string
	ProtocolVersion   string
	ServerVersion     string
	SupportedVersions []string
	Extra             map[string]json.RawMessage
}

// Seq returns a pointer to n, for building messages with a sequence tag.
func Seq(n int64) *int64 { return &n }
