package wire

// Stable error codes carried in the "code" field of error replies. Peers
// match on these strings, so they never change meaning.
const (
	CodeParseError           = "PARSE_ERROR"
	CodeUnsupportedType      = "UNSUPPORTED_TYPE"
	CodeInvalidRequest       = "INVALID_REQUEST"
	CodeDuplicateID          = "DUPLICATE_ID"
	CodeUnknownID            = "UNKNOWN_ID"
	CodeComponentUnavailable = "COMPONENT_UNAVAILABLE"
	CodeIncompatibleVersion  = "INCOMPATIBLE_VERSION"
	CodeRequestTimeout       = "REQUEST_TIMEOUT"
)
