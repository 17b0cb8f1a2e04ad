package apns

import "fmt"

// ErrorCode is the status byte carried by an inbound error record.
type ErrorCode uint8

// Status codes the gateway reports asynchronously.
const (
	CodeNoError            ErrorCode = 0
	CodeProcessingError    ErrorCode = 1
	CodeMissingToken       ErrorCode = 2
	CodeMissingTopic       ErrorCode = 3
	CodeMissingPayload     ErrorCode = 4
	CodeInvalidTokenSize   ErrorCode = 5
	CodeInvalidTopicSize   ErrorCode = 6
	CodeInvalidPayloadSize ErrorCode = 7
	CodeInvalidToken       ErrorCode = 8
	CodeUnknown            ErrorCode = 255
)

var errorCodeText = map[ErrorCode]string{
	CodeNoError:            "no errors",
	CodeProcessingError:    "processing error",
	CodeMissingToken:       "missing device token",
	CodeMissingTopic:       "missing topic",
	CodeMissingPayload:     "missing payload",
	CodeInvalidTokenSize:   "invalid token size",
	CodeInvalidTopicSize:   "invalid topic size",
	CodeInvalidPayloadSize: "invalid payload size",
	CodeInvalidToken:       "invalid token",
	CodeUnknown:            "unknown",
}

// String returns the human-readable meaning of the code.
func (c ErrorCode) String() string {
	if text, ok := errorCodeText[c]; ok {
		return text
	}
	return fmt.Sprintf("unrecognized code %d", uint8(c))
}

// TokenFailure reports whether the code means the registered device token
// itself is bad, as opposed to a malformed frame.
func (c ErrorCode) TokenFailure() bool {
	return c == CodeInvalidToken
}

// ErrorReport is a decoded inbound error record. The gateway sends one of
// these, out of band, just before tearing the connection down.
type ErrorReport struct {
	Code ErrorCode
	UID  uint32
}

// Error implements the error interface so a report can resolve a
// notification's completion handler directly.
func (r *ErrorReport) Error() string {
	return fmt.Sprintf("gateway rejected uid %d: %s", r.UID, r.Code)
}
