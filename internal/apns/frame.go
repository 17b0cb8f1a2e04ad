// Package apns implements the legacy binary wire protocol spoken by the
// push gateway and feedback service.
package apns

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/bark-labs/apns-relay/internal/model"
)

// Frame command bytes.
const (
	CommandSimple   = byte(0)
	CommandExtended = byte(1)
	CommandError    = byte(8)
)

// ErrorRecordLength is the size of an inbound error record in bytes.
const ErrorRecordLength = 6

// Well-known gateway and feedback endpoints.
const (
	GatewayHost         = "gateway.push.apple.com"
	GatewaySandboxHost  = "gateway.sandbox.push.apple.com"
	GatewayPort         = 2195
	FeedbackHost        = "feedback.push.apple.com"
	FeedbackSandboxHost = "feedback.sandbox.push.apple.com"
	FeedbackPort        = 2196
)

// Encode renders a notification into its outbound wire frame. When extended
// is true the frame carries uid and the notification's expiry, and the uid is
// recorded on the notification as the identity of this delivery attempt.
func Encode(n *model.Notification, uid uint32, extended bool) ([]byte, error) {
	token := n.Device.Binary()
	if len(token) == 0 {
		return nil, fmt.Errorf("encode frame: %w", model.ErrInvalidToken)
	}
	payload, err := n.MergedPayload()
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	var buf bytes.Buffer
	if extended {
		buf.WriteByte(CommandExtended)
		binary.Write(&buf, binary.BigEndian, uid)
		binary.Write(&buf, binary.BigEndian, n.Expiry)
		n.SetUID(uid)
	} else {
		buf.WriteByte(CommandSimple)
	}
	binary.Write(&buf, binary.BigEndian, uint16(len(token)))
	buf.Write(token)
	binary.Write(&buf, binary.BigEndian, uint16(len(payload)))
	buf.Write(payload)
	return buf.Bytes(), nil
}

// DecodeErrorRecord recognizes the fixed 6-byte inbound error record. It
// returns nil for any other leading byte, which callers treat as non-error
// traffic.
func DecodeErrorRecord(record []byte) *ErrorReport {
	if len(record) < ErrorRecordLength || record[0] != CommandError {
		return nil
	}
	return &ErrorReport{
		Code: ErrorCode(record[1]),
		UID:  binary.BigEndian.Uint32(record[2:6]),
	}
}
