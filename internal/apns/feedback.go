package apns

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/bark-labs/apns-relay/internal/model"
)

// FeedbackRecordLength is the size of one feedback-service record: a 4-byte
// UTC timestamp, a 2-byte token length and a 32-byte token.
const FeedbackRecordLength = 38

// FeedbackTokenLength is the token size the feedback service reports.
const FeedbackTokenLength = 32

// FeedbackRecord reports a device token the remote considers stale, with the
// time it last failed.
type FeedbackRecord struct {
	Timestamp time.Time
	Token     model.DeviceToken
}

// DecodeFeedbackRecord parses one fixed-size feedback record.
func DecodeFeedbackRecord(record []byte) (FeedbackRecord, error) {
	if len(record) < FeedbackRecordLength {
		return FeedbackRecord{}, fmt.Errorf("feedback record truncated: %d bytes", len(record))
	}
	ts := binary.BigEndian.Uint32(record[0:4])
	tokenLen := int(binary.BigEndian.Uint16(record[4:6]))
	if tokenLen != FeedbackTokenLength {
		return FeedbackRecord{}, fmt.Errorf("feedback record token length %d", tokenLen)
	}
	token, err := model.TokenFromBytes(record[6 : 6+tokenLen])
	if err != nil {
		return FeedbackRecord{}, fmt.Errorf("feedback record: %w", err)
	}
	return FeedbackRecord{
		Timestamp: time.Unix(int64(ts), 0).UTC(),
		Token:     token,
	}, nil
}
