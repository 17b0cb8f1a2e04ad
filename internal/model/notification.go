package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MaxPayloadSize is the gateway limit on the serialized payload in bytes.
const MaxPayloadSize = 256

// ErrInvalidNotification indicates a notification that fails the payload
// size or presence checks.
var ErrInvalidNotification = errors.New("invalid notification")

// Notification is one outbound push message. Fields may be mutated by the
// caller until the notification is handed to the gateway; once a sequence
// number is assigned it identifies that delivery attempt.
type Notification struct {
	Device   DeviceToken
	Payload  map[string]any
	Alert    string
	Badge    *int
	Sound    string
	Expiry   uint32
	Encoding string

	// UID is the per-channel sequence number, valid only when HasUID is set.
	UID    uint32
	HasUID bool
}

// SetUID records the sequence number assigned at send time.
func (n *Notification) SetUID(uid uint32) {
	n.UID = uid
	n.HasUID = true
}

// MergedPayload folds the alert/badge/sound overrides into the custom payload
// under the reserved "aps" key and returns the JSON serialization.
func (n *Notification) MergedPayload() ([]byte, error) {
	merged := make(map[string]any, len(n.Payload)+1)
	for k, v := range n.Payload {
		merged[k] = v
	}
	aps := map[string]any{}
	if existing, ok := merged["aps"].(map[string]any); ok {
		for k, v := range existing {
			aps[k] = v
		}
	}
	if n.Alert != "" {
		aps["alert"] = n.Alert
	}
	if n.Badge != nil {
		aps["badge"] = *n.Badge
	}
	if n.Sound != "" {
		aps["sound"] = n.Sound
	}
	merged["aps"] = aps
	return json.Marshal(merged)
}

// Validate checks token well-formedness, payload size and that the
// notification carries at least one of alert, badge, sound or custom content.
func (n *Notification) Validate() error {
	if n.Device.IsZero() {
		return ErrInvalidToken
	}
	if n.Alert == "" && n.Badge == nil && n.Sound == "" && len(n.Payload) == 0 {
		return fmt.Errorf("%w: no alert, badge, sound or custom content", ErrInvalidNotification)
	}
	payload, err := n.MergedPayload()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("%w: payload %d bytes exceeds %d", ErrInvalidNotification, len(payload), MaxPayloadSize)
	}
	return nil
}

// IsValid reports whether Validate succeeds.
func (n *Notification) IsValid() bool {
	return n.Validate() == nil
}
