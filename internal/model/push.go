package model

// PushRequest models one push submitted through the admin API.
type PushRequest struct {
	Token   string         `json:"token"`
	Alert   string         `json:"alert"`
	Badge   *int           `json:"badge,omitempty"`
	Sound   string         `json:"sound,omitempty"`
	Expiry  uint32         `json:"expiry,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// PushResult summarises the acceptance of a push request; delivery itself is
// confirmed asynchronously.
type PushResult struct {
	Token    string `json:"token"`
	Accepted bool   `json:"accepted"`
	Message  string `json:"message,omitempty"`
}
