package queue

// InboundMessage mirrors the stream entry fields produced by the webhook
// receiver.
type InboundMessage struct {
	Sender    string
	Text      string
	MessageID string
	Timestamp string
}

// Delivery pairs a claimed stream entry with its decoded message. Values
// keeps the original fields so DLQ routing preserves the payload verbatim.
type Delivery struct {
	StreamID string
	Message  InboundMessage
	Values   map[string]interface{}
}

// OutboundMessage is the reply payload traveling through the outbound list,
// the retry set, and — after exhausted retries — the outbound DLQ.
type OutboundMessage struct {
	To       string `json:"to"`
	Text     string `json:"text"`
	CID      string `json:"cid"`
	Attempts int    `json:"attempts"`

	// Set only on DLQ entries.
	Error    string `json:"error,omitempty"`
	FailedAt string `json:"failed_at,omitempty"`
}
