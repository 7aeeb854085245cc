package gossip

import "encoding/json"

const (
	MSG_CLAIM     = "claim"
	MSG_EXECUTED  = "executed"
	MSG_HEARTBEAT = "heartbeat"
)

// Message is the envelope every gossip payload travels in. MessageID
// makes redelivery harmless: a node drops envelopes it has seen.
type Message struct {
	Type      string          `json:"type"`
	MessageID string          `json:"message_id"`
	SenderID  string          `json:"sender_id"`
	Payload   json.RawMessage `json:"payload"`
}

// ExecutedPayload announces a completed withdrawal so peers drop the
// claim instead of retrying the task.
type ExecutedPayload struct {
	TaskID string `json:"task_id"`
	TxRef  string `json:"tx_ref"`
}

// HeartbeatPayload advertises a live relayer and its stake.
type HeartbeatPayload struct {
	RelayerID string `json:"relayer_id"`
	Stake     string `json:"stake"`
	Timestamp int64  `json:"timestamp"`
}
