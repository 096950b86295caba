// Package observerproto defines the read-only feed that lets dashboards
// watch a packing run as it happens.
package observerproto

import "packline.ai/internal/pack"

// Version is the observer protocol version (separate from the simulation protocol).
const Version = "0.1"

const (
	TypeSubscribe = "SUBSCRIBE"
	TypeEvent     = "EVENT"
)

// Client -> Server. First message on the observer WS connection, and can
// be re-sent to change the kinds filter. An empty filter means every kind.
type SubscribeMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Kinds           []string `json:"kinds,omitempty"`
}

// HTTP response for GET /observer/v1/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string `json:"protocol_version"`
	Run             Status `json:"run"`
}

// Status is the observer's running tally of the current run.
type Status struct {
	RunID     string  `json:"run_id"`
	Total     int     `json:"total"`
	Spawned   int     `json:"spawned"`
	Placed    int     `json:"placed"`
	Failed    int     `json:"failed"`
	MaxHeight float64 `json:"max_height"`
	Finished  bool    `json:"finished"`
}

// Server -> Client, one per run event.
type EventMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	Event           pack.Event `json:"event"`
}
