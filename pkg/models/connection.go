package models

import "time"

// ConnectionStatus is the last-observed state of a channel adapter's
// platform connection.
type ConnectionStatus string

const (
	ConnectionStatusUnspecified  ConnectionStatus = "unspecified"
	ConnectionStatusConnected    ConnectionStatus = "connected"
	ConnectionStatusDisconnected ConnectionStatus = "disconnected"
	ConnectionStatusError        ConnectionStatus = "error"
	ConnectionStatusConnecting   ConnectionStatus = "connecting"
)

// ChannelConnection is the stored record for one configured channel: its
// type, opaque per-adapter config, and observed connection state. The
// channel manager instantiates one adapter per enabled row at boot.
type ChannelConnection struct {
	ID             string           `json:"id"`
	UserID         string           `json:"user_id"`
	ChannelType    ChannelType      `json:"channel_type"`
	ChannelID      string           `json:"channel_id"`
	Status         ConnectionStatus `json:"status"`
	Config         map[string]any   `json:"config,omitempty"`
	ConnectedAt    time.Time        `json:"connected_at"`
	LastActivityAt time.Time        `json:"last_activity_at"`
}
