package models

// Audience describes who listens on a channel.
type Audience string

const (
	AudienceSingleRecipient Audience = "single-recipient"
	AudienceBroadcastGroup  Audience = "broadcast-group"
)

// ChannelTarget is a resolved fanout destination for a decision.
type ChannelTarget struct {
	ChannelKey string   `json:"channel_key"`
	Audience   Audience `json:"audience"`
}

// PublishReport summarises one fanout of a decision. Attempted and Succeeded
// keep resolution order.
type PublishReport struct {
	Attempted []string          `json:"attempted"`
	Succeeded []string          `json:"succeeded"`
	Failed    map[string]string `json:"failed,omitempty"`
}
