package channel

import (
	"time"

	"relay-access/internal/tokengate"
)

type Channel struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"not null" json:"name"`
	Description string    `json:"description"`
	CreatedBy   string    `gorm:"not null" json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	// TokenAddress is only set while IsTokenGated is true.
	IsTokenGated bool    `gorm:"not null;default:false" json:"is_token_gated"`
	TokenAddress *string `json:"token_address,omitempty"`
}

// GateConfig returns the token gate state of the channel.
func (c *Channel) GateConfig() tokengate.Config {
	cfg := tokengate.Config{Gated: c.IsTokenGated}
	if c.TokenAddress != nil {
		cfg.TokenAddress = *c.TokenAddress
	}
	return cfg
}

// Membership is a user's presence in a channel; (UserID, ChannelID) is unique.
type Membership struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    string    `gorm:"not null;uniqueIndex:idx_membership_user_channel" json:"user_id"`
	ChannelID uint      `gorm:"not null;uniqueIndex:idx_membership_user_channel;index" json:"channel_id"`
	Nickname  string    `json:"nickname,omitempty"`
	JoinedAt  time.Time `gorm:"autoCreateTime" json:"joined_at"`
}
