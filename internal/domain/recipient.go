package domain

import "time"

// LeadStatus enumerates the states a lead can be in.
type LeadStatus string

const (
	LeadNew          LeadStatus = "new"
	LeadContacted    LeadStatus = "contacted"
	LeadQualified    LeadStatus = "qualified"
	LeadConverted    LeadStatus = "converted"
	LeadUnsubscribed LeadStatus = "unsubscribed"
)

// Recipient is a lead or user as seen by the broadcast engine. The engine
// never mutates recipients; they are read for segment matching and send
// targeting only.
type Recipient struct {
	ID             string     `json:"id" db:"id"`
	Name           string     `json:"name" db:"name"`
	Email          string     `json:"email" db:"email"`
	ChannelAddress string     `json:"channelAddress,omitempty" db:"channel_address"`
	Status         LeadStatus `json:"status" db:"status"`
	Source         string     `json:"source" db:"source"`
	Tags           []string   `json:"tags" db:"tags"`
	CreatedAt      time.Time  `json:"createdAt" db:"created_at"`
}

// Address returns the delivery address for the recipient: the channel
// address when set, the email otherwise.
func (r *Recipient) Address() string {
	if r.ChannelAddress != "" {
		return r.ChannelAddress
	}
	return r.Email
}
