// Package tracker ingests engagement signals (opens, clicks,
// unsubscribes) and applies them to campaigns as idempotent delivery
// events. Signals arrive over HTTP tracking links, travel through SQS,
// and are consumed by a background worker; development mode short-circuits
// the queue.
package tracker

import "time"

// EngagementKind enumerates the signals a tracking link or gateway
// webhook can emit. Sent and failed arrive from delivery gateways that
// report asynchronously (bounces, deferred delivery receipts).
type EngagementKind string

const (
	EngagementSent        EngagementKind = "sent"
	EngagementFailed      EngagementKind = "failed"
	EngagementOpen        EngagementKind = "opened"
	EngagementClick       EngagementKind = "clicked"
	EngagementUnsubscribe EngagementKind = "unsubscribed"
)

// EngagementEvent is the wire format between the tracking endpoints and
// the consumer. Occurrence is the campaign fire the recipient was part of,
// as a Unix timestamp; it anchors the idempotency key so a re-opened email
// from an earlier occurrence never double-counts.
type EngagementEvent struct {
	Kind        EngagementKind `json:"kind"`
	CampaignID  string         `json:"campaign_id"`
	RecipientID string         `json:"recipient_id"`
	Occurrence  int64          `json:"occurrence"`
	LinkURL     string         `json:"link_url,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	IPAddress   string         `json:"ip_address"`
	UserAgent   string         `json:"user_agent"`
	Timestamp   time.Time      `json:"timestamp"`
}
