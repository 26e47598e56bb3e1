package broadcast

import "errors"

// Sentinel errors for the broadcast service layer.
var (
	ErrNotFound          = errors.New("campaign not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrCampaignSending   = errors.New("campaign is currently sending")
	ErrNotEditable       = errors.New("campaign can no longer be edited")
	ErrNotScheduled      = errors.New("campaign has no schedule to cancel")
	ErrNotClaimed        = errors.New("campaign was claimed by another dispatch or is not due")
)
