package twilio

import (
	"strings"

	"github.com/commsync/commsync/internal/core_domain"
)

// Twilio's status vocabularies grow without notice; every mapping is total
// with an explicit default.

var messageStatusMap = map[string]core_domain.MessageStatus{
	"accepted":    core_domain.MessageStatusQueued,
	"queued":      core_domain.MessageStatusQueued,
	"sending":     core_domain.MessageStatusSent,
	"sent":        core_domain.MessageStatusSent,
	"delivered":   core_domain.MessageStatusDelivered,
	"received":    core_domain.MessageStatusDelivered,
	"undelivered": core_domain.MessageStatusFailed,
	"failed":      core_domain.MessageStatusFailed,
}

func mapMessageStatus(providerStatus string) core_domain.MessageStatus {
	if s, ok := messageStatusMap[strings.ToLower(providerStatus)]; ok {
		return s
	}
	return core_domain.MessageStatusSent
}

var callStatusMap = map[string]core_domain.CallStatus{
	"completed":   core_domain.CallStatusCompleted,
	"busy":        core_domain.CallStatusMissed,
	"no-answer":   core_domain.CallStatusMissed,
	"failed":      core_domain.CallStatusCancelled,
	"canceled":    core_domain.CallStatusCancelled,
	"queued":      core_domain.CallStatusInProgress,
	"ringing":     core_domain.CallStatusInProgress,
	"in-progress": core_domain.CallStatusInProgress,
}

func mapCallStatus(providerStatus string) core_domain.CallStatus {
	if s, ok := callStatusMap[strings.ToLower(providerStatus)]; ok {
		return s
	}
	return core_domain.CallStatusCompleted
}

// mapDirection covers Twilio's outbound-api / outbound-dial / outbound-reply
// family with a prefix check.
func mapDirection(providerDirection string) core_domain.Direction {
	if strings.ToLower(providerDirection) == "inbound" {
		return core_domain.DirectionInbound
	}
	return core_domain.DirectionOutbound
}
