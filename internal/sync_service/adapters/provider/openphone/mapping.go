package openphone

import "github.com/commsync/commsync/internal/core_domain"

// OpenPhone status vocabularies change without notice, so every mapping is a
// total function with an explicit default.

var messageStatusMap = map[string]core_domain.MessageStatus{
	"queued":      core_domain.MessageStatusQueued,
	"sent":        core_domain.MessageStatusSent,
	"delivered":   core_domain.MessageStatusDelivered,
	"undelivered": core_domain.MessageStatusFailed,
	"failed":      core_domain.MessageStatusFailed,
}

func mapMessageStatus(providerStatus string) core_domain.MessageStatus {
	if s, ok := messageStatusMap[providerStatus]; ok {
		return s
	}
	return core_domain.MessageStatusSent
}

var callStatusMap = map[string]core_domain.CallStatus{
	"completed":   core_domain.CallStatusCompleted,
	"answered":    core_domain.CallStatusCompleted,
	"missed":      core_domain.CallStatusMissed,
	"no-answer":   core_domain.CallStatusMissed,
	"cancelled":   core_domain.CallStatusCancelled,
	"canceled":    core_domain.CallStatusCancelled,
	"voicemail":   core_domain.CallStatusVoicemail,
	"in-progress": core_domain.CallStatusInProgress,
	"ringing":     core_domain.CallStatusInProgress,
}

func mapCallStatus(providerStatus string) core_domain.CallStatus {
	if s, ok := callStatusMap[providerStatus]; ok {
		return s
	}
	return core_domain.CallStatusCompleted
}

func mapDirection(providerDirection string) core_domain.Direction {
	switch providerDirection {
	case "incoming", "inbound":
		return core_domain.DirectionInbound
	default:
		return core_domain.DirectionOutbound
	}
}
