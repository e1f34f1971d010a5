package gateway

import (
	"time"

	"github.com/callwise/livecoach/pkg/types"
)

// startRequest is the JSON body of POST /conversations/{id}/start, received
// from the call-management collaborator.
type startRequest struct {
	TechnicianID string           `json:"technician_id"`
	Job          types.JobContext `json:"job"`
}

// segmentMessage is one inbound frame on the transcription stream.
type segmentMessage struct {
	Type        string  `json:"type"`
	SegmentID   string  `json:"segment_id"`
	SpeakerType string  `json:"speaker_type"`
	Text        string  `json:"text"`
	StartTime   float64 `json:"start_time"`
	EndTime     float64 `json:"end_time"`
	IsFinal     bool    `json:"is_final"`
	Confidence  float64 `json:"confidence"`
}

// nudgeMessage is one outbound frame on the nudge stream.
type nudgeMessage struct {
	Type              string    `json:"type"`
	NudgeID           string    `json:"nudge_id"`
	NudgeType         string    `json:"nudge_type"`
	Priority          string    `json:"priority"`
	Title             string    `json:"title"`
	Message           string    `json:"message"`
	SuggestedResponse string    `json:"suggested_response,omitempty"`
	Confidence        float64   `json:"confidence"`
	TriggerPhrase     string    `json:"trigger_phrase,omitempty"`
	TriggeredAt       time.Time `json:"triggered_at"`
	ExpiresAt         time.Time `json:"expires_at"`
}

// actionMessage is one inbound frame on the nudge stream: an explicit client
// action on a delivered nudge.
type actionMessage struct {
	Action  string `json:"action"`
	NudgeID string `json:"nudge_id"`
}

// errorResponse is the JSON error body for the REST endpoints.
type errorResponse struct {
	Error string `json:"error"`
}

func nudgeToMessage(n *types.Nudge) nudgeMessage {
	return nudgeMessage{
		Type:              "nudge",
		NudgeID:           n.ID,
		NudgeType:         string(n.Category),
		Priority:          string(n.Priority),
		Title:             n.Title,
		Message:           n.Message,
		SuggestedResponse: n.SuggestedResponse,
		Confidence:        n.Confidence,
		TriggerPhrase:     n.TriggerPhrase,
		TriggeredAt:       n.CreatedAt,
		ExpiresAt:         n.ExpiresAt,
	}
}
