// Package types defines the shared types used across all livecoach packages.
//
// These types form the lingua franca between the ingest normalizer, the
// context window, the trigger detector, the nudge generator, and the
// dispatcher. Each package defines its own internal types, but cross-cutting
// data structures live here to avoid circular imports.
package types

import (
	"fmt"
	"time"
)

// SpeakerRole identifies who produced a transcript segment.
type SpeakerRole string

const (
	SpeakerTechnician SpeakerRole = "technician"
	SpeakerCustomer   SpeakerRole = "customer"
	SpeakerUnknown    SpeakerRole = "unknown"
)

// IsValid reports whether r is a recognised speaker role.
func (r SpeakerRole) IsValid() bool {
	switch r {
	case SpeakerTechnician, SpeakerCustomer, SpeakerUnknown:
		return true
	}
	return false
}

// ConversationStatus is the lifecycle state of a recorded call.
type ConversationStatus string

const (
	// ConversationInProgress — the call is live; the pipeline owns all state.
	ConversationInProgress ConversationStatus = "in_progress"

	// ConversationCompleted — the call has stopped; no further segments are accepted.
	ConversationCompleted ConversationStatus = "completed"

	// ConversationProcessing — post-call analysis is running.
	ConversationProcessing ConversationStatus = "processing"

	// ConversationAnalyzed — insights have been persisted; read-only from here on.
	ConversationAnalyzed ConversationStatus = "analyzed"
)

// Conversation identifies one recorded technician-customer call.
type Conversation struct {
	// ID is the caller-supplied conversation identifier (e.g., "CONV-1").
	ID string

	// TechnicianID references the technician on the call.
	TechnicianID string

	// JobID references the job this call belongs to.
	JobID string

	// StartedAt is when the call started.
	StartedAt time.Time

	// EndedAt is when the call stopped. Zero while the call is live.
	EndedAt time.Time

	// Status is the current lifecycle state.
	Status ConversationStatus
}

// Segment is one finalized speech unit within a conversation.
//
// Offsets are in seconds of conversation time, measured from call start.
// Finalized segments are immutable and monotonically non-decreasing in Start
// within a conversation.
type Segment struct {
	// ID is the stable segment identifier assigned by the speech source.
	ID string

	// ConversationID references the owning conversation.
	ConversationID string

	// Speaker is the diarized speaker role.
	Speaker SpeakerRole

	// Text is the transcribed speech content.
	Text string

	// Start is the utterance start offset in seconds from call start.
	Start float64

	// End is the utterance end offset in seconds from call start.
	// Always strictly greater than Start for valid segments.
	End float64

	// Confidence is the recognition confidence (0.0–1.0). May be zero when the
	// speech source does not report confidence.
	Confidence float64

	// IsFinal indicates an authoritative (non-revisable) transcript.
	IsFinal bool
}

// Equipment describes one piece of equipment at the job site, supplied as
// static job context at conversation start.
type Equipment struct {
	Name         string `json:"name" yaml:"name"`
	Manufacturer string `json:"manufacturer" yaml:"manufacturer"`
	Model        string `json:"model" yaml:"model"`
	AgeYears     int    `json:"age_years" yaml:"age_years"`
}

// JobContext is the static per-job context injected into nudge generation.
// It is supplied once at conversation start and never mutated afterwards.
type JobContext struct {
	JobID        string      `json:"job_id"`
	JobType      string      `json:"job_type"`
	CustomerName string      `json:"customer_name"`
	Equipment    []Equipment `json:"equipment"`

	// ServiceHistory holds short summaries of prior visits, newest first.
	ServiceHistory []string `json:"service_history"`
}

// NudgeCategory enumerates the closed set of trigger categories. Each category
// has a fixed precedence used when a single segment matches more than one.
type NudgeCategory string

const (
	NudgeCompliance    NudgeCategory = "compliance_reminder"
	NudgeWarning       NudgeCategory = "warning"
	NudgeObjection     NudgeCategory = "objection_handler"
	NudgeUpsell        NudgeCategory = "upsell_prompt"
	NudgeTechnicalHelp NudgeCategory = "technical_help"
	NudgeNextQuestion  NudgeCategory = "next_question"
)

// Categories lists all trigger categories in precedence order, highest first.
var Categories = []NudgeCategory{
	NudgeCompliance,
	NudgeWarning,
	NudgeObjection,
	NudgeUpsell,
	NudgeTechnicalHelp,
	NudgeNextQuestion,
}

// Precedence returns the category's rank in the fixed precedence list;
// lower values win. Unknown categories sort last.
func (c NudgeCategory) Precedence() int {
	for i, cat := range Categories {
		if cat == c {
			return i
		}
	}
	return len(Categories)
}

// IsValid reports whether c is a recognised trigger category.
func (c NudgeCategory) IsValid() bool {
	return c.Precedence() < len(Categories)
}

// NudgePriority is the urgency attached to a dispatched nudge.
type NudgePriority string

const (
	PriorityCritical NudgePriority = "critical"
	PriorityHigh     NudgePriority = "high"
	PriorityMedium   NudgePriority = "medium"
	PriorityLow      NudgePriority = "low"
)

// Priority maps a category to its delivery priority.
func (c NudgeCategory) Priority() NudgePriority {
	switch c {
	case NudgeCompliance, NudgeWarning:
		return PriorityCritical
	case NudgeObjection, NudgeUpsell:
		return PriorityHigh
	case NudgeTechnicalHelp:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// NudgeState is one state of the per-nudge lifecycle machine:
//
//	created → displayed → {dismissed | acted_upon | expired}
//
// dismissed, acted_upon, and expired are terminal.
type NudgeState string

const (
	NudgeCreated   NudgeState = "created"
	NudgeDisplayed NudgeState = "displayed"
	NudgeDismissed NudgeState = "dismissed"
	NudgeActedUpon NudgeState = "acted_upon"
	NudgeExpired   NudgeState = "expired"
)

// IsTerminal reports whether s is a terminal lifecycle state.
func (s NudgeState) IsTerminal() bool {
	switch s {
	case NudgeDismissed, NudgeActedUpon, NudgeExpired:
		return true
	}
	return false
}

// Nudge is a generated coaching/upsell suggestion tied to one triggering
// segment. Nudges are append-only: state flags are updated by the dispatcher
// but rows are never deleted.
type Nudge struct {
	// ID is the unique nudge identifier (UUID).
	ID string

	// ConversationID references the owning conversation.
	ConversationID string

	// Category is the trigger category that produced this nudge.
	Category NudgeCategory

	// Priority is the delivery priority derived from Category.
	Priority NudgePriority

	// Title is a short heading shown to the technician.
	Title string

	// Message is the coaching message body.
	Message string

	// SuggestedResponse is an optional verbatim line the technician can use.
	SuggestedResponse string

	// TriggerPhrase is the matched phrase that opened this opportunity.
	TriggerPhrase string

	// TriggerOffset is the triggering segment's start offset in conversation
	// seconds.
	TriggerOffset float64

	// Confidence is the generator's confidence in the suggestion (0.0–1.0).
	Confidence float64

	// Fallback indicates the message came from a static template rather than
	// the generative model (timeout or generation failure).
	Fallback bool

	// State is the current lifecycle state.
	State NudgeState

	// CreatedAt is when the nudge was generated.
	CreatedAt time.Time

	// ExpiresAt is when an unacknowledged nudge auto-expires.
	ExpiresAt time.Time
}

// TriggerEvent is the output of the trigger detector: one nudge opportunity
// for one finalized segment, carrying everything the generator needs.
type TriggerEvent struct {
	ConversationID string

	// Category is the single winning category after precedence selection.
	Category NudgeCategory

	// MatchedPhrase is the text span that triggered the category.
	MatchedPhrase string

	// Segment is the finalized segment that fired the trigger.
	Segment Segment

	// Window is an immutable snapshot of the context window at trigger time,
	// ordered oldest first.
	Window []Segment

	// Job is the static job context for the conversation.
	Job JobContext
}

// Identity returns the trigger's dedupe key. Two triggers with the same
// category, segment, and phrase are the same opportunity and must not
// produce two nudges.
func (e TriggerEvent) Identity() string {
	return fmt.Sprintf("%s|%s|%s", e.Category, e.Segment.ID, e.MatchedPhrase)
}

// Message is a single message in a generation request's conversation history.
type Message struct {
	// Role is one of "system" or "user".
	Role string

	// Content is the text content of the message.
	Content string
}
