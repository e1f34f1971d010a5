package nudge

import (
	"github.com/callwise/livecoach/pkg/types"
)

// fallbackConfidence is the confidence reported for static template nudges.
// Low on purpose: the template knows the category but nothing about the
// specific conversation.
const fallbackConfidence = 0.3

// fallbackTemplate is a degraded but immediate suggestion used when the
// generative backend times out or fails. A live call must never lose a nudge
// opportunity to a slow model.
type fallbackTemplate struct {
	Title             string
	Message           string
	SuggestedResponse string
}

var fallbackTemplates = map[types.NudgeCategory]fallbackTemplate{
	types.NudgeCompliance: {
		Title:   "Compliance check",
		Message: "Something in this conversation may touch a permit, code, or disclosure requirement. Double-check before committing.",
	},
	types.NudgeWarning: {
		Title:             "Safety concern raised",
		Message:           "A potential safety hazard was mentioned. Pause the sales conversation and address the hazard first.",
		SuggestedResponse: "Before we go any further, let me take a look at that right now to make sure everything is safe.",
	},
	types.NudgeObjection: {
		Title:             "Price objection",
		Message:           "The customer is pushing back on price. Acknowledge the concern, then refocus on value and options.",
		SuggestedResponse: "I completely understand. Let me walk you through a couple of options at different price points.",
	},
	types.NudgeUpsell: {
		Title:             "Upsell opportunity",
		Message:           "The customer mentioned repeat failures or aging equipment. This is a natural moment to discuss replacement or a maintenance plan.",
		SuggestedResponse: "Since this keeps coming back, it might be worth comparing the cost of repairs against a longer-term fix.",
	},
	types.NudgeTechnicalHelp: {
		Title:   "Technical reference",
		Message: "This looks like unfamiliar territory. Check the equipment manual or reach out to senior support before guessing.",
	},
	types.NudgeNextQuestion: {
		Title:             "Keep the conversation going",
		Message:           "The conversation is winding down. Ask about anything else the customer has noticed around the home.",
		SuggestedResponse: "While I'm here, is there anything else that's been acting up lately?",
	},
}

// fallbackFor returns the static template for the category. Every category in
// the closed set has one; an unknown category gets a generic message rather
// than nothing.
func fallbackFor(category types.NudgeCategory) fallbackTemplate {
	if t, ok := fallbackTemplates[category]; ok {
		return t
	}
	return fallbackTemplate{
		Title:   "Coaching moment",
		Message: "A coaching opportunity was detected in the conversation.",
	}
}
