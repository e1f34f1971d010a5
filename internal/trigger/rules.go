package trigger

import (
	"github.com/callwise/livecoach/pkg/types"
)

// DefaultMatchers returns one matcher per trigger category, ordered by the
// fixed category precedence. The rule sets encode the phrases a field-service
// coaching pipeline cares about; they are deliberately conservative — a
// missed opportunity is cheaper than nudge spam.
func DefaultMatchers() []Matcher {
	return []Matcher{
		// Compliance reminders fire on the technician skipping required
		// disclosures or paperwork topics.
		newPhraseMatcher(types.NudgeCompliance, nil,
			[]string{
				`\bwithout\s+(?:a\s+)?permit\b`,
				`\bskip\s+the\s+(?:permit|inspection|paperwork)\b`,
				`\b(?:void|voids|voided)\s+(?:the\s+)?warranty\b`,
			},
			[]string{
				"code violation",
				"not up to code",
				"required disclosure",
			},
		),

		// Warnings fire on safety hazards mentioned by either party.
		newPhraseMatcher(types.NudgeWarning, nil,
			[]string{
				`\bgas\s+leak\b`,
				`\bcarbon\s+monoxide\b`,
				`\bburning\s+smell\b`,
				`\bexposed\s+wir(?:e|es|ing)\b`,
				`\bsparking\b`,
			},
			[]string{
				"smells like gas",
				"smoke coming out",
			},
		),

		// Objections fire on customer price resistance.
		newPhraseMatcher(types.NudgeObjection,
			[]types.SpeakerRole{types.SpeakerCustomer, types.SpeakerUnknown},
			[]string{
				`\btoo\s+expensive\b`,
				`\bcan'?t\s+afford\b`,
				`\b(?:get|getting)\s+(?:another|a\s+second)\s+(?:quote|opinion)\b`,
				`\bthink\s+(?:about\s+it|it\s+over)\b`,
			},
			[]string{
				"price is too high",
				"out of my budget",
			},
		),

		// Upsell opportunities fire on repeat-failure and aging-equipment cues.
		newPhraseMatcher(types.NudgeUpsell,
			[]types.SpeakerRole{types.SpeakerCustomer, types.SpeakerUnknown},
			[]string{
				`\b(?:fix|repair|replace)(?:ed)?\s+(?:this|it|that)\s+(?:\w+\s+)?times\b`,
				`\bkeeps?\s+break(?:ing)?\s+(?:down|again)?\b`,
				`\b(?:over|more\s+than)\s+\w+\s+years\s+old\b`,
				`\bbreak(?:ing|s)?\s+down\s+again\b`,
			},
			[]string{
				"same problem again",
				"third time this year",
			},
		),

		// Technical help fires on technician uncertainty or diagnostic trouble.
		newPhraseMatcher(types.NudgeTechnicalHelp,
			[]types.SpeakerRole{types.SpeakerTechnician},
			[]string{
				`\bnever\s+seen\s+(?:this|that|one\s+of\s+these)\b`,
				`\bnot\s+sure\s+(?:what|why|how)\b`,
				`\berror\s+code\s+\w+\b`,
				`\bstrange\s+reading\b`,
			},
			[]string{
				"can't figure out",
				"doesn't make sense",
			},
		),

		// Next-question prompts fire on conversational dead ends.
		newPhraseMatcher(types.NudgeNextQuestion, nil,
			[]string{
				`\banything\s+else\b`,
				`\bis\s+that\s+everything\b`,
				`\bwhat\s+(?:do\s+you|would\s+you)\s+recommend\b`,
			},
			[]string{
				"that should do it",
			},
		),
	}
}
