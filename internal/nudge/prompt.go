package nudge

import (
	"fmt"
	"strings"

	"github.com/callwise/livecoach/pkg/types"
)

// systemPrompt instructs the model to behave as a live coaching assistant and
// to answer in the strict JSON shape the generator parses.
const systemPrompt = `You are a real-time coaching assistant for field-service technicians on live customer calls.
You receive a trigger category, the phrase that fired it, recent transcript context, and job details.
Produce ONE short, actionable coaching suggestion the technician can use immediately.

Respond with a single JSON object and nothing else:
{"title": "<short heading, max 8 words>", "message": "<coaching message, max 2 sentences>", "suggested_response": "<optional verbatim line the technician can say, or empty string>", "confidence": <0.0-1.0>}`

// categoryGuidance gives the model a one-line steer per trigger category.
var categoryGuidance = map[types.NudgeCategory]string{
	types.NudgeCompliance:    "Remind the technician of the relevant permit, code, or disclosure obligation.",
	types.NudgeWarning:       "A safety hazard was mentioned. Coach the technician to address it before anything else.",
	types.NudgeObjection:     "The customer is objecting, likely on price. Suggest how to acknowledge and reframe around value.",
	types.NudgeUpsell:        "The customer hinted at repeat failures or aging equipment. Suggest a natural, non-pushy way to raise replacement or a maintenance plan.",
	types.NudgeTechnicalHelp: "The technician sounds unsure. Offer a concrete diagnostic next step for this equipment.",
	types.NudgeNextQuestion:  "The conversation is stalling. Suggest a good discovery question to ask next.",
}

// buildUserPrompt renders the trigger, job context, and transcript window into
// the user message for one generation request.
func buildUserPrompt(ev types.TriggerEvent) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Trigger category: %s\n", ev.Category)
	fmt.Fprintf(&sb, "Matched phrase: %q\n", ev.MatchedPhrase)
	if guidance, ok := categoryGuidance[ev.Category]; ok {
		fmt.Fprintf(&sb, "Guidance: %s\n", guidance)
	}

	if ev.Job.JobID != "" || ev.Job.JobType != "" {
		sb.WriteString("\n## Job\n")
		if ev.Job.JobType != "" {
			fmt.Fprintf(&sb, "Type: %s\n", ev.Job.JobType)
		}
		if ev.Job.CustomerName != "" {
			fmt.Fprintf(&sb, "Customer: %s\n", ev.Job.CustomerName)
		}
		for _, eq := range ev.Job.Equipment {
			fmt.Fprintf(&sb, "Equipment: %s %s %s (%d years old)\n",
				eq.Manufacturer, eq.Model, eq.Name, eq.AgeYears)
		}
		for _, h := range ev.Job.ServiceHistory {
			fmt.Fprintf(&sb, "Prior visit: %s\n", h)
		}
	}

	if len(ev.Window) > 0 {
		sb.WriteString("\n## Recent transcript\n")
		for _, seg := range ev.Window {
			fmt.Fprintf(&sb, "[%s] %s\n", seg.Speaker, seg.Text)
		}
	}

	fmt.Fprintf(&sb, "\n## Triggering utterance\n[%s] %s\n", ev.Segment.Speaker, ev.Segment.Text)

	return sb.String()
}
