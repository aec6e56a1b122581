package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/prompt"
	"github.com/ashita-ai/michi/internal/tools"
)

// Prompt markers. Tests route scripted responses on these.
const (
	markerPlan    = "Respond with the next plan"
	markerSummary = "Summarize this candidate plan"
	markerMerge   = "Merge these candidate plans"
	markerFinal   = "Write the final response"
)

const planShape = `{"stage":"plan|verify|final","thought":"...","toolCalls":[{"tool":"name","args":{}}],` +
	`"claims":[{"text":"...","needsEvidence":true}],` +
	`"final":{"message":"...","hints":["..."],"questions":["..."],"citations":[{"source":"...","ref":"...","quote":"..."}]}}`

const finalShape = `{"message":"...","hints":["..."],"questions":["..."],"citations":[{"source":"...","ref":"...","quote":"..."}]}`

func planPrompt(st *loopState, available []tools.Tool) string {
	var b strings.Builder
	b.WriteString("You are an agent working toward the user's goal one step at a time.\n\n")
	writeContext(&b, st)
	b.WriteString("Available tools:\n")
	b.WriteString(tools.Describe(available))
	b.WriteString("\n\n")
	if len(st.recalled) > 0 {
		b.WriteString("Similar past situations:\n")
		for _, e := range st.recalled {
			fmt.Fprintf(&b, "- %q -> %s (%s)\n", e.Situation, e.ActionsSummary, e.Outcome)
		}
		b.WriteString("\n")
	}
	writeHistory(&b, st.history)
	b.WriteString(markerPlan)
	b.WriteString(" as a single JSON object:\n")
	b.WriteString(planShape)
	b.WriteString("\nUse stage \"final\" with a final object only when you can answer without more tools. ")
	b.WriteString("Flag claims that must be backed by tool output with needsEvidence. ")
	b.WriteString("Blocked tool calls include feedback; change your approach instead of repeating them.")
	return b.String()
}

func summaryPrompt(candidate string) string {
	return markerSummary + " in at most three sentences. Name each tool call and why it is made.\n\nPlan:\n" + candidate
}

func mergePrompt(st *loopState, available []tools.Tool, summaries []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s into one plan that keeps the strongest steps of each.\n\n", markerMerge)
	writeContext(&b, st)
	b.WriteString("Available tools:\n")
	b.WriteString(tools.Describe(available))
	b.WriteString("\n\nCandidate summaries:\n")
	for i, s := range summaries {
		fmt.Fprintf(&b, "%d. %s\n", i+1, strings.TrimSpace(s))
	}
	b.WriteString("\n")
	writeHistory(&b, st.history)
	b.WriteString("Respond with a single JSON object:\n")
	b.WriteString(planShape)
	return b.String()
}

func finalPrompt(st *loopState, evidence []model.Evidence) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s for the user.\n\n", markerFinal)
	writeContext(&b, st)
	writeHistory(&b, st.history)
	if len(evidence) > 0 {
		b.WriteString("Evidence:\n")
		for _, ev := range evidence {
			fmt.Fprintf(&b, "- claim %q: %s (confidence %.1f)\n", ev.Claim, ev.EvidenceText, ev.Confidence)
		}
		b.WriteString("\n")
	}
	b.WriteString("Respond with a single JSON object:\n")
	b.WriteString(finalShape)
	if prompt.WithholdsAnswers(st.run.Mode) {
		b.WriteString("\nPut guidance in hints and questions. The message must not state the answer.")
	}
	if st.run.Mode == model.ModeDeepResearch {
		b.WriteString("\nCite the evidence behind every claim in citations.")
	}
	return b.String()
}

func writeContext(b *strings.Builder, st *loopState) {
	fmt.Fprintf(b, "Goal: %s\n", st.run.Goal)
	if len(st.run.Input) > 0 && string(st.run.Input) != "null" {
		fmt.Fprintf(b, "Input: %s\n", st.run.Input)
	}
	b.WriteString("\n")
}

func writeHistory(b *strings.Builder, history []model.ToolResult) {
	if len(history) == 0 {
		return
	}
	out, err := json.Marshal(history)
	if err != nil {
		return
	}
	b.WriteString("Tool results so far:\n")
	b.Write(out)
	b.WriteString("\n\n")
}
