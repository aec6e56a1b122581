// Package prompt holds the mode instruction prefixes injected into every
// LLM call a run makes.
package prompt

import "github.com/ashita-ai/michi/internal/model"

const (
	mentor = "You are acting as a mentor. Never reveal direct answers or finished solutions. " +
		"Respond only with hints and guiding questions that help the user reach the answer themselves.\n\n"
	coach = "You are acting as a coach. Never give the user the direct answer. " +
		"Offer hints, encouragement, and questions that prompt the user's next step.\n\n"
	deepResearch = "You are acting as a research assistant. Every claim you make must cite supporting evidence. " +
		"Mark any claim you cannot support as needing evidence.\n\n"
	codeAssist = "You are acting as a coding assistant. Be precise and concrete; prefer working code over prose.\n\n"
)

// ModePrefix returns the instruction prefix for mode. Generic runs get none.
func ModePrefix(mode model.RunMode) string {
	switch mode {
	case model.ModeMentor:
		return mentor
	case model.ModeCoach:
		return coach
	case model.ModeDeepResearch:
		return deepResearch
	case model.ModeCodeAssist:
		return codeAssist
	default:
		return ""
	}
}

// WithholdsAnswers reports whether mode forbids direct answers.
func WithholdsAnswers(mode model.RunMode) bool {
	return mode == model.ModeMentor || mode == model.ModeCoach
}
