// Package story manages story metadata, settings and per-story block
// configuration.
package story

import (
	"time"
)

// Context-limit modes for Settings.ContextLimit.
const (
	LimitFragments  = "fragments"
	LimitTokens     = "tokens"
	LimitCharacters = "characters"
)

// Output formats for Settings.OutputFormat.
const (
	FormatPlaintext = "plaintext"
	FormatMarkdown  = "markdown"
)

// ContextLimit bounds how much recent prose enters the prompt.
type ContextLimit struct {
	Mode  string `json:"mode"`
	Value int    `json:"value"`
}

// Settings holds the per-story knobs consumed by the generation core.
type Settings struct {
	ContextLimit           ContextLimit `json:"contextLimit"`
	MaxSteps               int          `json:"maxSteps"`
	SummarizationThreshold int          `json:"summarizationThreshold"`
	OutputFormat           string       `json:"outputFormat"`
	AutoApplyLibrarian     bool         `json:"autoApplyLibrarian"`
}

// DefaultSettings returns the settings applied to new stories.
func DefaultSettings() Settings {
	return Settings{
		ContextLimit: ContextLimit{Mode: LimitFragments, Value: 20},
		MaxSteps:     10,
		OutputFormat: FormatPlaintext,
	}
}

// Story is the top-level unit of organization. Summary is the rolling
// librarian summary.
type Story struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Summary     string    `json:"summary"`
	CreatedAt   time.Time `json:"createdAt"`
	Settings    Settings  `json:"settings"`
}
