package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Utterance is one speaker turn in a transcribed call.
type Utterance struct {
	Speaker    string  `json:"speaker"`
	Text       string  `json:"text"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

// CallMetadata describes the call a transcript came from.
type CallMetadata struct {
	DurationSecs float64   `json:"duration_secs"`
	CustomerName string    `json:"customer_name,omitempty"`
	CallTime     time.Time `json:"call_time"`
	Timezone     string    `json:"timezone,omitempty"`
}

// Input is the raw request a pipeline run operates on.
type Input struct {
	Transcript string       `json:"transcript"`
	Utterances []Utterance  `json:"utterances"`
	Metadata   CallMetadata `json:"metadata"`
}

// Validate checks that the input carries something to extract from.
func (in Input) Validate() error {
	if strings.TrimSpace(in.Transcript) == "" && len(in.Utterances) == 0 {
		return eris.New("model: input has neither transcript nor utterances")
	}
	for i, u := range in.Utterances {
		if u.End < u.Start {
			return eris.Errorf("model: utterance %d ends before it starts", i)
		}
	}
	return nil
}

// Speakers returns distinct speaker ids in order of first appearance.
func (in Input) Speakers() []string {
	seen := make(map[string]bool)
	var out []string
	for _, u := range in.Utterances {
		if u.Speaker == "" || seen[u.Speaker] {
			continue
		}
		seen[u.Speaker] = true
		out = append(out, u.Speaker)
	}
	return out
}

// Text returns the transcript, rebuilding it from utterances when the raw
// transcript is empty.
func (in Input) Text() string {
	if strings.TrimSpace(in.Transcript) != "" {
		return in.Transcript
	}
	var b strings.Builder
	for _, u := range in.Utterances {
		b.WriteString(u.Speaker)
		b.WriteString(": ")
		b.WriteString(u.Text)
		b.WriteString("\n")
	}
	return b.String()
}
