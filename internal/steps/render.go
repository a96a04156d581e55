package steps

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sells-group/callpipe/internal/model"
)

const jsonOnly = "Respond with a single JSON object and nothing else."

// render builds the per-call prompt: metadata, transcript and the outputs
// of the named earlier steps that are present in rc.
func render(rc *model.RequestContext, inputs []string) string {
	var b strings.Builder
	in := rc.Input

	b.WriteString("Call metadata:\n")
	if in.Metadata.DurationSecs > 0 {
		fmt.Fprintf(&b, "- duration: %.0fs\n", in.Metadata.DurationSecs)
	}
	if in.Metadata.CustomerName != "" {
		fmt.Fprintf(&b, "- customer: %s\n", in.Metadata.CustomerName)
	}
	if !in.Metadata.CallTime.IsZero() {
		fmt.Fprintf(&b, "- call time: %s\n", in.Metadata.CallTime.Format(time.RFC3339))
	}
	if in.Metadata.Timezone != "" {
		fmt.Fprintf(&b, "- timezone: %s\n", in.Metadata.Timezone)
	}
	if rc.Tag != "" {
		fmt.Fprintf(&b, "- classification: %s\n", rc.Tag)
	}

	b.WriteString("\nTranscript:\n")
	if len(in.Utterances) > 0 {
		for _, u := range in.Utterances {
			fmt.Fprintf(&b, "[%.1f-%.1f] %s: %s\n", u.Start, u.End, u.Speaker, u.Text)
		}
	} else {
		b.WriteString(in.Transcript)
		b.WriteString("\n")
	}

	var prior []string
	for _, name := range inputs {
		out, ok := rc.Output(name)
		if !ok {
			continue
		}
		data, err := json.Marshal(out.Fields)
		if err != nil {
			continue
		}
		prior = append(prior, fmt.Sprintf("%s: %s", name, data))
	}
	if len(prior) > 0 {
		b.WriteString("\nEarlier results:\n")
		b.WriteString(strings.Join(prior, "\n"))
		b.WriteString("\n")
	}
	return b.String()
}

// transcriptQuality is the mean utterance confidence. Inputs without
// per-utterance confidence score 0.8.
func transcriptQuality(rc *model.RequestContext) float64 {
	var sum float64
	var n int
	for _, u := range rc.Input.Utterances {
		if u.Confidence > 0 {
			sum += u.Confidence
			n++
		}
	}
	if n == 0 {
		return 0.8
	}
	return sum / float64(n)
}

// completeness returns the fraction of non-empty values.
func completeness(values ...string) float64 {
	if len(values) == 0 {
		return 1
	}
	var filled int
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			filled++
		}
	}
	return float64(filled) / float64(len(values))
}

func selfReported(v float64) float64 {
	if v <= 0 || v > 1 {
		return 0.5
	}
	return v
}

func boolScore(ok bool, whenFalse float64) float64 {
	if ok {
		return 1
	}
	return whenFalse
}

func oneOf(v string, allowed []string, fallback string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	return fallback
}
