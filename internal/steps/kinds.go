package steps

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sells-group/callpipe/internal/agent"
	"github.com/sells-group/callpipe/internal/model"
	"github.com/sells-group/callpipe/internal/planner"
)

var (
	foundationReads = []string{agent.KindRoleIdentification.String(), agent.KindTemporalResolution.String()}
	extractionNames = []string{
		agent.KindCustomerInfoExtraction.String(),
		agent.KindAppointmentExtraction.String(),
		agent.KindPricingExtraction.String(),
		agent.KindIssueExtraction.String(),
		agent.KindNextStepsExtraction.String(),
	}
)

func optionalConfig(timeout time.Duration, parallel bool) agent.Config {
	return agent.Config{Timeout: timeout, Optional: true, Parallel: parallel, RetryOnFailure: true}
}

// --- role identification ---

// Roles maps speaker ids to call roles.
type Roles struct {
	Agent      string            `json:"agent"`
	Customer   string            `json:"customer"`
	Speakers   map[string]string `json:"speakers"`
	Confidence float64           `json:"confidence"`
}

func roleIdentification() definition[Roles] {
	return definition[Roles]{
		kind:      agent.KindRoleIdentification,
		config:    optionalConfig(30*time.Second, true),
		maxTokens: 256,
		system: `Identify which speaker in the call transcript is the business agent and which is the customer.
Return {"agent": speaker id, "customer": speaker id, "speakers": {speaker id: "agent"|"customer"|"other"}, "confidence": 0-1}.
` + jsonOnly,
		defaults: func(_ *model.RequestContext, v *Roles) {
			if v.Speakers == nil {
				v.Speakers = map[string]string{}
			}
			for id, role := range v.Speakers {
				v.Speakers[id] = oneOf(role, []string{"agent", "customer", "other"}, "other")
				switch {
				case v.Agent == "" && v.Speakers[id] == "agent":
					v.Agent = id
				case v.Customer == "" && v.Speakers[id] == "customer":
					v.Customer = id
				}
			}
			if v.Agent != "" {
				v.Speakers[v.Agent] = "agent"
			}
			if v.Customer != "" {
				v.Speakers[v.Customer] = "customer"
			}
		},
		factors: func(rc *model.RequestContext, v *Roles) map[string]float64 {
			speakers := rc.Input.Speakers()
			coverage := 1.0
			if len(speakers) > 0 {
				var assigned int
				for _, s := range speakers {
					if _, ok := v.Speakers[s]; ok {
						assigned++
					}
				}
				coverage = float64(assigned) / float64(len(speakers))
			}
			return map[string]float64{
				"self_reported":      selfReported(v.Confidence),
				"speaker_coverage":   coverage,
				"transcript_quality": transcriptQuality(rc),
			}
		},
		// The business answers, so the first speaker is taken as the agent.
		salvage: func(rc *model.RequestContext, _ string) (*Roles, bool) {
			speakers := rc.Input.Speakers()
			if len(speakers) < 2 {
				return nil, false
			}
			return &Roles{
				Agent:    speakers[0],
				Customer: speakers[1],
				Speakers: map[string]string{speakers[0]: "agent", speakers[1]: "customer"},
			}, true
		},
		fallback: func() *Roles { return &Roles{Speakers: map[string]string{}} },
	}
}

// --- temporal resolution ---

// Temporal anchors relative time expressions to absolute times.
type Temporal struct {
	CallTime   string          `json:"call_time"`
	Timezone   string          `json:"timezone"`
	References []TimeReference `json:"references"`
}

// TimeReference is one resolved time expression.
type TimeReference struct {
	Phrase   string `json:"phrase"`
	Resolved string `json:"resolved"`
}

func temporalResolution() definition[Temporal] {
	return definition[Temporal]{
		kind:      agent.KindTemporalResolution,
		config:    optionalConfig(30*time.Second, true),
		maxTokens: 512,
		system: `Resolve every relative time expression in the call ("tomorrow", "next Tuesday at 3") to an absolute RFC 3339 time using the call time and timezone.
Return {"call_time": RFC 3339, "timezone": IANA name, "references": [{"phrase": text, "resolved": RFC 3339}]}.
` + jsonOnly,
		defaults: func(rc *model.RequestContext, v *Temporal) {
			md := rc.Input.Metadata
			if v.CallTime == "" && !md.CallTime.IsZero() {
				v.CallTime = md.CallTime.Format(time.RFC3339)
			}
			if v.Timezone == "" {
				v.Timezone = md.Timezone
			}
			if v.Timezone == "" {
				v.Timezone = "UTC"
			}
			if v.References == nil {
				v.References = []TimeReference{}
			}
		},
		factors: func(rc *model.RequestContext, v *Temporal) map[string]float64 {
			resolved := 1.0
			if len(v.References) > 0 {
				var n int
				for _, r := range v.References {
					if _, err := time.Parse(time.RFC3339, r.Resolved); err == nil {
						n++
					}
				}
				resolved = float64(n) / float64(len(v.References))
			}
			return map[string]float64{
				"resolved":           resolved,
				"anchored":           boolScore(v.CallTime != "", 0.4),
				"transcript_quality": transcriptQuality(rc),
			}
		},
		salvage: func(rc *model.RequestContext, _ string) (*Temporal, bool) {
			if rc.Input.Metadata.CallTime.IsZero() {
				return nil, false
			}
			return &Temporal{}, true
		},
		fallback: func() *Temporal { return &Temporal{References: []TimeReference{}} },
	}
}

// --- call classification ---

// Classification is the call's routing tag.
type Classification struct {
	Tag        string  `json:"tag"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
}

// TagUnknown marks a call no built-in tag fits.
const TagUnknown = "unknown"

var knownTags = []string{
	planner.TagAppointmentBooking,
	planner.TagServiceQuote,
	planner.TagSupportIssue,
	planner.TagSalesInquiry,
}

func callClassification() definition[Classification] {
	return definition[Classification]{
		kind:      agent.KindCallClassification,
		config:    optionalConfig(20*time.Second, false),
		maxTokens: 128,
		system: `Classify the purpose of the call as one of: ` + strings.Join(knownTags, ", ") + `, or unknown.
Return {"tag": tag, "reason": one sentence, "confidence": 0-1}.
` + jsonOnly,
		defaults: func(_ *model.RequestContext, v *Classification) {
			v.Tag = oneOf(v.Tag, knownTags, TagUnknown)
		},
		factors: func(_ *model.RequestContext, v *Classification) map[string]float64 {
			return map[string]float64{
				"self_reported": selfReported(v.Confidence),
				"known_tag":     boolScore(v.Tag != TagUnknown, 0.3),
			}
		},
		fallback: func() *Classification { return &Classification{Tag: TagUnknown} },
	}
}

// --- appointment extraction ---

// Appointment is a booked or proposed visit.
type Appointment struct {
	Scheduled bool   `json:"scheduled"`
	Date      string `json:"date"`
	Time      string `json:"time"`
	Service   string `json:"service"`
	Location  string `json:"location"`
	Notes     string `json:"notes"`
}

func appointmentExtraction() definition[Appointment] {
	return definition[Appointment]{
		kind:      agent.KindAppointmentExtraction,
		reads:     foundationReads,
		config:    optionalConfig(45*time.Second, false),
		maxTokens: 512,
		system: `Extract the appointment discussed in the call. Use the resolved times from earlier results when available.
Return {"scheduled": bool, "date": YYYY-MM-DD, "time": HH:MM, "service": text, "location": text, "notes": text}.
` + jsonOnly,
		defaults: func(_ *model.RequestContext, v *Appointment) {
			v.Date = strings.TrimSpace(v.Date)
			v.Time = strings.TrimSpace(v.Time)
			v.Service = strings.TrimSpace(v.Service)
			v.Location = strings.TrimSpace(v.Location)
			if v.Date != "" && v.Time != "" {
				v.Scheduled = true
			}
		},
		factors: func(rc *model.RequestContext, v *Appointment) map[string]float64 {
			complete := 1.0
			if v.Scheduled {
				complete = completeness(v.Date, v.Time, v.Service)
			}
			return map[string]float64{
				"completeness":       complete,
				"date_valid":         boolScore(v.Date == "" || validDate(v.Date), 0.2),
				"transcript_quality": transcriptQuality(rc),
			}
		},
		fallback: func() *Appointment { return &Appointment{} },
	}
}

func validDate(s string) bool {
	_, err := time.Parse("2006-01-02", s)
	return err == nil
}

// --- pricing extraction ---

// Pricing lists the amounts quoted on the call.
type Pricing struct {
	Currency string  `json:"currency"`
	Quotes   []Quote `json:"quotes"`
	Total    float64 `json:"total"`
}

// Quote is one priced item.
type Quote struct {
	Item   string  `json:"item"`
	Amount float64 `json:"amount"`
	Unit   string  `json:"unit,omitempty"`
}

var amountPattern = regexp.MustCompile(`\$\s?(\d{1,3}(?:,\d{3})+|\d+)(\.\d{1,2})?`)

func pricingExtraction() definition[Pricing] {
	return definition[Pricing]{
		kind:      agent.KindPricingExtraction,
		reads:     foundationReads,
		config:    optionalConfig(45*time.Second, false),
		maxTokens: 768,
		system: `Extract every price quoted by the agent.
Return {"currency": ISO 4217, "quotes": [{"item": text, "amount": number, "unit": text}], "total": number}.
` + jsonOnly,
		defaults: func(_ *model.RequestContext, v *Pricing) {
			v.Currency = strings.ToUpper(strings.TrimSpace(v.Currency))
			if v.Currency == "" {
				v.Currency = "USD"
			}
			if v.Quotes == nil {
				v.Quotes = []Quote{}
			}
			if v.Total == 0 {
				v.Total = quoteSum(v.Quotes)
			}
		},
		factors: func(rc *model.RequestContext, v *Pricing) map[string]float64 {
			return map[string]float64{
				"has_quotes":         boolScore(len(v.Quotes) > 0, 0.4),
				"total_consistent":   boolScore(len(v.Quotes) == 0 || math.Abs(quoteSum(v.Quotes)-v.Total) < 0.01, 0.5),
				"transcript_quality": transcriptQuality(rc),
			}
		},
		salvage: func(rc *model.RequestContext, _ string) (*Pricing, bool) {
			var quotes []Quote
			for _, m := range amountPattern.FindAllStringSubmatch(rc.Input.Text(), -1) {
				amount, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", "")+m[2], 64)
				if err != nil {
					continue
				}
				quotes = append(quotes, Quote{Item: "mentioned amount", Amount: amount})
			}
			if len(quotes) == 0 {
				return nil, false
			}
			return &Pricing{Quotes: quotes}, true
		},
		fallback: func() *Pricing { return &Pricing{Currency: "USD", Quotes: []Quote{}} },
	}
}

func quoteSum(qs []Quote) float64 {
	var sum float64
	for _, q := range qs {
		sum += q.Amount
	}
	return math.Round(sum*100) / 100
}

// --- issue extraction ---

// Issue is the customer's reported problem.
type Issue struct {
	Category    string `json:"category"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Resolved    bool   `json:"resolved"`
}

func issueExtraction() definition[Issue] {
	return definition[Issue]{
		kind:      agent.KindIssueExtraction,
		reads:     foundationReads,
		config:    optionalConfig(45*time.Second, false),
		maxTokens: 512,
		system: `Extract the problem the customer called about.
Return {"category": short label, "description": text, "severity": "low"|"medium"|"high", "resolved": bool}.
` + jsonOnly,
		defaults: func(_ *model.RequestContext, v *Issue) {
			v.Severity = oneOf(v.Severity, []string{"low", "medium", "high"}, "medium")
			v.Category = strings.ToLower(strings.TrimSpace(v.Category))
			if v.Category == "" {
				v.Category = "general"
			}
		},
		factors: func(rc *model.RequestContext, v *Issue) map[string]float64 {
			return map[string]float64{
				"described":          completeness(v.Description),
				"categorized":        boolScore(v.Category != "general", 0.6),
				"transcript_quality": transcriptQuality(rc),
			}
		},
		fallback: func() *Issue { return &Issue{Category: "general", Severity: "medium"} },
	}
}

// --- customer info extraction ---

// Customer is the caller's contact information.
type Customer struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Email   string `json:"email"`
	Address string `json:"address"`
}

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phonePattern = regexp.MustCompile(`\(?\b\d{3}\)?[\s.\-]?\d{3}[\s.\-]?\d{4}\b`)
)

func customerInfoExtraction() definition[Customer] {
	return definition[Customer]{
		kind:      agent.KindCustomerInfoExtraction,
		reads:     foundationReads,
		config:    optionalConfig(45*time.Second, false),
		maxTokens: 384,
		system: `Extract the customer's contact details stated on the call. Leave unknown fields empty.
Return {"name": text, "phone": text, "email": text, "address": text}.
` + jsonOnly,
		defaults: func(rc *model.RequestContext, v *Customer) {
			v.Name = strings.TrimSpace(v.Name)
			if v.Name == "" {
				v.Name = rc.Input.Metadata.CustomerName
			}
			v.Email = strings.ToLower(strings.TrimSpace(v.Email))
			v.Phone = strings.TrimSpace(v.Phone)
			v.Address = strings.TrimSpace(v.Address)
		},
		factors: func(rc *model.RequestContext, v *Customer) map[string]float64 {
			return map[string]float64{
				"completeness":       completeness(v.Name, v.Phone, v.Email, v.Address),
				"email_valid":        boolScore(v.Email == "" || emailPattern.MatchString(v.Email), 0.2),
				"transcript_quality": transcriptQuality(rc),
			}
		},
		salvage: func(rc *model.RequestContext, _ string) (*Customer, bool) {
			text := rc.Input.Text()
			c := &Customer{
				Email: emailPattern.FindString(text),
				Phone: phonePattern.FindString(text),
			}
			if c.Email == "" && c.Phone == "" && rc.Input.Metadata.CustomerName == "" {
				return nil, false
			}
			return c, true
		},
		fallback: func() *Customer { return &Customer{} },
	}
}

// --- next steps extraction ---

// NextSteps lists follow-up actions agreed on the call.
type NextSteps struct {
	Actions          []Action `json:"actions"`
	FollowUpRequired bool     `json:"follow_up_required"`
}

// Action is one follow-up.
type Action struct {
	Owner       string `json:"owner"`
	Description string `json:"description"`
	Due         string `json:"due,omitempty"`
}

func nextStepsExtraction() definition[NextSteps] {
	return definition[NextSteps]{
		kind:      agent.KindNextStepsExtraction,
		reads:     foundationReads,
		config:    optionalConfig(45*time.Second, false),
		maxTokens: 512,
		system: `List the follow-up actions agreed on the call and who owns each.
Return {"actions": [{"owner": "agent"|"customer", "description": text, "due": RFC 3339 or empty}], "follow_up_required": bool}.
` + jsonOnly,
		defaults: func(_ *model.RequestContext, v *NextSteps) {
			if v.Actions == nil {
				v.Actions = []Action{}
			}
			kept := v.Actions[:0]
			for _, a := range v.Actions {
				a.Description = strings.TrimSpace(a.Description)
				if a.Description == "" {
					continue
				}
				a.Owner = oneOf(a.Owner, []string{"agent", "customer"}, "agent")
				kept = append(kept, a)
			}
			v.Actions = kept
			if len(v.Actions) > 0 {
				v.FollowUpRequired = true
			}
		},
		factors: func(rc *model.RequestContext, v *NextSteps) map[string]float64 {
			return map[string]float64{
				"has_actions":        boolScore(len(v.Actions) > 0, 0.6),
				"transcript_quality": transcriptQuality(rc),
			}
		},
		fallback: func() *NextSteps { return &NextSteps{Actions: []Action{}} },
	}
}

// --- consistency validation ---

// Consistency reports contradictions between earlier results.
type Consistency struct {
	Consistent bool     `json:"consistent"`
	Issues     []string `json:"issues"`
	Checked    []string `json:"checked"`
}

func consistencyValidation() definition[Consistency] {
	reads := append(append([]string(nil), foundationReads...), extractionNames...)
	return definition[Consistency]{
		kind:      agent.KindConsistencyValidation,
		reads:     reads,
		config:    agent.Config{Timeout: 30 * time.Second, Critical: true, RetryOnFailure: true},
		maxTokens: 512,
		system: `Check the earlier results against the transcript and each other. Report contradictions such as a price that was never said, a date that conflicts with the resolved times, or a customer name that differs from the metadata.
Return {"consistent": bool, "issues": [text], "checked": [result names]}.
` + jsonOnly,
		defaults: func(rc *model.RequestContext, v *Consistency) {
			if v.Issues == nil {
				v.Issues = []string{}
			}
			if len(v.Issues) > 0 {
				v.Consistent = false
			}
			if len(v.Checked) == 0 {
				v.Checked = available(rc, reads)
			}
		},
		factors: func(rc *model.RequestContext, v *Consistency) map[string]float64 {
			present := available(rc, reads)
			coverage := 1.0
			if len(present) > 0 {
				checked := make(map[string]bool, len(v.Checked))
				for _, c := range v.Checked {
					checked[c] = true
				}
				var n int
				for _, p := range present {
					if checked[p] {
						n++
					}
				}
				coverage = float64(n) / float64(len(present))
			}
			return map[string]float64{
				"coverage":  coverage,
				"agreement": boolScore(v.Consistent, 0.6),
			}
		},
	}
}

func available(rc *model.RequestContext, names []string) []string {
	out := []string{}
	for _, n := range names {
		if _, ok := rc.Output(n); ok {
			out = append(out, n)
		}
	}
	return out
}

// --- summary ---

// Summary is the call recap.
type Summary struct {
	Summary   string   `json:"summary"`
	Sentiment string   `json:"sentiment"`
	KeyPoints []string `json:"key_points"`
}

const maxSalvagedSummary = 500

func summary() definition[Summary] {
	deps := []string{agent.KindConsistencyValidation.String()}
	return definition[Summary]{
		kind:      agent.KindSummary,
		deps:      deps,
		reads:     append(append(append([]string(nil), foundationReads...), extractionNames...), deps...),
		config:    optionalConfig(60*time.Second, false),
		maxTokens: 1024,
		system: `Summarize the call in at most five sentences for the business owner, using the earlier results.
Return {"summary": text, "sentiment": "positive"|"neutral"|"negative", "key_points": [text]}.
` + jsonOnly,
		defaults: func(_ *model.RequestContext, v *Summary) {
			v.Summary = strings.TrimSpace(v.Summary)
			v.Sentiment = oneOf(v.Sentiment, []string{"positive", "neutral", "negative"}, "neutral")
			if v.KeyPoints == nil {
				v.KeyPoints = []string{}
			}
		},
		factors: func(rc *model.RequestContext, v *Summary) map[string]float64 {
			validated := 0.7
			if out, ok := rc.Output(agent.KindConsistencyValidation.String()); ok {
				if c, _ := out.Fields["consistent"].(bool); c {
					validated = 1
				}
			}
			return map[string]float64{
				"has_summary": boolScore(v.Summary != "", 0),
				"validated":   validated,
			}
		},
		// A model that ignored the JSON instruction usually still wrote prose.
		salvage: func(_ *model.RequestContext, raw string) (*Summary, bool) {
			text := strings.TrimSpace(raw)
			if text == "" {
				return nil, false
			}
			if r := []rune(text); len(r) > maxSalvagedSummary {
				text = string(r[:maxSalvagedSummary])
			}
			return &Summary{Summary: text}, true
		},
		fallback: func() *Summary { return &Summary{Sentiment: "neutral", KeyPoints: []string{}} },
	}
}
