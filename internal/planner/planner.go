// Package planner maps a call classification tag to an execution plan.
package planner

import (
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/callpipe/internal/agent"
)

// Phase names.
const (
	PhaseClassification = "classification"
	PhaseFoundation     = "foundation"
	PhaseExtraction     = "extraction"
	PhasePost           = "post_processing"
)

// Built-in classification tags.
const (
	TagAppointmentBooking = "appointment_booking"
	TagServiceQuote       = "service_quote"
	TagSupportIssue       = "support_issue"
	TagSalesInquiry       = "sales_inquiry"
)

// ErrUnknownStep is returned when a plan names a step nobody registered.
var ErrUnknownStep = eris.New("planner: plan references unregistered step")

// Criticality overrides a step's registered policy within one plan.
type Criticality string

const (
	Inherit  Criticality = ""
	Critical Criticality = "critical"
	Optional Criticality = "optional"
)

// PhaseStep is one step reference inside a phase.
type PhaseStep struct {
	Name        string        `json:"name" yaml:"name"`
	Criticality Criticality   `json:"criticality,omitempty" yaml:"criticality,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Apply returns cfg with this reference's overrides applied.
func (s PhaseStep) Apply(cfg agent.Config) agent.Config {
	switch s.Criticality {
	case Critical:
		cfg.Critical, cfg.Optional = true, false
	case Optional:
		cfg.Critical, cfg.Optional = false, true
	}
	if s.Timeout > 0 {
		cfg.Timeout = s.Timeout
	}
	return cfg
}

// Phase is a group of steps run sequentially or concurrently.
type Phase struct {
	Name     string      `json:"name"`
	Parallel bool        `json:"parallel"`
	Steps    []PhaseStep `json:"steps"`
}

// Plan is the ordered phase list for one tag. Treat as immutable.
type Plan struct {
	Tag    string  `json:"tag"`
	Phases []Phase `json:"phases"`
}

// StepNames returns every step name in execution order.
func (p Plan) StepNames() []string {
	var names []string
	for _, ph := range p.Phases {
		for _, s := range ph.Steps {
			names = append(names, s.Name)
		}
	}
	return names
}

// Validate reports every step name for which known returns false.
func (p Plan) Validate(known func(name string) bool) error {
	var missing []string
	for _, name := range p.StepNames() {
		if !known(name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return eris.Wrapf(ErrUnknownStep, "plan %q: %s", p.Tag, strings.Join(missing, ", "))
	}
	return nil
}

// Table maps a tag to its extraction phase steps.
type Table map[string][]PhaseStep

// DefaultTable returns the built-in extraction table.
func DefaultTable() Table {
	return Table{
		TagAppointmentBooking: {
			{Name: "customer_info_extraction", Criticality: Optional},
			{Name: "appointment_extraction", Criticality: Critical},
			{Name: "next_steps_extraction", Criticality: Optional},
		},
		TagServiceQuote: {
			{Name: "customer_info_extraction", Criticality: Optional},
			{Name: "pricing_extraction", Criticality: Critical},
			{Name: "next_steps_extraction", Criticality: Optional},
		},
		TagSupportIssue: {
			{Name: "customer_info_extraction", Criticality: Optional},
			{Name: "issue_extraction", Criticality: Critical},
			{Name: "next_steps_extraction", Criticality: Optional},
		},
		TagSalesInquiry: {
			{Name: "customer_info_extraction", Criticality: Critical},
			{Name: "pricing_extraction", Criticality: Optional},
			{Name: "next_steps_extraction", Criticality: Optional},
		},
	}
}

// LoadTable reads an extraction table from a YAML file keyed by tag.
func LoadTable(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "planner: read routing table %s", path)
	}
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, eris.Wrapf(err, "planner: parse routing table %s", path)
	}
	for tag, steps := range t {
		for i, s := range steps {
			if s.Name == "" {
				return nil, eris.Errorf("planner: routing table %s: tag %q step %d has no name", path, tag, i)
			}
			switch s.Criticality {
			case Inherit, Critical, Optional:
			default:
				return nil, eris.Errorf("planner: routing table %s: tag %q step %q: unknown criticality %q", path, tag, s.Name, s.Criticality)
			}
		}
	}
	return t, nil
}

// Planner builds plans from a fixed table.
type Planner struct {
	table Table
}

// New creates a planner. A nil table uses DefaultTable.
func New(table Table) *Planner {
	if table == nil {
		table = DefaultTable()
	}
	return &Planner{table: table}
}

// Tags returns the tags with a dedicated extraction phase, sorted.
func (p *Planner) Tags() []string {
	tags := make([]string, 0, len(p.table))
	for tag := range p.table {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Supports reports whether tag has a dedicated extraction phase.
func (p *Planner) Supports(tag string) bool {
	_, ok := p.table[tag]
	return ok
}

// Plan returns foundation, tag-specific extraction and post-processing
// phases. An unknown tag yields an empty extraction phase.
func (p *Planner) Plan(tag string) Plan {
	extraction := append([]PhaseStep(nil), p.table[tag]...)
	return Plan{
		Tag: tag,
		Phases: []Phase{
			{
				Name:     PhaseFoundation,
				Parallel: true,
				Steps: []PhaseStep{
					{Name: "role_identification", Criticality: Optional},
					{Name: "temporal_resolution", Criticality: Optional},
				},
			},
			{Name: PhaseExtraction, Steps: extraction},
			{
				Name: PhasePost,
				Steps: []PhaseStep{
					{Name: "consistency_validation", Criticality: Critical},
					{Name: "summary", Criticality: Optional},
				},
			},
		},
	}
}

// ClassificationPlan returns the single-phase plan that resolves a tag for
// calls submitted without one.
func (p *Planner) ClassificationPlan() Plan {
	return Plan{
		Phases: []Phase{{
			Name:  PhaseClassification,
			Steps: []PhaseStep{{Name: "call_classification", Criticality: Optional}},
		}},
	}
}
