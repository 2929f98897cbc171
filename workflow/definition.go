package workflow

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/relaymesh/relaymesh/core"
)

// Definition is the YAML shape of a declarative workflow. Example:
//
//	id: nightly-rollup
//	name: Nightly rollup
//	priority: high
//	steps:
//	  - id: extract
//	    target: worker
//	    operation: extract_records
//	  - id: aggregate
//	    target: worker
//	    operation: aggregate_records
//	    depends_on: [extract]
type Definition struct {
	ID       string           `yaml:"id"`
	Name     string           `yaml:"name"`
	Creator  string           `yaml:"creator"`
	Priority string           `yaml:"priority"`
	Steps    []StepDefinition `yaml:"steps"`
}

// StepDefinition is the YAML shape of one step.
type StepDefinition struct {
	ID        string         `yaml:"id"`
	Target    string         `yaml:"target"`
	Operation string         `yaml:"operation"`
	Params    map[string]any `yaml:"params"`
	DependsOn []string       `yaml:"depends_on"`
}

// ParseDefinition unmarshals a YAML document and builds a validated
// workflow from it. Graph validation is the same as New's: unknown
// dependencies and cycles are rejected here, not at run time.
func ParseDefinition(data []byte) (*Workflow, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("workflow: parse definition: %w", err)
	}

	steps := make([]*Step, 0, len(def.Steps))
	for _, sd := range def.Steps {
		steps = append(steps, &Step{
			ID:        sd.ID,
			Target:    core.ParticipantKind(sd.Target),
			Operation: sd.Operation,
			Params:    sd.Params,
			DependsOn: sd.DependsOn,
		})
	}

	w, err := New(def.ID, def.Name, steps, def.Creator)
	if err != nil {
		return nil, err
	}
	if p, ok := parsePriority(def.Priority); ok {
		w.Priority = p
	}
	return w, nil
}

func parsePriority(s string) (core.Priority, bool) {
	switch s {
	case "low":
		return core.PriorityLow, true
	case "normal":
		return core.PriorityNormal, true
	case "high":
		return core.PriorityHigh, true
	case "critical":
		return core.PriorityCritical, true
	default:
		return core.PriorityNormal, false
	}
}
