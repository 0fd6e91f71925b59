package models

import (
	"fmt"
	"strings"
)

// RoleName names a team role, e.g. "designer" or "backend developer".
type RoleName string

// Step is one instruction in a plan, bound to a single role.
type Step struct {
	// Agent is the role that must execute this step.
	Agent RoleName `json:"agent" yaml:"agent"`
	// Instruction is the task text sent to the worker.
	Instruction string `json:"task" yaml:"task"`
	// ExpectedOutput describes what the step should produce. Advisory only.
	ExpectedOutput string `json:"expected_output,omitempty" yaml:"expected_output,omitempty"`
}

// Plan is the team roster plus the ordered steps produced for a goal.
// A plan is immutable once produced.
type Plan struct {
	// Roster lists the distinct roles of the team in spawn order.
	Roster []RoleName `json:"team" yaml:"team"`
	// Steps are executed strictly in order.
	Steps []Step `json:"plan" yaml:"plan"`
}

// HasRole reports whether role is part of the roster.
func (p *Plan) HasRole(role RoleName) bool {
	for _, r := range p.Roster {
		if r == role {
			return true
		}
	}
	return false
}

// UnroutableSteps returns the indexes of steps whose agent is not in the roster.
func (p *Plan) UnroutableSteps() []int {
	var out []int
	for i, s := range p.Steps {
		if !p.HasRole(s.Agent) {
			out = append(out, i)
		}
	}
	return out
}

// Normalize trims whitespace, drops empty roles and collapses duplicate roles,
// keeping the first occurrence so roster order is preserved.
func (p *Plan) Normalize() {
	seen := make(map[RoleName]bool, len(p.Roster))
	roster := make([]RoleName, 0, len(p.Roster))
	for _, r := range p.Roster {
		r = RoleName(strings.TrimSpace(string(r)))
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		roster = append(roster, r)
	}
	p.Roster = roster

	for i := range p.Steps {
		p.Steps[i].Agent = RoleName(strings.TrimSpace(string(p.Steps[i].Agent)))
		p.Steps[i].Instruction = strings.TrimSpace(p.Steps[i].Instruction)
	}
}

// Validate checks the structural requirements of a plan: a non-empty roster
// and at least one step with an instruction. Steps naming unknown roles or
// carrying no instruction are not an error; they are skipped at run time.
func (p *Plan) Validate() error {
	if len(p.Roster) == 0 {
		return fmt.Errorf("plan has an empty team roster")
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan has no steps")
	}
	for _, s := range p.Steps {
		if s.Instruction != "" {
			return nil
		}
	}
	return fmt.Errorf("no step of the plan has a task")
}
