// Package planner turns a goal into a team roster and an ordered plan.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ShayCichocki/cohort/internal/reasoning"
	"github.com/ShayCichocki/cohort/pkg/models"
)

// Sentinel errors matched by PlanError.Is.
var (
	ErrInvocationFailed = errors.New("planner: reasoning call failed")
	ErrMalformedPlan    = errors.New("planner: malformed plan")
)

// PlanErrorKind distinguishes planning failures.
type PlanErrorKind int

const (
	// InvocationFailed means the reasoning client returned an error.
	InvocationFailed PlanErrorKind = iota
	// MalformedPlan means the response held no usable plan.
	MalformedPlan
)

func (k PlanErrorKind) String() string {
	if k == InvocationFailed {
		return "invocation failed"
	}
	return "malformed plan"
}

// PlanError is returned by CreatePlan and ParsePlan.
type PlanError struct {
	Kind PlanErrorKind
	// Response is the raw reasoning output, set for MalformedPlan.
	Response string
	Err      error
}

func (e *PlanError) Error() string {
	if e.Err == nil {
		return "plan " + e.Kind.String()
	}
	return fmt.Sprintf("plan %s: %v", e.Kind, e.Err)
}

func (e *PlanError) Unwrap() error {
	return e.Err
}

// Is matches ErrInvocationFailed and ErrMalformedPlan by kind.
func (e *PlanError) Is(target error) bool {
	switch target {
	case ErrInvocationFailed:
		return e.Kind == InvocationFailed
	case ErrMalformedPlan:
		return e.Kind == MalformedPlan
	}
	return false
}

// Planner asks the reasoning client for a plan, once per goal.
type Planner struct {
	client reasoning.Client
	logger *zap.Logger
}

// New creates a planner using client.
func New(client reasoning.Client, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{
		client: client,
		logger: logger.With(zap.String("component", "planner")),
	}
}

// Prompt returns the planning prompt for goal.
func Prompt(goal string) string {
	return fmt.Sprintf(planningPrompt, goal)
}

// CreatePlan makes a single reasoning call and parses its answer. There is no retry.
func (p *Planner) CreatePlan(ctx context.Context, goal string) (*models.Plan, error) {
	response, err := p.client.Generate(ctx, Prompt(goal))
	if err != nil {
		p.logger.Error("planning call failed", zap.Error(err))
		return nil, &PlanError{Kind: InvocationFailed, Err: err}
	}

	plan, err := ParsePlan(response)
	if err != nil {
		p.logger.Error("planning response rejected",
			zap.Error(err),
			zap.String("response", truncate(response, 500)))
		return nil, err
	}

	p.logger.Info("plan created",
		zap.Int("roles", len(plan.Roster)),
		zap.Int("steps", len(plan.Steps)),
		zap.Ints("unroutable_steps", plan.UnroutableSteps()))
	return plan, nil
}

// roleEntry accepts a role as a bare string or as {"name": ...} / {"role": ...}.
type roleEntry string

func (r *roleEntry) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*r = roleEntry(s)
		return nil
	}
	var obj struct {
		Name string `json:"name"`
		Role string `json:"role"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("team entry must be a string or an object with a name")
	}
	if obj.Name != "" {
		*r = roleEntry(obj.Name)
	} else {
		*r = roleEntry(obj.Role)
	}
	return nil
}

type planStep struct {
	Agent          string `json:"agent"`
	Role           string `json:"role"`
	Task           string `json:"task"`
	Instruction    string `json:"instruction"`
	ExpectedOutput string `json:"expected_output"`
}

// planDoc is the JSON shape of a response. Both spellings of each field are accepted.
type planDoc struct {
	Team   []roleEntry `json:"team"`
	Roster []roleEntry `json:"roster"`
	Plan   []planStep  `json:"plan"`
	Steps  []planStep  `json:"steps"`
}

// ParsePlan extracts a plan from a reasoning response. The response may wrap
// the JSON object in prose or code fences.
func ParsePlan(response string) (*models.Plan, error) {
	malformed := func(err error) error {
		return &PlanError{Kind: MalformedPlan, Response: response, Err: err}
	}

	candidate := strings.TrimSpace(response)
	if !json.Valid([]byte(candidate)) || !strings.HasPrefix(candidate, "{") {
		obj, ok := ExtractObject(response)
		if !ok {
			return nil, malformed(fmt.Errorf("no JSON object found in response (%d chars)", len(response)))
		}
		candidate = obj
	}

	var doc planDoc
	if err := json.Unmarshal([]byte(candidate), &doc); err != nil {
		return nil, malformed(fmt.Errorf("decode plan: %w", err))
	}

	team := doc.Team
	if team == nil {
		team = doc.Roster
	}
	steps := doc.Plan
	if steps == nil {
		steps = doc.Steps
	}
	if team == nil {
		return nil, malformed(fmt.Errorf(`response has no "team" or "roster"`))
	}
	if steps == nil {
		return nil, malformed(fmt.Errorf(`response has no "plan" or "steps"`))
	}

	plan := &models.Plan{
		Roster: make([]models.RoleName, 0, len(team)),
		Steps:  make([]models.Step, 0, len(steps)),
	}
	for _, r := range team {
		plan.Roster = append(plan.Roster, models.RoleName(r))
	}
	for _, s := range steps {
		agent := s.Agent
		if agent == "" {
			agent = s.Role
		}
		instruction := s.Task
		if instruction == "" {
			instruction = s.Instruction
		}
		plan.Steps = append(plan.Steps, models.Step{
			Agent:          models.RoleName(agent),
			Instruction:    instruction,
			ExpectedOutput: strings.TrimSpace(s.ExpectedOutput),
		})
	}

	plan.Normalize()
	if err := plan.Validate(); err != nil {
		return nil, malformed(err)
	}
	return plan, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
