package planner

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/cohort/pkg/models"
)

// LoadPlanFile reads a YAML plan written by WritePlanFile or by hand.
func LoadPlanFile(path string) (*models.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}

	var plan models.Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, &PlanError{Kind: MalformedPlan, Err: fmt.Errorf("parse %s: %w", path, err)}
	}
	plan.Normalize()
	if err := plan.Validate(); err != nil {
		return nil, &PlanError{Kind: MalformedPlan, Err: fmt.Errorf("%s: %w", path, err)}
	}
	return &plan, nil
}

// WritePlanFile saves plan as YAML.
func WritePlanFile(path string, plan *models.Plan) error {
	data, err := MarshalPlan(plan)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create plan directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write plan file: %w", err)
	}
	return nil
}

// MarshalPlan renders plan as YAML.
func MarshalPlan(plan *models.Plan) ([]byte, error) {
	data, err := yaml.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("encode plan: %w", err)
	}
	return data, nil
}
