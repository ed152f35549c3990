package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"foreman/internal/scheduler"
)

// Plan is a parsed task batch ready for the coordinator.
type Plan struct {
	Project string
	Tasks   []*scheduler.Task
}

// planFile is the on-disk shape of a plan:
//
//	project: billing
//	tasks:
//	  - id: api
//	    name: Build the billing API
//	    estimated_minutes: 25
//	    files: [internal/api/billing.go]
//	  - id: api-tests
//	    name: Cover the API with tests
//	    agent_type: tester
//	    depends_on: [api]
//	    test_criteria: ["all endpoints return typed errors"]
type planFile struct {
	Project string     `yaml:"project"`
	Tasks   []planTask `yaml:"tasks"`
}

type planTask struct {
	ID               string   `yaml:"id"`
	Name             string   `yaml:"name"`
	Description      string   `yaml:"description"`
	AgentType        string   `yaml:"agent_type"`
	EstimatedMinutes int      `yaml:"estimated_minutes"`
	DependsOn        []string `yaml:"depends_on"`
	TestCriteria     []string `yaml:"test_criteria"`
	Files            []string `yaml:"files"`
}

// loadPlan reads and validates a plan file. Tasks without an agent_type
// default to "coder"; a missing project name falls back to the file stem.
func loadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan: %w", err)
	}

	var pf planFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parsing plan %s: %w", path, err)
	}
	if len(pf.Tasks) == 0 {
		return nil, fmt.Errorf("plan %s has no tasks", path)
	}

	plan := &Plan{
		Project: pf.Project,
		Tasks:   make([]*scheduler.Task, 0, len(pf.Tasks)),
	}
	if plan.Project == "" {
		base := filepath.Base(path)
		plan.Project = strings.TrimSuffix(base, filepath.Ext(base))
	}

	for i, pt := range pf.Tasks {
		if pt.ID == "" {
			return nil, fmt.Errorf("plan %s: task %d has no id", path, i)
		}
		agentType := pt.AgentType
		if agentType == "" {
			agentType = "coder"
		}
		plan.Tasks = append(plan.Tasks, &scheduler.Task{
			ID:               pt.ID,
			Name:             pt.Name,
			Description:      pt.Description,
			AgentType:        agentType,
			EstimatedMinutes: pt.EstimatedMinutes,
			DependsOn:        pt.DependsOn,
			TestCriteria:     pt.TestCriteria,
			Files:            pt.Files,
		})
	}
	return plan, nil
}
