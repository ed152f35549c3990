package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writePlanFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing plan file: %v", err)
	}
	return path
}

func TestLoadPlan(t *testing.T) {
	path := writePlanFile(t, "billing.yaml", `
project: billing
tasks:
  - id: api
    name: Build the API
    estimated_minutes: 25
    files: [internal/api/billing.go]
  - id: api-tests
    name: Cover the API
    agent_type: tester
    depends_on: [api]
    test_criteria: ["endpoints return typed errors"]
`)

	plan, err := loadPlan(path)
	if err != nil {
		t.Fatalf("loadPlan: %v", err)
	}
	if plan.Project != "billing" {
		t.Errorf("Project = %q, want %q", plan.Project, "billing")
	}
	if len(plan.Tasks) != 2 {
		t.Fatalf("len(Tasks) = %d, want 2", len(plan.Tasks))
	}

	api := plan.Tasks[0]
	if api.AgentType != "coder" {
		t.Errorf("default agent type = %q, want coder", api.AgentType)
	}
	if api.EstimatedMinutes != 25 || len(api.Files) != 1 {
		t.Errorf("first task not mapped: %+v", api)
	}

	tests := plan.Tasks[1]
	if tests.AgentType != "tester" {
		t.Errorf("agent type = %q, want tester", tests.AgentType)
	}
	if len(tests.DependsOn) != 1 || tests.DependsOn[0] != "api" {
		t.Errorf("DependsOn = %v, want [api]", tests.DependsOn)
	}
	if len(tests.TestCriteria) != 1 {
		t.Errorf("TestCriteria = %v, want one entry", tests.TestCriteria)
	}
}

func TestLoadPlanProjectDefaultsToFileStem(t *testing.T) {
	path := writePlanFile(t, "migration.yaml", "tasks:\n  - id: t1\n    name: one\n")

	plan, err := loadPlan(path)
	if err != nil {
		t.Fatalf("loadPlan: %v", err)
	}
	if plan.Project != "migration" {
		t.Errorf("Project = %q, want %q", plan.Project, "migration")
	}
}

func TestLoadPlanRejectsBadInput(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"no tasks", "project: empty\n", "has no tasks"},
		{"missing task id", "tasks:\n  - name: lost\n", "has no id"},
		{"malformed yaml", "tasks: [broken\n", "parsing plan"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadPlan(writePlanFile(t, "plan.yaml", tt.content))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadPlanMissingFile(t *testing.T) {
	if _, err := loadPlan(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
