package qa

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Stage identifies one step of the verification pipeline. Stages always run
// in declaration order and short-circuit on the first failure.
type Stage int

const (
	StageBuild Stage = iota
	StageLint
	StageTest
	StageReview
)

// StageOrder is the fixed pipeline sequence.
var StageOrder = []Stage{StageBuild, StageLint, StageTest, StageReview}

var stageNames = map[Stage]string{
	StageBuild:  "build",
	StageLint:   "lint",
	StageTest:   "test",
	StageReview: "review",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// ParseStage resolves a stage by its configuration name.
func ParseStage(name string) (Stage, error) {
	for stage, n := range stageNames {
		if n == name {
			return stage, nil
		}
	}
	return 0, fmt.Errorf("unknown qa stage %q", name)
}

// StageResult is what a stage runner reports back. Tests additionally fill
// the pass/fail counters.
type StageResult struct {
	Passed      bool
	Errors      []string
	Warnings    []string
	Duration    time.Duration
	TestsPassed int
	TestsFailed int
}

// StageTimeoutError marks a stage runner that exceeded its time budget. It
// counts as a stage failure against the iteration budget, not a crash.
type StageTimeoutError struct {
	Stage   Stage
	Timeout time.Duration
}

func (e *StageTimeoutError) Error() string {
	return fmt.Sprintf("%s stage timed out after %s", e.Stage, e.Timeout)
}

// Runner runs one verification stage inside a task workspace.
type Runner interface {
	Run(ctx context.Context, workspace string) StageResult
}

// CommandRunner is a Runner that shells out to a fixed command inside the
// workspace, passing when the command exits zero. Combined output becomes
// the diagnostics on failure.
type CommandRunner struct {
	name string
	args []string
}

// NewCommandRunner creates a runner for the given argv.
func NewCommandRunner(name string, args ...string) *CommandRunner {
	return &CommandRunner{name: name, args: args}
}

func (r *CommandRunner) Run(ctx context.Context, workspace string) StageResult {
	start := time.Now()
	cmd := exec.CommandContext(ctx, r.name, r.args...)
	cmd.Dir = workspace
	output, err := cmd.CombinedOutput()
	result := StageResult{
		Passed:   err == nil,
		Duration: time.Since(start),
	}
	result.TestsPassed, result.TestsFailed = parseTestCounts(string(output))
	if err != nil {
		diag := strings.TrimSpace(string(output))
		if diag == "" {
			diag = err.Error()
		}
		result.Errors = []string{diag}
	}
	return result
}

var testSummaryRE = regexp.MustCompile(`(\d+) (passed|failed)`)

// parseTestCounts pulls "N passed" / "M failed" figures out of a test
// command's summary line when it prints one.
func parseTestCounts(output string) (passed, failed int) {
	for _, m := range testSummaryRE.FindAllStringSubmatch(output, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		switch m[2] {
		case "passed":
			passed += n
		case "failed":
			failed += n
		}
	}
	return passed, failed
}
