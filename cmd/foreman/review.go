package main

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"foreman/internal/coordinator"
	"foreman/internal/events"
)

// escalationPolicy decides what happens to tasks the QA loop hands back
// for human review.
type escalationPolicy int

const (
	// policyPrompt asks on stdin whether to retry or abandon.
	policyPrompt escalationPolicy = iota
	// policyAbandon resolves every escalation as abandoned.
	policyAbandon
	// policyWait leaves escalations parked for another session to resolve.
	policyWait
)

func parseEscalationPolicy(s string) (escalationPolicy, error) {
	switch s {
	case "prompt":
		return policyPrompt, nil
	case "abandon":
		return policyAbandon, nil
	case "wait":
		return policyWait, nil
	default:
		return 0, fmt.Errorf("unknown escalation policy %q (want prompt, abandon or wait)", s)
	}
}

// handleEscalations subscribes the chosen policy to review requests. The
// returned function detaches it.
func handleEscalations(policy escalationPolicy, rt *runtime, in io.Reader, out io.Writer) func() {
	switch policy {
	case policyWait:
		return rt.bus.On(events.TypeReviewRequested, func(e events.Event) {
			if p, ok := e.Payload.(events.ReviewRequestPayload); ok {
				fmt.Fprintf(out, "  %s escalated: %s (waiting for review; stop and resume to pick it back up)\n", p.TaskID, p.Reason)
			}
		})
	case policyAbandon:
		return rt.bus.On(events.TypeReviewRequested, func(e events.Event) {
			p, ok := e.Payload.(events.ReviewRequestPayload)
			if !ok {
				return
			}
			fmt.Fprintf(out, "  %s escalated: %s; abandoning\n", p.TaskID, p.Reason)
			if err := rt.coord.Resolve(p.TaskID, coordinator.DecisionAbandon); err != nil {
				rt.logger.Warn("resolving escalation", "task_id", p.TaskID, "error", err)
			}
		})
	}

	pr := &prompter{
		coord:  rt.coord,
		logger: rt.logger,
		in:     bufio.NewScanner(in),
		out:    out,
		reqs:   make(chan events.ReviewRequestPayload, 16),
		quit:   make(chan struct{}),
	}
	unsub := rt.bus.On(events.TypeReviewRequested, func(e events.Event) {
		if p, ok := e.Payload.(events.ReviewRequestPayload); ok {
			select {
			case pr.reqs <- p:
			case <-pr.quit:
			}
		}
	})
	go pr.loop()
	return func() {
		unsub()
		close(pr.quit)
	}
}

// prompter serializes interactive review decisions: one escalation at a
// time, in arrival order.
type prompter struct {
	coord  *coordinator.Coordinator
	logger *slog.Logger
	in     *bufio.Scanner
	out    io.Writer
	reqs   chan events.ReviewRequestPayload
	quit   chan struct{}
}

func (p *prompter) loop() {
	for {
		select {
		case req := <-p.reqs:
			p.review(req)
		case <-p.quit:
			return
		}
	}
}

func (p *prompter) review(req events.ReviewRequestPayload) {
	fmt.Fprintf(p.out, "\ntask %s needs review: %s\n", req.TaskID, req.Reason)
	for _, it := range req.IterationHistory {
		for _, st := range it.Stages {
			if st.Passed {
				continue
			}
			fmt.Fprintf(p.out, "  iteration %d: %s failed", it.Iteration, st.Stage)
			if len(st.Diagnostics) > 0 {
				fmt.Fprintf(p.out, ": %s", st.Diagnostics[0])
			}
			fmt.Fprintln(p.out)
		}
	}

	for {
		fmt.Fprintf(p.out, "resolve %s [r]etry / [a]bandon: ", req.TaskID)
		if !p.in.Scan() {
			fmt.Fprintln(p.out, "input closed; abandoning")
			p.apply(req.TaskID, coordinator.DecisionAbandon)
			return
		}
		switch strings.ToLower(strings.TrimSpace(p.in.Text())) {
		case "r", "retry":
			p.apply(req.TaskID, coordinator.DecisionRetry)
			return
		case "a", "abandon":
			p.apply(req.TaskID, coordinator.DecisionAbandon)
			return
		}
	}
}

func (p *prompter) apply(taskID, decision string) {
	if err := p.coord.Resolve(taskID, decision); err != nil {
		p.logger.Warn("resolving escalation", "task_id", taskID, "error", err)
	}
}
