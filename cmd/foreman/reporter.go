package main

import (
	"fmt"
	"io"

	"foreman/internal/events"
)

// reportEvents prints run progress to out as events arrive. The returned
// function unsubscribes. Escalations are reported by the review handler,
// not here.
func reportEvents(bus *events.Bus, out io.Writer) func() {
	unsubs := []func(){
		bus.On(events.TypeWaveStarted, func(e events.Event) {
			if p, ok := e.Payload.(events.WavePayload); ok {
				fmt.Fprintf(out, "wave %d started: %d tasks\n", p.WaveID, len(p.TaskIDs))
			}
		}),
		bus.On(events.TypeWaveCompleted, func(e events.Event) {
			if p, ok := e.Payload.(events.WavePayload); ok {
				fmt.Fprintf(out, "wave %d complete\n", p.WaveID)
			}
		}),
		bus.On(events.TypeTaskCompleted, func(e events.Event) {
			if p, ok := e.Payload.(events.TaskPayload); ok {
				fmt.Fprintf(out, "  %s completed\n", p.TaskID)
			}
		}),
		bus.On(events.TypeTaskFailed, func(e events.Event) {
			if p, ok := e.Payload.(events.TaskPayload); ok {
				fmt.Fprintf(out, "  %s failed: %s\n", p.TaskID, p.Reason)
			}
		}),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}
