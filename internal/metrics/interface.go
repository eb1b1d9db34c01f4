package metrics

import "time"

// Run statuses.
const (
	StatusSuccess  = "success"
	StatusCanceled = "canceled"
	StatusError    = "error"
)

// Recorder receives the measurements of scan runs.
// This interface allows for easy mocking and testing of metrics functionality.
type Recorder interface {
	// RecordRun records a finished run with its status and duration.
	RecordRun(status string, duration time.Duration)

	// RecordHost records one host pipeline with its resulting state.
	RecordHost(state string, duration time.Duration)

	// AddPorts counts open ports found for a protocol.
	AddPorts(protocol string, count int)

	// AddVulnerabilities counts matched vulnerabilities.
	AddVulnerabilities(count int)

	// SetActiveWorkers sets the number of pipelines in flight.
	SetActiveWorkers(count int)

	// IncrementProbeErrors counts an engine failure at a pipeline stage.
	IncrementProbeErrors(stage string)
}

// Nop is a Recorder that discards everything.
type Nop struct{}

func (Nop) RecordRun(string, time.Duration)  {}
func (Nop) RecordHost(string, time.Duration) {}
func (Nop) AddPorts(string, int)             {}
func (Nop) AddVulnerabilities(int)           {}
func (Nop) SetActiveWorkers(int)             {}
func (Nop) IncrementProbeErrors(string)      {}

// Ensure that both recorders implement Recorder.
var (
	_ Recorder = Nop{}
	_ Recorder = (*PrometheusMetrics)(nil)
)
