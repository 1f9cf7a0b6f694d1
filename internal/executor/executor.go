// Package executor defines the contract to the external orchestration
// control plane. Execution is asynchronous: Resize returns a Handle
// immediately, progress arrives as explicit messages, and a terminal
// report ends the exchange. The engine never learns how the control plane
// actually moves replicas.
package executor

import (
	"context"
	"errors"
	"time"

	"github.com/medgrid/autoscaler/pkg/models"
)

var (
	ErrResizeRejected = errors.New("resize rejected by executor")
	ErrServiceUnknown = errors.New("service unknown to executor")
)

// StepReport is one stepwise progress message during a resize.
type StepReport struct {
	Sequence int
	Phase    string
	Detail   string
	At       time.Time
}

// TerminalReport ends a resize exchange.
type TerminalReport struct {
	Success       bool
	FinalReplicas int
	Err           error
	At            time.Time
}

// Handle is the consumer side of one in-flight resize.
type Handle struct {
	serviceID string
	target    int
	progress  chan StepReport
	done      chan TerminalReport
}

// Progress streams stepwise reports until the exchange terminates.
func (h *Handle) Progress() <-chan StepReport { return h.progress }

// Done yields exactly one terminal report, then the channel closes.
func (h *Handle) Done() <-chan TerminalReport { return h.done }

func (h *Handle) ServiceID() string { return h.serviceID }
func (h *Handle) Target() int       { return h.target }

// Executor physically resizes a running service.
type Executor interface {
	Resize(ctx context.Context, service *models.Service, targetReplicas int) (*Handle, error)
	Close() error
}

// Reporter is the producer side of a Handle; executor implementations use
// it to publish progress and exactly one terminal report.
type Reporter struct {
	handle *Handle
	seq    int
}

// NewHandle builds a connected Handle/Reporter pair.
func NewHandle(serviceID string, target int) (*Handle, *Reporter) {
	h := &Handle{
		serviceID: serviceID,
		target:    target,
		progress:  make(chan StepReport, 16),
		done:      make(chan TerminalReport, 1),
	}
	return h, &Reporter{handle: h}
}

func (r *Reporter) Step(phase, detail string, at time.Time) {
	r.seq++
	select {
	case r.handle.progress <- StepReport{Sequence: r.seq, Phase: phase, Detail: detail, At: at}:
	default:
		// A slow consumer loses intermediate steps, never the terminal
		// report.
	}
}

func (r *Reporter) Complete(finalReplicas int, at time.Time) {
	r.finish(TerminalReport{Success: true, FinalReplicas: finalReplicas, At: at})
}

func (r *Reporter) Fail(err error, finalReplicas int, at time.Time) {
	r.finish(TerminalReport{Success: false, Err: err, FinalReplicas: finalReplicas, At: at})
}

func (r *Reporter) finish(report TerminalReport) {
	r.handle.done <- report
	close(r.handle.done)
	close(r.handle.progress)
}
