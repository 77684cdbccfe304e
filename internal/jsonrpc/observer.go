package jsonrpc

import "time"

// Outcome classifies how a call terminated.
type Outcome string

const (
	OutcomeOK               Outcome = "ok"
	OutcomeRPCError         Outcome = "rpc_error"
	OutcomeCancelled        Outcome = "cancelled"
	OutcomeConnectionClosed Outcome = "connection_closed"
	OutcomeWriteError       Outcome = "write_error"
)

// Observer receives correlator events. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	CallStarted(method string)
	CallFinished(method string, outcome Outcome, elapsed time.Duration)
	ProgressReceived(method string)
	FrameDropped(reason string)
}

type nopObserver struct{}

func (nopObserver) CallStarted(string)                          {}
func (nopObserver) CallFinished(string, Outcome, time.Duration) {}
func (nopObserver) ProgressReceived(string)                     {}
func (nopObserver) FrameDropped(string)                         {}
