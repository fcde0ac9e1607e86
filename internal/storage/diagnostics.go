package storage

import (
	"sync"

	"go.uber.org/zap"
)

// FailureKind classifies a connectivity failure for the diagnostics sink.
type FailureKind string

const (
	FailureTimeout     FailureKind = "timeout"
	FailureConnection  FailureKind = "connection"
	FailureCrossOrigin FailureKind = "cross_origin"
	FailureOther       FailureKind = "other"
)

// ConnectivityEvent is one classified failure observed by the client.
type ConnectivityEvent struct {
	Endpoint string
	Kind     FailureKind
	Err      error
}

// Advice is the sink's best-effort recommendation for the reporting client.
type Advice struct {
	WidenTimeouts  bool
	RecommendProxy bool
}

// Diagnostics receives connectivity failures and returns tuning advice.
// Recommendations are heuristics, not guarantees.
type Diagnostics interface {
	Report(ev ConnectivityEvent) Advice
}

// Advisor is the default diagnostics sink. After a run of timeout-class
// failures it advises widening timeouts; after cross-origin failures it
// advises routing through a CORS proxy.
type Advisor struct {
	mu                  sync.Mutex
	consecutiveTimeouts int
	crossOriginSeen     int
	logger              *zap.Logger

	// trip point for the timeout-widening heuristic
	timeoutTrip int
}

// NewAdvisor constructs the default sink.
func NewAdvisor(logger *zap.Logger) *Advisor {
	return &Advisor{logger: logger, timeoutTrip: 3}
}

// Report classifies the event and returns advice.
func (a *Advisor) Report(ev ConnectivityEvent) Advice {
	a.mu.Lock()
	defer a.mu.Unlock()

	var adv Advice
	switch ev.Kind {
	case FailureTimeout:
		a.consecutiveTimeouts++
		if a.consecutiveTimeouts >= a.timeoutTrip {
			a.consecutiveTimeouts = 0
			adv.WidenTimeouts = true
			a.logger.Warn("repeated timeouts observed, widening network timeouts",
				zap.String("endpoint", ev.Endpoint))
		}
	case FailureCrossOrigin:
		a.consecutiveTimeouts = 0
		a.crossOriginSeen++
		adv.RecommendProxy = true
		a.logger.Warn("cross-origin failure observed, consider enabling the CORS proxy",
			zap.String("endpoint", ev.Endpoint), zap.Error(ev.Err))
	default:
		a.consecutiveTimeouts = 0
	}
	return adv
}

// nopDiagnostics is used when no sink is configured.
type nopDiagnostics struct{}

func (nopDiagnostics) Report(ConnectivityEvent) Advice { return Advice{} }
