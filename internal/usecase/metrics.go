package usecase

import (
	"time"

	"github.com/arklim/sso-ticket-registry/internal/core/domain"
)

// Operation results reported to RegistryMetrics.
const (
	resultOK       = "ok"
	resultNotFound = "not_found"
	resultExpired  = "expired"
	resultError    = "error"
	resultSkipped  = "skipped"
	resultEcho     = "echo"
	resultStale    = "tombstoned"
)

// RegistryMetrics captures telemetry hooks for registry, replication and cleaner activity.
type RegistryMetrics interface {
	ObserveOperation(op string, kind domain.Kind, result string, elapsed time.Duration)
	IncReplication(direction string, op domain.CommandOp, result string)
	ObserveCleanerRun(result string, removed int, elapsed time.Duration)
	IncLockAttempt(result string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveOperation(string, domain.Kind, string, time.Duration) {}
func (nopMetrics) IncReplication(string, domain.CommandOp, string)            {}
func (nopMetrics) ObserveCleanerRun(string, int, time.Duration)               {}
func (nopMetrics) IncLockAttempt(string)                                      {}
