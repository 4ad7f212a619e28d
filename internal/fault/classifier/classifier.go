// Package classifier maps raw failures onto the category/severity/persistence
// taxonomy. Classification is pure and deterministic; both the circuit breaker
// path and the recovery manager consume its output.
package classifier

import (
	"context"
	"errors"
	"strings"

	"github.com/vietddude/shepherd/internal/core/domain"
)

var networkPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no route to host",
	"network is unreachable",
	"i/o timeout",
	"deadline exceeded",
	"timeout",
	"temporary failure in name resolution",
	"no such host",
	"eof",
	"503",
	"502",
	"connection closed",
}

var resourcePatterns = []string{
	"too many open files",
	"resource temporarily unavailable",
	"cannot allocate memory",
	"out of memory",
	"no buffer space",
	"429",
	"too many requests",
}

var configPatterns = []string{
	"unsupported scheme",
	"malformed",
	"invalid uri",
	"no such file",
	"404",
	"not found",
}

var permanentPatterns = []string{
	"401",
	"403",
	"unauthorized",
	"forbidden",
	"permission denied",
	"authentication failed",
	"unsupported codec",
	"unsupported format",
	"decode error",
}

// Classify maps an error onto a Classification.
func Classify(err error) domain.Classification {
	if err == nil {
		return domain.Classification{
			Category:    domain.CategoryUnknown,
			Severity:    domain.SeverityLow,
			Persistence: domain.PersistenceTransient,
			Retryable:   false,
		}
	}

	// Sentinels first: they carry exact intent.
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return domain.Classification{
			Category:    domain.CategoryConfiguration,
			Severity:    domain.SeverityHigh,
			Persistence: domain.PersistencePermanent,
			Retryable:   false,
		}
	case errors.Is(err, domain.ErrResourceLimit):
		return domain.Classification{
			Category:    domain.CategoryResource,
			Severity:    domain.SeverityHigh,
			Persistence: domain.PersistencePermanent,
			Retryable:   false,
		}
	case errors.Is(err, domain.ErrProbeTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return domain.Classification{
			Category:    domain.CategoryNetwork,
			Severity:    domain.SeverityMedium,
			Persistence: domain.PersistenceTransient,
			Retryable:   true,
		}
	case errors.Is(err, domain.ErrSourceStalled):
		return domain.Classification{
			Category:    domain.CategoryNetwork,
			Severity:    domain.SeverityMedium,
			Persistence: domain.PersistenceIntermittent,
			Retryable:   true,
		}
	}

	s := strings.ToLower(err.Error())

	if matchAny(s, permanentPatterns) {
		return domain.Classification{
			Category:    domain.CategoryPermanent,
			Severity:    domain.SeverityCritical,
			Persistence: domain.PersistencePermanent,
			Retryable:   false,
		}
	}
	if matchAny(s, configPatterns) {
		return domain.Classification{
			Category:    domain.CategoryConfiguration,
			Severity:    domain.SeverityHigh,
			Persistence: domain.PersistencePermanent,
			Retryable:   false,
		}
	}
	if matchAny(s, resourcePatterns) {
		return domain.Classification{
			Category:    domain.CategoryResource,
			Severity:    domain.SeverityMedium,
			Persistence: domain.PersistenceIntermittent,
			Retryable:   true,
		}
	}
	if matchAny(s, networkPatterns) {
		return domain.Classification{
			Category:    domain.CategoryNetwork,
			Severity:    domain.SeverityMedium,
			Persistence: domain.PersistenceTransient,
			Retryable:   true,
		}
	}

	// Default to retryable unknown: transient network flakiness is the
	// common case for media streams.
	return domain.Classification{
		Category:    domain.CategoryUnknown,
		Severity:    domain.SeverityMedium,
		Persistence: domain.PersistenceIntermittent,
		Retryable:   true,
	}
}

// IsRetryable reports whether automatic recovery should be attempted.
func IsRetryable(c domain.Classification) bool {
	return c.Retryable && c.Persistence != domain.PersistencePermanent
}

func matchAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
