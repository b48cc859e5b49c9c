// Package converr classifies errors crossing package boundaries so callers
// can branch on kind without parsing messages.
package converr

import "errors"

type Kind string

const (
	KindIntegrityMismatch      Kind = "integrity-mismatch"
	KindMissingObject          Kind = "missing-object"
	KindInvalidID              Kind = "invalid-id"
	KindManifestCycle          Kind = "manifest-cycle"
	KindGateGraphInvalid       Kind = "gate-graph-invalid"
	KindResolutionInvalid      Kind = "resolution-invalid"
	KindNotPromotable          Kind = "not-promotable"
	KindGateUnknown            Kind = "gate-unknown"
	KindScopeUnknown           Kind = "scope-unknown"
	KindBundleUnknown          Kind = "bundle-unknown"
	KindPublicationUnknown     Kind = "publication-unknown"
	KindRepoUnknown            Kind = "repo-unknown"
	KindSnapUnknown            Kind = "snap-unknown"
	KindConcurrentModification Kind = "concurrent-modification"
	KindUnauthorized           Kind = "unauthorized"
	KindForbidden              Kind = "forbidden"
)

type kindError struct {
	kind  Kind
	cause error
}

func (e *kindError) Error() string {
	if e.cause == nil {
		return string(e.kind)
	}
	return e.cause.Error()
}

func (e *kindError) Unwrap() error { return e.cause }

// Wrap attaches a kind to cause. Returns nil when cause is nil.
func Wrap(cause error, kind Kind) error {
	if cause == nil {
		return nil
	}
	return &kindError{kind: kind, cause: cause}
}

// New creates a fresh error of the given kind.
func New(kind Kind, cause error) error {
	return &kindError{kind: kind, cause: cause}
}

// KindOf returns the outermost classified kind, or "" when unclassified.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return ""
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		var ke *kindError
		if !errors.As(err, &ke) {
			return false
		}
		if ke.kind == kind {
			return true
		}
		err = ke.cause
	}
	return false
}

// Retryable reports whether the caller may retry after refetching state.
// Integrity failures are never retried.
func Retryable(err error) bool {
	return KindOf(err) == KindConcurrentModification
}
