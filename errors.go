package rendercache

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a handle is structurally valid but the
	// content it names has been reclaimed.
	ErrNotFound = errors.New("rendercache: not found")

	// ErrStaleRef is returned when an external reference carries a
	// generation older than the slot's current one. The slot has been
	// reused for different data; this is distinct from ErrNotFound.
	ErrStaleRef = errors.New("rendercache: stale reference")

	// ErrCorruptData is returned when a compressed blob or a persisted
	// snapshot fails structural validation.
	ErrCorruptData = errors.New("rendercache: corrupt data")

	// ErrBudgetExceeded is returned when an insertion cannot fit within a
	// tier budget even after an eviction pass. The caller decides whether
	// to proceed uncached or fail.
	ErrBudgetExceeded = errors.New("rendercache: budget exceeded")

	// ErrHibernationInProgress is returned for operations attempted on a
	// context that is mid-transition.
	ErrHibernationInProgress = errors.New("rendercache: hibernation in progress")

	// ErrContextNotFound is returned when a context id is unknown to the
	// hibernation manager.
	ErrContextNotFound = errors.New("rendercache: context not found")

	// ErrAlreadyHibernated is returned when hibernating a context that is
	// already hibernated.
	ErrAlreadyHibernated = errors.New("rendercache: context already hibernated")

	// ErrNotHibernated is returned when waking a context that is not
	// hibernated.
	ErrNotHibernated = errors.New("rendercache: context not hibernated")

	// ErrClosed is returned for operations on a manager after Close.
	ErrClosed = errors.New("rendercache: manager closed")
)

// MissingResourceError reports snapshot references that could not be
// reacquired on wake because the underlying content was independently
// reclaimed. The caller resolves each digest by recomputing the artifact
// from its original source.
type MissingResourceError struct {
	Digests []Digest
}

func (e *MissingResourceError) Error() string {
	names := make([]string, len(e.Digests))
	for i, d := range e.Digests {
		names[i] = string(d)
	}
	return fmt.Sprintf("rendercache: %d snapshot resource(s) missing: %s",
		len(e.Digests), strings.Join(names, ", "))
}

// IsMissingResource reports whether err wraps a MissingResourceError.
func IsMissingResource(err error) bool {
	var mre *MissingResourceError
	return errors.As(err, &mre)
}
