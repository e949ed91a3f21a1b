package domain

import (
	"context"
	"errors"
)

var (
	// ErrSyncInProgress is returned when a sync pass is already running.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrDeepResolveInProgress is returned when a deep resolve is already running.
	ErrDeepResolveInProgress = errors.New("deep resolve already in progress")

	// ErrFollowsUnavailable marks the structural failure that aborts a pass.
	ErrFollowsUnavailable = errors.New("follow list unavailable")

	// ErrPermanent marks per-account failures that are not worth retrying.
	// They are treated as "zero relationships" rather than as errors.
	ErrPermanent = errors.New("permanent remote failure")

	// ErrSnapshotUnsupported means no bulk snapshot decoder is available.
	ErrSnapshotUnsupported = errors.New("repository snapshots unsupported")

	// ErrListTruncated means a record walk stopped before the remote ran out
	// of pages, so the collected list membership is incomplete.
	ErrListTruncated = errors.New("record walk truncated")

	// ErrNoServer means no home server could be resolved for an account.
	ErrNoServer = errors.New("no home server for account")
)

// transient is implemented by errors that know their own retry class.
type transient interface {
	Transient() bool
}

// IsTransient reports whether err should be retried.
//
// Cancellation and ErrPermanent are never transient. Errors that classify
// themselves are trusted. Everything else, including deadlines and network
// errors, is transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrPermanent) || errors.Is(err, ErrSnapshotUnsupported) {
		return false
	}
	var t transient
	if errors.As(err, &t) {
		return t.Transient()
	}
	return true
}

// IsPermanent reports whether err is a permanent per-account failure.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanent) {
		return true
	}
	var t transient
	return errors.As(err, &t) && !t.Transient()
}
