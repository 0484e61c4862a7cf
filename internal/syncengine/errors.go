package syncengine

import (
	"errors"

	"github.com/tonimelisma/icloud-sync/internal/remote/icloudclient"
)

// ErrorTier classifies a failure encountered while executing an Action, per
// spec §7. It determines whether the Executor retries the action,
// dead-letters it, or gives it up without dead-lettering.
type ErrorTier int

const (
	// ErrorRetryable is a transient failure: retried with backoff.
	ErrorRetryable ErrorTier = iota
	// ErrorSkip is terminal for the one action; other actions proceed.
	ErrorSkip
	// ErrorFatal (auth failure) ends the one action at once: it is logged,
	// neither retried nor dead-lettered, and the rest of the plan still runs.
	ErrorFatal
)

// ErrRefreshInconsistent is returned by the Remote Scanner's integrity gate
// when the declared file count disagrees with the counted file nodes.
var ErrRefreshInconsistent = errors.New("syncengine: refresh inconsistent, declared count mismatch")

// ErrNosyncGuard names the condition of a .nosync guard file at the sync
// root. Nothing in this package checks for that file or returns this error.
var ErrNosyncGuard = errors.New("syncengine: .nosync guard file present")

// ErrLockContention describes another process holding the sync lock. The
// single-instance lock reports that case with lockfile.ErrLocked; nothing
// returns this value.
var ErrLockContention = errors.New("syncengine: another instance holds the sync lock")

// classifyError maps an error encountered during action execution to an
// ErrorTier, mirroring the teacher's classifyError / errors.go status
// classification but against this module's remote error sentinels.
func classifyError(err error) ErrorTier {
	if err == nil {
		return ErrorSkip
	}

	switch {
	case errors.Is(err, icloudclient.ErrUnauthorized),
		errors.Is(err, icloudclient.ErrSessionExpired):
		return ErrorFatal
	case errors.Is(err, icloudclient.ErrForbidden),
		errors.Is(err, icloudclient.ErrNotFound):
		return ErrorSkip
	case errors.Is(err, icloudclient.ErrZoneBusy),
		errors.Is(err, icloudclient.ErrThrottled),
		errors.Is(err, icloudclient.ErrServerError):
		return ErrorRetryable
	default:
		return ErrorRetryable
	}
}
