package engine

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/breeze-rmm/gamefix/internal/deps"
	"github.com/breeze-rmm/gamefix/internal/filefix"
	"github.com/breeze-rmm/gamefix/internal/hashutil"
	"github.com/breeze-rmm/gamefix/internal/hostsfix"
	"github.com/breeze-rmm/gamefix/internal/manifest"
	"github.com/breeze-rmm/gamefix/internal/patch"
	"github.com/breeze-rmm/gamefix/internal/preflight"
	"github.com/breeze-rmm/gamefix/internal/regfix"
)

// ResultKind classifies the outcome of an engine operation.
type ResultKind string

const (
	Success                ResultKind = "Success"
	HashMismatch           ResultKind = "HashMismatch"
	SourceMissing          ResultKind = "SourceMissing"
	PatchSignatureMismatch ResultKind = "PatchSignatureMismatch"
	IoError                ResultKind = "IoError"
	DependencyUnmet        ResultKind = "DependencyUnmet"
	Cancelled              ResultKind = "Cancelled"
	NotInstalled           ResultKind = "NotInstalled"
	AlreadyInstalled       ResultKind = "AlreadyInstalled"
	VerifyMismatch         ResultKind = "VerifyMismatch"
	PreflightFailed        ResultKind = "PreflightFailed"
	Unsupported            ResultKind = "Unsupported"
	AdminRequired          ResultKind = "AdminRequired"
)

// Result is what every engine operation returns. Expected failures are
// reported here rather than as errors.
type Result struct {
	IsSuccess bool       `json:"isSuccess"`
	Kind      ResultKind `json:"kind"`
	Message   string     `json:"message,omitempty"`
	// Files lists the entries installed, removed or found to differ.
	Files []string `json:"files,omitempty"`
	// Fixes lists the fixes involved in a dependency failure.
	Fixes []uuid.UUID `json:"fixes,omitempty"`
}

// Classify maps an error to the ResultKind a caller can act on.
func Classify(err error) ResultKind {
	var pf *preflight.ErrPreflightFailed
	switch {
	case err == nil:
		return Success
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Cancelled
	case errors.Is(err, hashutil.ErrHashMismatch):
		return HashMismatch
	case errors.Is(err, filefix.ErrSourceMissing):
		return SourceMissing
	case errors.Is(err, patch.ErrSignatureMismatch):
		return PatchSignatureMismatch
	case errors.As(err, &pf):
		return PreflightFailed
	case errors.Is(err, regfix.ErrUnsupported):
		return Unsupported
	case errors.Is(err, regfix.ErrAdminRequired), errors.Is(err, hostsfix.ErrAdminRequired):
		return AdminRequired
	case errors.Is(err, manifest.ErrNotInstalled):
		return NotInstalled
	case errors.Is(err, deps.ErrCycle), errors.Is(err, deps.ErrUnknownDependency):
		return DependencyUnmet
	default:
		return IoError
	}
}

func failure(err error) Result {
	return Result{Kind: Classify(err), Message: err.Error()}
}

func success(message string, files []string) Result {
	return Result{IsSuccess: true, Kind: Success, Message: message, Files: files}
}
