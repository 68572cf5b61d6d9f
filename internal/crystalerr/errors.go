// Package crystalerr classifies the error kinds that cross component
// boundaries in Crystal: project-open failures, revision I/O failures, and
// download failures. Errors are plain wrapped errors (fmt.Errorf("...: %w"))
// the way the rest of the module produces them; this package only adds a
// way to ask "what kind of error is this" without a type switch at every
// call site.
package crystalerr

import "errors"

// Kind identifies a class of error a caller may need to branch on.
type Kind int

const (
	Unknown Kind = iota
	ProjectTooNew
	ProjectReadOnly
	DiskFull
	RevisionBodyMissing
	DownloadTimeout
	DownloadNetwork
	DownloadTLS
	DownloadHTTP
	ParseFailed
	Cancelled
	AlreadyExists
	NotFound
	InvalidURLPattern
)

func (k Kind) String() string {
	switch k {
	case ProjectTooNew:
		return "ProjectTooNew"
	case ProjectReadOnly:
		return "ProjectReadOnly"
	case DiskFull:
		return "DiskFull"
	case RevisionBodyMissing:
		return "RevisionBodyMissing"
	case DownloadTimeout:
		return "DownloadTimeout"
	case DownloadNetwork:
		return "DownloadNetwork"
	case DownloadTLS:
		return "DownloadTls"
	case DownloadHTTP:
		return "DownloadHttp"
	case ParseFailed:
		return "ParseFailed"
	case Cancelled:
		return "Cancelled"
	case AlreadyExists:
		return "AlreadyExists"
	case NotFound:
		return "NotFound"
	case InvalidURLPattern:
		return "InvalidUrlPattern"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying error with a Kind and the operation that
// produced it, e.g. Error{Op: "store.OpenProject", Kind: ProjectTooNew}.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error.
func New(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// ClassifyOf returns the Kind carried by err, walking the Unwrap chain.
// Unknown is returned if no *Error is found.
func ClassifyOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	return ClassifyOf(err) == kind
}
