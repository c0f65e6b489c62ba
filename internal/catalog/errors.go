package catalog

import (
	"errors"
	"fmt"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies a remote failure by how the caller should react to it.
type Kind int

const (
	// KindNetwork covers transient transport failures. Callers degrade
	// silently and retry on the next refresh.
	KindNetwork Kind = iota
	// KindNotFound means the record or blob does not exist remotely.
	KindNotFound
	// KindPermission means the caller is not allowed to read the data.
	KindPermission
	// KindConfig means the backend rejected the query itself, most commonly
	// a missing composite index. This is the one failure worth surfacing to
	// the user, since no retry will ever succeed until it is fixed.
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindPermission:
		return "permission_denied"
	case KindConfig:
		return "configuration"
	default:
		return "network"
	}
}

// Error is the tagged failure the catalog returns for every remote problem.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("catalog %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// UserFacing reports whether the failure should be shown to the user rather
// than silently degraded.
func (e *Error) UserFacing() bool { return e.Kind == KindConfig }

// classify wraps err with the Kind derived from its gRPC or HTTP status.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	kind := KindNetwork
	if errors.Is(err, storage.ErrObjectNotExist) {
		kind = KindNotFound
	} else if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.NotFound:
			kind = KindNotFound
		case codes.PermissionDenied, codes.Unauthenticated:
			kind = KindPermission
		case codes.FailedPrecondition, codes.InvalidArgument:
			kind = KindConfig
		}
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case 404:
			kind = KindNotFound
		case 401, 403:
			kind = KindPermission
		}
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// IsNotFound reports whether err is a catalog not-found failure.
func IsNotFound(err error) bool {
	var cerr *Error
	return errors.As(err, &cerr) && cerr.Kind == KindNotFound
}

// UserFacing reports whether err carries a user-facing catalog failure.
func UserFacing(err error) bool {
	var cerr *Error
	return errors.As(err, &cerr) && cerr.UserFacing()
}
