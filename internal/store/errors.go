package store

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/TobiSchelling/wikicache/internal/title"
)

// Sentinel errors, matched with errors.Is.
var (
	ErrIO                 = errors.New("store: i/o failure")
	ErrNotFound           = errors.New("store: not found") // internal; reads report misses as nil or found=false
	ErrCorrupt            = errors.New("store: corrupt data")
	ErrInvalidImport      = errors.New("store: invalid import payload")
	ErrClosed             = errors.New("store: closed")
	ErrIncompatibleFormat = errors.New("store: incompatible on-disk format")

	// ErrInvalidTitle is title.ErrInvalidTitle, re-exported for callers
	// that only import the store.
	ErrInvalidTitle = title.ErrInvalidTitle
)

// Kind classifies an Error.
type Kind int

const (
	KindIO Kind = iota + 1
	KindNotFound
	KindCorrupt
)

func (k Kind) sentinel() error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindCorrupt:
		return ErrCorrupt
	default:
		return ErrIO
	}
}

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindNotFound:
		return "not found"
	case KindCorrupt:
		return "corrupt"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error describes a failed store operation on a path.
type Error struct {
	Op   string
	Path string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap exposes both the cause and the sentinel for the error's kind.
func (e *Error) Unwrap() []error {
	return []error{e.Err, e.Kind.sentinel()}
}

func ioError(op, path string, err error) error {
	return &Error{Op: op, Path: path, Kind: KindIO, Err: err}
}

func notFoundError(op, path string) error {
	return &Error{Op: op, Path: path, Kind: KindNotFound, Err: fs.ErrNotExist}
}

func corruptError(op, path string, err error) error {
	return &Error{Op: op, Path: path, Kind: KindCorrupt, Err: err}
}

// ImportError reports a missing or malformed field in an import payload.
type ImportError struct {
	Field string
	Msg   string
}

func (e *ImportError) Error() string {
	return fmt.Sprintf("import: %s: %s", e.Field, e.Msg)
}

func (e *ImportError) Unwrap() error { return ErrInvalidImport }
