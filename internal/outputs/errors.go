package outputs

import (
	"errors"
	"fmt"
)

var (
	// ErrTypeMismatch matches every *TypeMismatchError.
	ErrTypeMismatch = errors.New("output type mismatch")

	// ErrInvalidPath matches every *InvalidPathError.
	ErrInvalidPath = errors.New("invalid output path")
)

// TypeMismatchError reports a declared output whose kind on disk differs
// from its declaration: a declared file that is not a regular file, or a
// declared directory that is not one.
type TypeMismatchError struct {
	Path     string // as declared, relative to the exec root
	Declared string // "file" or "directory"
	Found    string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("output %s declared as %s is a %s", e.Path, e.Declared, e.Found)
}

func (e *TypeMismatchError) Is(target error) bool { return target == ErrTypeMismatch }

// InvalidPathError reports a declared output path that is absolute, empty
// or escapes the exec root.
type InvalidPathError struct {
	Path string
}

func (e *InvalidPathError) Error() string {
	return fmt.Sprintf("output path %q is not inside the exec root", e.Path)
}

func (e *InvalidPathError) Is(target error) bool { return target == ErrInvalidPath }
