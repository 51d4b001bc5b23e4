// Package errors turns errors into low-cardinality class names for metric tags.
package errors

import (
	"context"
	goerrors "errors"
	"image"
	"io/fs"
	"reflect"
	"strings"

	"github.com/target/iview-tiler/internal/domain/model"
	apperrors "github.com/target/iview-tiler/internal/errors"
)

var sentinelClasses = []struct {
	err   error
	class string
}{
	{model.ErrInvalidTileJobKey, "invalid_key"},
	{model.ErrTileJobNotFound, "job_not_found"},
	{fs.ErrNotExist, "source_missing"},
	{image.ErrFormat, "unsupported_image"},
}

// Classify returns a normalized error class suitable for tagging metrics and logs.
// Application errors are classified by code, known sentinels and context errors by kind,
// and anything else by the type name of the innermost wrapped error.
func Classify(err error) string {
	if err == nil {
		return ""
	}

	if code := apperrors.GetCode(err); code != "" {
		return "app_" + string(code)
	}
	for _, s := range sentinelClasses {
		if goerrors.Is(err, s.err) {
			return s.class
		}
	}
	switch {
	case goerrors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	case goerrors.Is(err, context.Canceled):
		return "canceled"
	}

	for {
		unwrapped := goerrors.Unwrap(err)
		if unwrapped == nil {
			break
		}
		err = unwrapped
	}

	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "unknown"
	}

	name := strings.ToLower(strings.ReplaceAll(t.String(), "*", ""))
	name = strings.ReplaceAll(name, ".", "_")
	if name == "" {
		return "unknown"
	}
	return name
}
