// Package errors reduces arbitrary errors to a short kind for metric tags and
// client-safe failure messages.
package errors

import (
	"context"
	goerrors "errors"
	"net"
	"reflect"
	"strings"
)

// Classified is implemented by errors that name their own kind.
type Classified interface {
	Kind() string
}

// Classify returns a normalized error kind. Well-known conditions map to fixed
// names; anything else is named after the innermost concrete type.
func Classify(err error) string {
	if err == nil {
		return ""
	}

	var classified Classified
	if goerrors.As(err, &classified) {
		if kind := strings.TrimSpace(classified.Kind()); kind != "" {
			return kind
		}
	}

	switch {
	case goerrors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	case goerrors.Is(err, context.Canceled):
		return "canceled"
	}

	var netErr net.Error
	if goerrors.As(err, &netErr) {
		return "network"
	}

	for {
		unwrapped := goerrors.Unwrap(err)
		if unwrapped == nil {
			break
		}
		err = unwrapped
	}

	return typeName(err)
}

func typeName(err error) string {
	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "unknown"
	}
	if t.PkgPath() == "errors" && t.Name() == "errorString" {
		return "error"
	}

	name := strings.ToLower(t.String())
	name = strings.ReplaceAll(name, ".", "_")
	if name == "" {
		return "unknown"
	}
	return name
}
