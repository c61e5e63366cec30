/*
Copyright © 2024 the BurnCoord authors.
This file is part of BurnCoord.

BurnCoord is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

BurnCoord is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with BurnCoord.  If not, see <http://www.gnu.org/licenses/>.
*/

package burncoord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for boundary handling. Each component either
// recovers from an upstream error of a known kind or wraps it with the
// kind preserved; only KindInternal may be introduced for unclassified
// errors.
type Kind string

// The error kinds.
const (
	KindValidation  Kind = "VALIDATION"
	KindNotFound    Kind = "NOT_FOUND"
	KindConflict    Kind = "CONFLICT"
	KindRateLimited Kind = "RATE_LIMITED"
	KindPrecond     Kind = "PRECONDITION"
	KindUpstream    Kind = "UPSTREAM"
	KindTimeout     Kind = "TIMEOUT"
	KindCancelled   Kind = "CANCELLED"
	KindFeasibility Kind = "FEASIBILITY"
	KindInternal    Kind = "INTERNAL"
)

// HTTPStatus maps an error kind to the HTTP status code surfaced at the
// transport boundary.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindPrecond, KindFeasibility:
		return http.StatusUnprocessableEntity
	case KindUpstream:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCancelled:
		return 499 // client closed request
	}
	return http.StatusInternalServerError
}

// Error is an error carrying a Kind and, for validation errors, the
// offending fields.
type Error struct {
	Kind   Kind
	Msg    string
	Fields map[string]string // offending field → reason, for KindValidation
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error { return e.Err }

// Errorf creates an error of the given kind.
func Errorf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapErr wraps err with the given kind unless err already carries a
// kind, in which case the original kind is preserved.
func WrapErr(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if k := KindOf(err); k != KindInternal {
		kind = k
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// ValidationErr creates a KindValidation error enumerating the
// offending fields.
func ValidationErr(msg string, fields map[string]string) error {
	return &Error{Kind: KindValidation, Msg: msg, Fields: fields}
}

// KindOf returns the kind carried by err, or KindInternal if err
// carries none. Context cancellation and deadline errors map to
// KindCancelled and KindTimeout.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindInternal
}

// FieldsOf returns the offending-field map carried by err, if any.
func FieldsOf(err error) map[string]string {
	var e *Error
	if errors.As(err, &e) {
		return e.Fields
	}
	return nil
}
