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
	"testing"
)

func TestKindHTTPStatus(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindValidation, http.StatusBadRequest},
		{KindNotFound, http.StatusNotFound},
		{KindConflict, http.StatusConflict},
		{KindRateLimited, http.StatusTooManyRequests},
		{KindPrecond, http.StatusUnprocessableEntity},
		{KindFeasibility, http.StatusUnprocessableEntity},
		{KindUpstream, http.StatusBadGateway},
		{KindTimeout, http.StatusGatewayTimeout},
		{KindCancelled, 499},
		{KindInternal, http.StatusInternalServerError},
		{Kind("unknown"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := c.kind.HTTPStatus(); got != c.want {
			t.Errorf("%s.HTTPStatus() = %d; want %d", c.kind, got, c.want)
		}
	}
}

func TestKindOf(t *testing.T) {
	if got := KindOf(Errorf(KindConflict, "x")); got != KindConflict {
		t.Errorf("KindOf(conflict) = %v", got)
	}
	if got := KindOf(errors.New("plain")); got != KindInternal {
		t.Errorf("KindOf(plain) = %v", got)
	}
	if got := KindOf(context.Canceled); got != KindCancelled {
		t.Errorf("KindOf(context.Canceled) = %v", got)
	}
	if got := KindOf(context.DeadlineExceeded); got != KindTimeout {
		t.Errorf("KindOf(context.DeadlineExceeded) = %v", got)
	}
	// Kinds survive an fmt wrapping layer.
	wrapped := fmt.Errorf("outer: %w", Errorf(KindNotFound, "missing"))
	if got := KindOf(wrapped); got != KindNotFound {
		t.Errorf("KindOf(wrapped) = %v", got)
	}
}

func TestWrapErrPreservesKind(t *testing.T) {
	inner := Errorf(KindUpstream, "provider said no")
	err := WrapErr(KindInternal, inner, "weather: fetching")
	if got := KindOf(err); got != KindUpstream {
		t.Errorf("wrapped kind = %v; want %v", got, KindUpstream)
	}
	if !errors.Is(err, inner) {
		t.Error("wrapping breaks errors.Is")
	}
	if WrapErr(KindInternal, nil, "x") != nil {
		t.Error("WrapErr(nil) != nil")
	}

	// An unclassified inner error takes the wrapper's kind.
	err = WrapErr(KindTimeout, errors.New("deadline"), "weather: fetching")
	if got := KindOf(err); got != KindTimeout {
		t.Errorf("unclassified wrap kind = %v; want %v", got, KindTimeout)
	}
}

func TestValidationErrFields(t *testing.T) {
	err := ValidationErr("coordinate: bad submission", map[string]string{
		"areaHectares": "must be positive",
	})
	if got := KindOf(err); got != KindValidation {
		t.Fatalf("kind = %v", got)
	}
	fields := FieldsOf(err)
	if fields["areaHectares"] == "" {
		t.Errorf("fields = %v", fields)
	}
	if FieldsOf(errors.New("plain")) != nil {
		t.Error("FieldsOf(plain) != nil")
	}
}
