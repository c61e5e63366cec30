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
along with BurnCoord.  If not, see <http://www.gnu.org/licenses/>.*/

package hash

import (
	"math"
	"testing"
)

func TestHashStable(t *testing.T) {
	type payload struct {
		Cell string
		Hour int
	}
	a := Hash(payload{Cell: "38.58:-121.49", Hour: 10})
	b := Hash(payload{Cell: "38.58:-121.49", Hour: 10})
	if a != b {
		t.Errorf("equal payloads hash differently: %q vs %q", a, b)
	}
	c := Hash(payload{Cell: "38.58:-121.49", Hour: 11})
	if a == c {
		t.Errorf("different payloads hash equally: %q", a)
	}
}

func TestHashNaNFallback(t *testing.T) {
	// gob cannot encode NaN; the spew fallback must still give a
	// stable key.
	v := struct{ X float64 }{math.NaN()}
	if Hash(v) != Hash(v) {
		t.Error("NaN payload hash is unstable")
	}
}

func TestPairKey(t *testing.T) {
	if got, want := PairKey(7, 3, "2026-09-01"), "3:7:2026-09-01"; got != want {
		t.Errorf("PairKey(7, 3) = %q; want %q", got, want)
	}
	if PairKey(3, 7, "2026-09-01") != PairKey(7, 3, "2026-09-01") {
		t.Error("PairKey is order-sensitive")
	}
	if PairKey(3, 7, "2026-09-01") == PairKey(3, 7, "2026-09-02") {
		t.Error("PairKey ignores the day")
	}
}
