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

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusScheduled, true},
		{StatusPending, StatusRejected, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusActive, false},
		{StatusPending, StatusCompleted, false},
		{StatusScheduled, StatusActive, true},
		{StatusScheduled, StatusPending, true},
		{StatusScheduled, StatusCancelled, true},
		{StatusScheduled, StatusCompleted, false},
		{StatusActive, StatusCompleted, true},
		{StatusActive, StatusCancelled, true},
		{StatusActive, StatusPending, false},
		// Terminal states allow nothing out.
		{StatusCompleted, StatusPending, false},
		{StatusCancelled, StatusPending, false},
		{StatusRejected, StatusScheduled, false},
		{StatusRejected, StatusPending, false},
	}
	for _, test := range tests {
		if got := CanTransition(test.from, test.to); got != test.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", test.from, test.to, got, test.want)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusCancelled, StatusRejected} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
		if s.Schedulable() {
			t.Errorf("%s should not be schedulable", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusScheduled} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
		if !s.Schedulable() {
			t.Errorf("%s should be schedulable", s)
		}
	}
	if StatusActive.Schedulable() {
		t.Error("active should not be schedulable")
	}
}

func TestSeverityForPM25(t *testing.T) {
	tests := []struct {
		pm25 float64
		want ConflictSeverity
	}{
		{0, SeverityLow},
		{34.9, SeverityLow},
		{35.0, SeverityModerate},
		{35.1, SeverityModerate},
		{55.0, SeverityModerate},
		{55.1, SeverityHigh},
		{150.0, SeverityHigh},
		{150.1, SeverityCritical},
		{1000, SeverityCritical},
	}
	for _, test := range tests {
		if got := SeverityForPM25(test.pm25); got != test.want {
			t.Errorf("SeverityForPM25(%g) = %s, want %s", test.pm25, got, test.want)
		}
	}
}
