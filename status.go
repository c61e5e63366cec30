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

// Status is the lifecycle state of a BurnRequest.
type Status string

// The burn request lifecycle states. A request is created pending; the
// optimizer moves it to scheduled or rejected; operational events move
// it to active, completed, or cancelled. Completed, cancelled, and
// rejected are terminal.
const (
	StatusPending   Status = "pending"
	StatusScheduled Status = "scheduled"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusRejected  Status = "rejected"
)

// statusTransitions is the set of allowed lifecycle transitions.
// Scheduled→pending occurs when a re-optimization run defers a
// previously scheduled burn.
var statusTransitions = map[Status][]Status{
	StatusPending:   {StatusScheduled, StatusRejected, StatusCancelled},
	StatusScheduled: {StatusActive, StatusPending, StatusCancelled},
	StatusActive:    {StatusCompleted, StatusCancelled},
}

// Valid reports whether s is a recognized lifecycle state.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusScheduled, StatusActive,
		StatusCompleted, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal state. Terminal transitions
// are irreversible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// CanTransition reports whether a request in state from may move to
// state to.
func CanTransition(from, to Status) bool {
	for _, t := range statusTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Schedulable reports whether the optimizer should consider a request
// in state s. Only pending and scheduled requests are optimized.
func (s Status) Schedulable() bool {
	return s == StatusPending || s == StatusScheduled
}
