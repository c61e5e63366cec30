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

package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/ctessum/geom"
	"github.com/sirupsen/logrus"

	"github.com/spatialmodel/burncoord"
)

// emergencyRadiusKm is the default emergency broadcast radius.
const emergencyRadiusKm = 10

// CascadeLevel is one escalation step: who to notify and how long to
// wait for an acknowledgment before escalating further.
type CascadeLevel struct {
	Recipients []burncoord.Recipient
	Delay      time.Duration
}

// CascadeSpec describes an escalation chain. The alert's severity is
// raised one band per level past the first.
type CascadeSpec struct {
	Alert  *burncoord.Alert
	Levels []CascadeLevel
}

// escalate raises a severity one band.
func escalate(s burncoord.ConflictSeverity) burncoord.ConflictSeverity {
	switch s {
	case burncoord.SeverityLow:
		return burncoord.SeverityModerate
	case burncoord.SeverityModerate:
		return burncoord.SeverityHigh
	default:
		return burncoord.SeverityCritical
	}
}

// Cascade sends the alert level by level, stopping as soon as any
// recipient of the current level acknowledges within its delay. The
// reports for every dispatched level are returned.
func (s *Service) Cascade(ctx context.Context, spec *CascadeSpec) ([]*Report, error) {
	if spec == nil || spec.Alert == nil || len(spec.Levels) == 0 {
		return nil, burncoord.Errorf(burncoord.KindValidation, "alert: empty cascade")
	}

	severity := spec.Alert.Severity
	var reports []*Report
	for i, level := range spec.Levels {
		a := *spec.Alert
		a.ID = 0
		a.Severity = severity
		a.Recipients = level.Recipients

		rep, err := s.Send(ctx, &a)
		if err != nil {
			return reports, err
		}
		reports = append(reports, rep)

		if i == len(spec.Levels)-1 {
			break
		}
		select {
		case <-time.After(level.Delay):
		case <-ctx.Done():
			return reports, burncoord.WrapErr(burncoord.KindCancelled, ctx.Err(), "alert: cascade cancelled")
		}
		acked, err := s.anyAcked(ctx, rep.AlertID)
		if err != nil {
			return reports, err
		}
		if acked {
			return reports, nil
		}
		severity = escalate(severity)
		s.Log.WithFields(logrus.Fields{
			"alert": rep.AlertID, "level": i + 1, "severity": severity,
		}).Warn("alert: no acknowledgment; escalating")
	}
	return reports, nil
}

// anyAcked reports whether any delivery of the alert has been
// acknowledged.
func (s *Service) anyAcked(ctx context.Context, alertID int64) (bool, error) {
	a, err := s.Store.Alert(ctx, alertID)
	if err != nil {
		return false, err
	}
	for _, d := range a.Deliveries {
		if d.Status == burncoord.DeliveryAcked {
			return true, nil
		}
	}
	return false, nil
}

// EmergencyBroadcast cancels every non-terminal burn within radiusKm
// of center and notifies every farm in the area on all channels,
// bypassing the rate limits. A partial delivery failure is reported in
// the per-channel stats, not returned as an error.
func (s *Service) EmergencyBroadcast(ctx context.Context, center geom.Point, radiusKm float64, reason string) (*Report, error) {
	if radiusKm <= 0 {
		radiusKm = emergencyRadiusKm
	}

	burns, err := s.Store.RequestsNear(ctx, center, radiusKm)
	if err != nil {
		return nil, err
	}
	cancelled := 0
	for _, b := range burns {
		if !burncoord.CanTransition(b.Status, burncoord.StatusCancelled) {
			continue
		}
		if err := s.Store.UpdateRequestStatus(ctx, b.ID, burncoord.StatusCancelled); err != nil {
			s.Log.WithError(err).WithField("request", b.ID).Error("alert: cancelling burn for emergency")
			continue
		}
		cancelled++
	}

	recipients, err := s.Store.RecipientsNear(ctx, center, radiusKm)
	if err != nil {
		return nil, err
	}

	a := &burncoord.Alert{
		Type:     burncoord.AlertEmergency,
		Severity: burncoord.SeverityCritical,
		Variables: map[string]string{
			"location": fmt.Sprintf("%.3f, %.3f", center.Y, center.X),
			"radiusKm": fmt.Sprintf("%.0f", radiusKm),
		},
		Recipients: recipients,
	}
	subject, body, err := s.templates.render(a.Type, "", a.Variables)
	if err != nil {
		return nil, err
	}
	a.Subject, a.Body = subject, stripHTML(body)
	if reason != "" {
		a.Body += " Reason: " + stripHTML(reason)
	}

	id, err := s.Store.InsertAlert(ctx, a)
	if err != nil {
		return nil, err
	}
	s.Log.WithFields(logrus.Fields{
		"alert": id, "recipients": len(recipients), "burnsCancelled": cancelled,
	}).Warn("alert: emergency broadcast")

	return s.dispatch(ctx, id, a, true, true)
}
