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

// Package alert dispatches burn notifications over SMS, voice, and
// email with per-channel rate limits, retries, and automatic fallback
// down each recipient's channel preference list.
package alert

import (
	"context"
	"html"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ctessum/geom"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/spatialmodel/burncoord"
)

// phoneRE is the accepted E.164 phone format.
var phoneRE = regexp.MustCompile(`^\+[1-9]\d{10,14}$`)

// tagRE matches HTML tags for stripping.
var tagRE = regexp.MustCompile(`<[^>]*>`)

// Store is the persistence the alert service needs.
type Store interface {
	InsertAlert(ctx context.Context, a *burncoord.Alert) (int64, error)
	Alert(ctx context.Context, id int64) (*burncoord.Alert, error)
	RecordDelivery(ctx context.Context, alertID int64, d *burncoord.Delivery) error
	Acknowledge(ctx context.Context, alertID, recipientID int64, payload string) (*burncoord.Delivery, error)
	RecipientsNear(ctx context.Context, loc geom.Point, radiusKm float64) ([]burncoord.Recipient, error)
	RequestsNear(ctx context.Context, loc geom.Point, radiusKm float64) ([]*burncoord.BurnRequest, error)
	UpdateRequestStatus(ctx context.Context, id int64, to burncoord.Status) error
}

// ChannelStats counts per-channel delivery outcomes.
type ChannelStats struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// Report is the outcome of one dispatch. Sent plus Failed always
// equals the number of recipients.
type Report struct {
	AlertID       int64                                   `json:"alertId"`
	Sent          int                                     `json:"sent"`
	Failed        int                                     `json:"failed"`
	DeliveryStats map[burncoord.Channel]*ChannelStats     `json:"deliveryStats"`
	Notifications []burncoord.Delivery                    `json:"notifications"`
}

// defaultChannels is the fallback order for recipients with no
// declared preference.
var defaultChannels = []burncoord.Channel{
	burncoord.ChannelSMS, burncoord.ChannelVoice, burncoord.ChannelEmail,
}

// Service sends alerts. Construct with New.
type Service struct {
	Store    Store
	Gateways map[burncoord.Channel]Gateway
	Log      logrus.FieldLogger

	// RetryBase, RetryCap, and MaxAttempts shape the per-channel retry
	// schedule for provider failures.
	RetryBase   time.Duration
	RetryCap    time.Duration
	MaxAttempts int
	// RateWait bounds how long a send blocks on a channel's rate
	// limiter before giving up with RATE_LIMITED.
	RateWait time.Duration

	limiters  map[burncoord.Channel]*rate.Limiter
	templates *templateSet
	now       func() time.Time
}

// New creates an alert Service with the default rate limits (1 SMS/s
// burst 5, 1 call/2s burst 2, 10 emails/s burst 20) and retry policy
// (1 s base, 60 s cap, 5 attempts).
func New(store Store, gateways map[burncoord.Channel]Gateway) (*Service, error) {
	templates, err := newTemplateSet()
	if err != nil {
		return nil, err
	}
	return &Service{
		Store:       store,
		Gateways:    gateways,
		Log:         logrus.StandardLogger(),
		RetryBase:   time.Second,
		RetryCap:    60 * time.Second,
		MaxAttempts: 5,
		RateWait:    5 * time.Second,
		limiters: map[burncoord.Channel]*rate.Limiter{
			burncoord.ChannelSMS:   rate.NewLimiter(rate.Limit(1), 5),
			burncoord.ChannelVoice: rate.NewLimiter(rate.Every(2*time.Second), 2),
			burncoord.ChannelEmail: rate.NewLimiter(rate.Limit(10), 20),
		},
		templates: templates,
		now:       time.Now,
	}, nil
}

// stripHTML removes tags and resolves entities so gateway payloads are
// plain text.
func stripHTML(s string) string {
	return strings.TrimSpace(html.UnescapeString(tagRE.ReplaceAllString(s, "")))
}

// Send renders, persists, and dispatches an alert to every recipient,
// falling back down each recipient's channel list on failure. Partial
// delivery failure is reported, not returned as an error.
func (s *Service) Send(ctx context.Context, a *burncoord.Alert) (*Report, error) {
	if a.Variables != nil {
		subject, body, err := s.templates.render(a.Type, "", a.Variables)
		if err != nil {
			return nil, err
		}
		a.Subject, a.Body = subject, body
	}
	a.Body = stripHTML(a.Body)

	id, err := s.Store.InsertAlert(ctx, a)
	if err != nil {
		return nil, err
	}
	return s.dispatch(ctx, id, a, false, false)
}

// dispatch delivers an inserted alert. allChannels sends on every
// channel instead of stopping at the first success; bypassLimits skips
// the rate limiters.
func (s *Service) dispatch(ctx context.Context, id int64, a *burncoord.Alert, allChannels, bypassLimits bool) (*Report, error) {
	rep := &Report{
		AlertID:       id,
		DeliveryStats: map[burncoord.Channel]*ChannelStats{},
	}
	stats := func(ch burncoord.Channel) *ChannelStats {
		st, ok := rep.DeliveryStats[ch]
		if !ok {
			st = &ChannelStats{}
			rep.DeliveryStats[ch] = st
		}
		return st
	}

	for _, r := range a.Recipients {
		subject, body := a.Subject, a.Body
		if r.Language != "" && a.Variables != nil {
			if ls, lb, err := s.templates.render(a.Type, r.Language, a.Variables); err == nil {
				subject, body = ls, stripHTML(lb)
			}
		}
		channels := r.Channels
		if len(channels) == 0 {
			channels = defaultChannels
		}

		d := burncoord.Delivery{RecipientID: r.ID, Status: burncoord.DeliveryFailed}
		delivered := false
		for _, ch := range channels {
			attempts, err := s.deliver(ctx, ch, r, subject, body, bypassLimits)
			d.Channel = ch
			d.Attempts += attempts
			if err != nil {
				d.Error = err.Error()
				stats(ch).Failed++
				s.Log.WithError(err).WithFields(logrus.Fields{
					"alert": id, "recipient": r.ID, "channel": ch,
				}).Warn("alert: delivery failed")
				if burncoord.KindOf(err) == burncoord.KindCancelled {
					break
				}
				continue
			}
			d.Status = burncoord.DeliverySent
			d.Error = ""
			d.SentAt = s.now().UTC()
			stats(ch).Sent++
			delivered = true
			if !allChannels {
				break
			}
		}

		if delivered {
			rep.Sent++
		} else {
			rep.Failed++
		}
		if err := s.Store.RecordDelivery(ctx, id, &d); err != nil {
			return nil, err
		}
		rep.Notifications = append(rep.Notifications, d)
	}
	return rep, nil
}

// deliver sends one message on one channel, retrying provider failures
// with exponential backoff. It returns the number of attempts made.
func (s *Service) deliver(ctx context.Context, ch burncoord.Channel, r burncoord.Recipient, subject, body string, bypassLimits bool) (int, error) {
	to, err := s.address(ch, r)
	if err != nil {
		return 0, err
	}
	gw, ok := s.Gateways[ch]
	if !ok || gw == nil {
		return 0, burncoord.Errorf(burncoord.KindPrecond, "alert: no %s gateway configured", ch)
	}

	if !bypassLimits {
		if lim := s.limiters[ch]; lim != nil {
			wctx, cancel := context.WithTimeout(ctx, s.RateWait)
			err := lim.Wait(wctx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return 0, burncoord.WrapErr(burncoord.KindCancelled, ctx.Err(), "alert: send cancelled")
				}
				return 0, burncoord.Errorf(burncoord.KindRateLimited,
					"alert: %s channel rate limited", ch)
			}
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.RetryBase
	bo.MaxInterval = s.RetryCap
	attempts := 0
	op := func() error {
		attempts++
		err := gw.Deliver(ctx, to, subject, body)
		if err == nil {
			return nil
		}
		// Only provider failures are worth retrying.
		if burncoord.KindOf(err) == burncoord.KindUpstream {
			return err
		}
		return backoff.Permanent(err)
	}
	err = backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(s.MaxAttempts-1)), ctx))
	return attempts, err
}

// address resolves and validates the recipient's address for a
// channel.
func (s *Service) address(ch burncoord.Channel, r burncoord.Recipient) (string, error) {
	switch ch {
	case burncoord.ChannelSMS, burncoord.ChannelVoice:
		if !phoneRE.MatchString(r.Phone) {
			return "", burncoord.Errorf(burncoord.KindValidation,
				"alert: recipient %d phone %q is not E.164", r.ID, r.Phone)
		}
		return r.Phone, nil
	case burncoord.ChannelEmail:
		if _, err := mail.ParseAddress(r.Email); err != nil {
			return "", burncoord.WrapErr(burncoord.KindValidation, err,
				"alert: recipient %d email %q", r.ID, r.Email)
		}
		return r.Email, nil
	}
	return "", burncoord.Errorf(burncoord.KindValidation, "alert: unknown channel %q", ch)
}

// Ack is an acknowledgment receipt.
type Ack struct {
	Acknowledged bool      `json:"acknowledged"`
	Timestamp    time.Time `json:"timestamp"`
}

// Acknowledge records a recipient's acknowledgment of a dispatched
// alert. Unknown alert or recipient ids return NOT_FOUND.
func (s *Service) Acknowledge(ctx context.Context, alertID, recipientID int64, payload string) (*Ack, error) {
	d, err := s.Store.Acknowledge(ctx, alertID, recipientID, payload)
	if err != nil {
		return nil, err
	}
	return &Ack{Acknowledged: true, Timestamp: *d.AckedAt}, nil
}
