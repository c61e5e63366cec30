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
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ctessum/geom"
	"golang.org/x/time/rate"

	"github.com/spatialmodel/burncoord"
	"github.com/spatialmodel/burncoord/store"
)

type fakeGateway struct {
	mu       sync.Mutex
	calls    int
	failures int   // fail this many leading calls with UPSTREAM
	err      error // permanent error returned on every call
	sent     []string
}

func (g *fakeGateway) Deliver(ctx context.Context, to, subject, body string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return g.err
	}
	if g.calls <= g.failures {
		return burncoord.Errorf(burncoord.KindUpstream, "alert: gateway unavailable")
	}
	g.sent = append(g.sent, to+": "+subject+" / "+body)
	return nil
}

func newTestService(t *testing.T, st Store, gws map[burncoord.Channel]Gateway) *Service {
	t.Helper()
	s, err := New(st, gws)
	if err != nil {
		t.Fatal(err)
	}
	s.RetryBase = time.Millisecond
	s.RetryCap = 2 * time.Millisecond
	s.RateWait = 10 * time.Millisecond
	return s
}

func scheduleVars() map[string]string {
	return map[string]string{
		"requestId": "7", "date": "2026-09-11", "window": "09:00-13:00",
		"reason": "smoke conflict",
	}
}

func recipient(id int64, channels ...burncoord.Channel) burncoord.Recipient {
	return burncoord.Recipient{
		ID: id, FarmID: id, Name: "R",
		Phone: "+15551234567", Email: "r@example.com",
		Channels: channels,
	}
}

func TestSendAccounting(t *testing.T) {
	sms := &fakeGateway{}
	s := newTestService(t, store.NewMemStore(), map[burncoord.Channel]Gateway{
		burncoord.ChannelSMS: sms,
	})

	bad := recipient(2, burncoord.ChannelSMS)
	bad.Phone = "555-1234" // not E.164
	a := &burncoord.Alert{
		Type:      burncoord.AlertSchedule,
		Variables: scheduleVars(),
		Recipients: []burncoord.Recipient{
			recipient(1, burncoord.ChannelSMS), bad,
		},
	}
	rep, err := s.Send(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Sent != 1 || rep.Failed != 1 {
		t.Errorf("sent %d failed %d; want 1 and 1", rep.Sent, rep.Failed)
	}
	if rep.Sent+rep.Failed != len(a.Recipients) {
		t.Errorf("sent+failed = %d; want |recipients| = %d", rep.Sent+rep.Failed, len(a.Recipients))
	}
	if len(rep.Notifications) != 2 {
		t.Fatalf("%d notifications; want 2", len(rep.Notifications))
	}

	stored, err := s.Store.Alert(context.Background(), rep.AlertID)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored.Deliveries) != 2 {
		t.Errorf("%d stored deliveries; want 2", len(stored.Deliveries))
	}
	if !strings.Contains(stored.Subject, "rescheduled") {
		t.Errorf("rendered subject = %q", stored.Subject)
	}
}

func TestSendChannelFallback(t *testing.T) {
	sms := &fakeGateway{err: burncoord.Errorf(burncoord.KindValidation, "alert: gateway rejected message with status 400")}
	email := &fakeGateway{}
	s := newTestService(t, store.NewMemStore(), map[burncoord.Channel]Gateway{
		burncoord.ChannelSMS:   sms,
		burncoord.ChannelEmail: email,
	})

	a := &burncoord.Alert{
		Type:       burncoord.AlertConflict,
		Variables:  map[string]string{"requestId": "7", "date": "2026-09-11", "pm25": "66", "severity": "high"},
		Recipients: []burncoord.Recipient{recipient(1, burncoord.ChannelSMS, burncoord.ChannelEmail)},
	}
	rep, err := s.Send(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Sent != 1 {
		t.Fatalf("sent = %d; want 1 via the fallback channel", rep.Sent)
	}
	d := rep.Notifications[0]
	if d.Channel != burncoord.ChannelEmail || d.Status != burncoord.DeliverySent {
		t.Errorf("delivery = %+v; want sent via email", d)
	}
	if st := rep.DeliveryStats[burncoord.ChannelSMS]; st == nil || st.Failed != 1 {
		t.Errorf("sms stats = %+v; want 1 failure", st)
	}
	if len(email.sent) != 1 {
		t.Errorf("email gateway delivered %d messages; want 1", len(email.sent))
	}
}

func TestSendRetriesUpstreamFailures(t *testing.T) {
	sms := &fakeGateway{failures: 2}
	s := newTestService(t, store.NewMemStore(), map[burncoord.Channel]Gateway{
		burncoord.ChannelSMS: sms,
	})

	a := &burncoord.Alert{
		Type:       burncoord.AlertSchedule,
		Variables:  scheduleVars(),
		Recipients: []burncoord.Recipient{recipient(1, burncoord.ChannelSMS)},
	}
	rep, err := s.Send(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Sent != 1 {
		t.Fatalf("sent = %d after transient failures; want 1", rep.Sent)
	}
	if rep.Notifications[0].Attempts != 3 {
		t.Errorf("attempts = %d; want 3", rep.Notifications[0].Attempts)
	}
}

func TestSendMissingTemplateVariable(t *testing.T) {
	s := newTestService(t, store.NewMemStore(), map[burncoord.Channel]Gateway{
		burncoord.ChannelSMS: &fakeGateway{},
	})
	a := &burncoord.Alert{
		Type:       burncoord.AlertSchedule,
		Variables:  map[string]string{"requestId": "7"}, // no date/window/reason
		Recipients: []burncoord.Recipient{recipient(1, burncoord.ChannelSMS)},
	}
	_, err := s.Send(context.Background(), a)
	if burncoord.KindOf(err) != burncoord.KindValidation {
		t.Errorf("error kind = %v; want %v", burncoord.KindOf(err), burncoord.KindValidation)
	}
}

func TestSendStripsHTML(t *testing.T) {
	sms := &fakeGateway{}
	s := newTestService(t, store.NewMemStore(), map[burncoord.Channel]Gateway{
		burncoord.ChannelSMS: sms,
	})
	a := &burncoord.Alert{
		Type:       burncoord.AlertSmoke,
		Subject:    "Smoke warning",
		Body:       "<p>Stay <b>indoors</b> &amp; close windows.</p>",
		Recipients: []burncoord.Recipient{recipient(1, burncoord.ChannelSMS)},
	}
	if _, err := s.Send(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	if len(sms.sent) != 1 || strings.Contains(sms.sent[0], "<") {
		t.Errorf("delivered payload = %q; want tags stripped", sms.sent)
	}
	if !strings.Contains(sms.sent[0], "Stay indoors & close windows.") {
		t.Errorf("delivered payload = %q", sms.sent[0])
	}
}

func TestTemplateLanguageFallback(t *testing.T) {
	ts, err := newTemplateSet()
	if err != nil {
		t.Fatal(err)
	}
	vars := map[string]string{"location": "38.58, -121.49", "radiusKm": "10"}

	subjES, _, err := ts.render(burncoord.AlertEmergency, "es", vars)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(subjES, "EMERGENCIA") {
		t.Errorf("es subject = %q", subjES)
	}
	subjMX, _, err := ts.render(burncoord.AlertEmergency, "es-MX", vars)
	if err != nil {
		t.Fatal(err)
	}
	if subjMX != subjES {
		t.Errorf("es-MX subject = %q; want the es template", subjMX)
	}
	subjFR, _, err := ts.render(burncoord.AlertEmergency, "fr", vars)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(subjFR, "EMERGENCY") {
		t.Errorf("fr subject = %q; want the default template", subjFR)
	}
}

func TestRateLimited(t *testing.T) {
	sms := &fakeGateway{}
	s := newTestService(t, store.NewMemStore(), map[burncoord.Channel]Gateway{
		burncoord.ChannelSMS: sms,
	})
	// One token per hour: the second send must trip the limiter.
	s.limiters[burncoord.ChannelSMS] = rate.NewLimiter(rate.Every(time.Hour), 1)

	a := func() *burncoord.Alert {
		return &burncoord.Alert{
			Type:       burncoord.AlertSchedule,
			Variables:  scheduleVars(),
			Recipients: []burncoord.Recipient{recipient(1, burncoord.ChannelSMS)},
		}
	}
	if rep, err := s.Send(context.Background(), a()); err != nil || rep.Sent != 1 {
		t.Fatalf("first send: rep=%+v err=%v", rep, err)
	}
	rep, err := s.Send(context.Background(), a())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Failed != 1 {
		t.Fatalf("second send failed = %d; want 1", rep.Failed)
	}
	if !strings.Contains(rep.Notifications[0].Error, "rate limited") {
		t.Errorf("delivery error = %q; want a rate-limit failure", rep.Notifications[0].Error)
	}
	if len(sms.sent) != 1 {
		t.Errorf("gateway delivered %d messages; want 1", len(sms.sent))
	}
}

func TestAcknowledge(t *testing.T) {
	s := newTestService(t, store.NewMemStore(), map[burncoord.Channel]Gateway{
		burncoord.ChannelSMS: &fakeGateway{},
	})
	a := &burncoord.Alert{
		Type:       burncoord.AlertSchedule,
		Variables:  scheduleVars(),
		Recipients: []burncoord.Recipient{recipient(1, burncoord.ChannelSMS)},
	}
	rep, err := s.Send(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}

	ack, err := s.Acknowledge(context.Background(), rep.AlertID, 1, "CONFIRM")
	if err != nil {
		t.Fatal(err)
	}
	if !ack.Acknowledged || ack.Timestamp.IsZero() {
		t.Errorf("ack = %+v", ack)
	}

	if _, err := s.Acknowledge(context.Background(), 999, 1, "x"); burncoord.KindOf(err) != burncoord.KindNotFound {
		t.Errorf("unknown alert error kind = %v; want %v", burncoord.KindOf(err), burncoord.KindNotFound)
	}
}

func TestCascadeEscalates(t *testing.T) {
	st := store.NewMemStore()
	s := newTestService(t, st, map[burncoord.Channel]Gateway{
		burncoord.ChannelSMS: &fakeGateway{},
	})
	spec := &CascadeSpec{
		Alert: &burncoord.Alert{
			Type:      burncoord.AlertConflict,
			Severity:  burncoord.SeverityModerate,
			Variables: map[string]string{"requestId": "7", "date": "2026-09-11", "pm25": "66", "severity": "high"},
		},
		Levels: []CascadeLevel{
			{Recipients: []burncoord.Recipient{recipient(1, burncoord.ChannelSMS)}, Delay: time.Millisecond},
			{Recipients: []burncoord.Recipient{recipient(2, burncoord.ChannelSMS)}},
		},
	}
	reports, err := s.Cascade(context.Background(), spec)
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 2 {
		t.Fatalf("%d levels dispatched; want 2 without an acknowledgment", len(reports))
	}
	second, err := st.Alert(context.Background(), reports[1].AlertID)
	if err != nil {
		t.Fatal(err)
	}
	if second.Severity != burncoord.SeverityHigh {
		t.Errorf("escalated severity = %q; want high", second.Severity)
	}
}

// ackedStore reports every delivery as acknowledged, stopping a
// cascade at its first level.
type ackedStore struct{ Store }

func (s ackedStore) Alert(ctx context.Context, id int64) (*burncoord.Alert, error) {
	a, err := s.Store.Alert(ctx, id)
	if err != nil {
		return nil, err
	}
	for i := range a.Deliveries {
		a.Deliveries[i].Status = burncoord.DeliveryAcked
	}
	return a, nil
}

func TestCascadeStopsOnAck(t *testing.T) {
	s := newTestService(t, ackedStore{store.NewMemStore()}, map[burncoord.Channel]Gateway{
		burncoord.ChannelSMS: &fakeGateway{},
	})
	spec := &CascadeSpec{
		Alert: &burncoord.Alert{
			Type:      burncoord.AlertSchedule,
			Severity:  burncoord.SeverityModerate,
			Variables: scheduleVars(),
		},
		Levels: []CascadeLevel{
			{Recipients: []burncoord.Recipient{recipient(1, burncoord.ChannelSMS)}, Delay: time.Millisecond},
			{Recipients: []burncoord.Recipient{recipient(2, burncoord.ChannelSMS)}},
		},
	}
	reports, err := s.Cascade(context.Background(), spec)
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 1 {
		t.Errorf("%d levels dispatched; want 1 after acknowledgment", len(reports))
	}
}

func TestEmergencyBroadcast(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()

	near := &burncoord.Farm{Name: "Near", OwnerName: "N", Phone: "+15551112222",
		Email: "n@example.com", Location: geom.Point{X: -121.49, Y: 38.58}}
	nearID, err := st.InsertFarm(ctx, near)
	if err != nil {
		t.Fatal(err)
	}
	far := &burncoord.Farm{Name: "Far", Location: geom.Point{X: -120.0, Y: 39.5}}
	if _, err := st.InsertFarm(ctx, far); err != nil {
		t.Fatal(err)
	}

	v := make([]float32, burncoord.TerrainDims)
	v[0] = 1
	req := &burncoord.BurnRequest{
		FarmID: nearID, FieldName: "F1", Crop: burncoord.CropRice,
		AreaHa: 50, Date: time.Date(2026, 9, 10, 0, 0, 0, 0, time.UTC),
		Window:        burncoord.TimeWindow{StartMinute: 540, EndMinute: 780},
		Status:        burncoord.StatusPending,
		TerrainVector: v,
		Centroid:      geom.Point{X: -121.49, Y: 38.58},
	}
	id, err := st.InsertBurnRequest(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.UpdateRequestStatus(ctx, id, burncoord.StatusScheduled); err != nil {
		t.Fatal(err)
	}

	sms, voice, email := &fakeGateway{}, &fakeGateway{}, &fakeGateway{}
	s := newTestService(t, st, map[burncoord.Channel]Gateway{
		burncoord.ChannelSMS:   sms,
		burncoord.ChannelVoice: voice,
		burncoord.ChannelEmail: email,
	})

	rep, err := s.EmergencyBroadcast(ctx, geom.Point{X: -121.49, Y: 38.58}, 0, "wildfire nearby")
	if err != nil {
		t.Fatal(err)
	}
	if rep.Sent != 1 || rep.Failed != 0 {
		t.Errorf("sent %d failed %d; want the one nearby farm reached", rep.Sent, rep.Failed)
	}
	// Emergencies go out on every channel, not just the first success.
	for ch, gw := range map[burncoord.Channel]*fakeGateway{
		burncoord.ChannelSMS: sms, burncoord.ChannelVoice: voice, burncoord.ChannelEmail: email,
	} {
		if len(gw.sent) != 1 {
			t.Errorf("%s gateway delivered %d messages; want 1", ch, len(gw.sent))
		}
	}

	got, err := st.BurnRequest(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != burncoord.StatusCancelled {
		t.Errorf("scheduled burn status = %q; want cancelled", got.Status)
	}
}
