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

package burncoordutil

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/lnashier/viper"

	"github.com/spatialmodel/burncoord"
	"github.com/spatialmodel/burncoord/store"
)

func TestOptionDefaults(t *testing.T) {
	cases := []struct {
		key  string
		want interface{}
	}{
		{"listen", ":8080"},
		{"weather.baseurl", "https://api.openweathermap.org"},
		{"sms.baseurl", "https://api.twilio.com"},
		{"optimizer.t0", 1000.0},
		{"optimizer.alpha", 0.95},
		{"optimizer.weights.conflict", 50.0},
		{"optimizer.weights.defer", 100.0},
		{"predictor.gridstep", 250.0},
		{"predictor.rmax", 30.0},
		{"alerts.retry.max", 5},
		{"pipeline.workers", 4},
	}
	for _, c := range cases {
		switch want := c.want.(type) {
		case string:
			if got := Cfg.GetString(c.key); got != want {
				t.Errorf("%s = %q; want %q", c.key, got, want)
			}
		case float64:
			if got := Cfg.GetFloat64(c.key); got != want {
				t.Errorf("%s = %g; want %g", c.key, got, want)
			}
		case int:
			if got := Cfg.GetInt(c.key); got != want {
				t.Errorf("%s = %d; want %d", c.key, got, want)
			}
		}
	}
	for key, want := range map[string]time.Duration{
		"weather.cachettl":    time.Hour,
		"weather.forecastttl": 3 * time.Hour,
		"alerts.retry.base":   time.Second,
		"alerts.retry.cap":    time.Minute,
		"alerts.ratewait":     5 * time.Second,
		"pipeline.cycle":      15 * time.Minute,
	} {
		if got := Cfg.GetDuration(key); got != want {
			t.Errorf("%s = %v; want %v", key, got, want)
		}
	}
}

// Every declared option must be registered exactly once as a flag on
// its first flagset.
func TestOptionsRegistered(t *testing.T) {
	seen := map[string]bool{}
	for _, option := range options {
		if seen[option.name] {
			t.Errorf("option %q declared twice", option.name)
		}
		seen[option.name] = true
		if len(option.flagsets) == 0 {
			t.Errorf("option %q has no flagset", option.name)
			continue
		}
		if option.flagsets[0].Lookup(option.name) == nil {
			t.Errorf("option %q is not registered as a flag", option.name)
		}
	}
}

func TestVersionCmd(t *testing.T) {
	var out bytes.Buffer
	Root.SetOut(&out)
	defer Root.SetOut(nil)
	Root.SetArgs([]string{"version"})
	if err := Root.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), Version) {
		t.Errorf("version output %q does not contain %q", out.String(), Version)
	}
}

func TestNewStoreRequiresDSN(t *testing.T) {
	cfg := viper.New()
	_, err := NewStore(context.Background(), cfg)
	if burncoord.KindOf(err) != burncoord.KindValidation {
		t.Errorf("missing dsn error kind = %v; want %v", burncoord.KindOf(err), burncoord.KindValidation)
	}
}

func TestNewWeatherRequiresAPIKey(t *testing.T) {
	cfg := viper.New()
	_, err := NewWeather(cfg, store.NewMemStore())
	if burncoord.KindOf(err) != burncoord.KindValidation {
		t.Errorf("missing apikey error kind = %v; want %v", burncoord.KindOf(err), burncoord.KindValidation)
	}
}

func TestNewEnvWithStore(t *testing.T) {
	cfg := viper.New()
	cfg.Set("weather.apikey", "test-key")
	cfg.Set("sms.sid", "AC123")
	cfg.Set("sms.token", "tok")
	cfg.Set("sms.from", "+15550000000")
	cfg.Set("smtp.addr", "localhost:25")
	cfg.Set("optimizer.t0", 500.0)
	cfg.Set("pipeline.workers", 2)

	env, err := NewEnvWithStore(cfg, store.NewMemStore())
	if err != nil {
		t.Fatal(err)
	}
	if env.Pipeline == nil || env.Coordinator == nil || env.Predictor == nil {
		t.Fatal("incomplete environment")
	}
	if env.Optimizer.Params.T0 != 500 {
		t.Errorf("optimizer t0 = %g; want 500", env.Optimizer.Params.T0)
	}
	for _, ch := range []burncoord.Channel{
		burncoord.ChannelSMS, burncoord.ChannelVoice, burncoord.ChannelEmail,
	} {
		if env.Alerts.Gateways[ch] == nil {
			t.Errorf("no %s gateway configured", ch)
		}
	}
}

func TestSeed(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()

	n, err := Seed(ctx, st)
	if err != nil {
		t.Fatal(err)
	}
	if n != 6 {
		t.Errorf("seeded %d burn requests; want 6", n)
	}

	reqs, pagination, err := st.BurnRequests(ctx, store.RequestFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if pagination.Total != 6 {
		t.Errorf("stored %d requests; want 6", pagination.Total)
	}
	for _, r := range reqs {
		if r.Status != burncoord.StatusPending {
			t.Errorf("request %d status = %q; want pending", r.ID, r.Status)
		}
		if r.Priority < 1 || r.Priority > 10 {
			t.Errorf("request %d priority = %d", r.ID, r.Priority)
		}
		if len(r.Boundary) == 0 {
			t.Errorf("request %d has no boundary", r.ID)
		}
		farm, err := st.Farm(ctx, r.FarmID)
		if err != nil {
			t.Errorf("request %d references missing farm %d", r.ID, r.FarmID)
			continue
		}
		if farm.Phone == "" || farm.Email == "" {
			t.Errorf("farm %d has no contact details", farm.ID)
		}
	}
}
