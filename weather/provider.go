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

package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ctessum/geom"

	"github.com/spatialmodel/burncoord"
)

// Provider fetches atmospheric conditions from an external service.
type Provider interface {
	// Current returns the present conditions at a location.
	Current(ctx context.Context, lat, lon float64) (*burncoord.WeatherObservation, error)
	// Forecast returns hourly forecast conditions at a location out to
	// the given horizon.
	Forecast(ctx context.Context, lat, lon float64, horizon time.Duration) ([]*burncoord.WeatherObservation, error)
}

// APIProvider is a Provider backed by an OpenWeatherMap-compatible
// JSON HTTP API.
type APIProvider struct {
	// BaseURL is the API root, e.g. "https://api.openweathermap.org".
	BaseURL string
	// APIKey is sent as the appid query parameter.
	APIKey string
	// Client is the HTTP client to use. If nil, a client with a 10 s
	// timeout is used.
	Client *http.Client
	// MaxRetries bounds the exponential backoff on transient failures.
	// Zero means 3.
	MaxRetries uint64
}

func (p *APIProvider) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// apiObservation is the subset of the provider's response we use.
type apiObservation struct {
	Dt   int64 `json:"dt"`
	Main struct {
		Temp     float64 `json:"temp"`
		Humidity float64 `json:"humidity"`
		Pressure float64 `json:"pressure"`
	} `json:"main"`
	Wind struct {
		Speed float64 `json:"speed"`
		Deg   float64 `json:"deg"`
	} `json:"wind"`
	Clouds struct {
		All float64 `json:"all"` // [%]
	} `json:"clouds"`
	Rain struct {
		OneH float64 `json:"1h"` // [mm]
	} `json:"rain"`
	Visibility float64 `json:"visibility"` // [m]
}

func (a *apiObservation) observation(lat, lon float64, forecast bool) *burncoord.WeatherObservation {
	obs := &burncoord.WeatherObservation{
		Location:      geom.Point{X: lon, Y: lat},
		Time:          time.Unix(a.Dt, 0).UTC(),
		TemperatureC:  a.Main.Temp,
		Humidity:      a.Main.Humidity,
		WindSpeed:     a.Wind.Speed,
		WindDirection: a.Wind.Deg,
		Pressure:      a.Main.Pressure,
		Visibility:    a.Visibility / 1000,
		CloudCover:    a.Clouds.All / 100,
		Precipitation: a.Rain.OneH,
		Forecast:      forecast,
	}
	obs.Stability = Stability(obs)
	obs.MixingHeight = MixingHeightFor(obs.Stability)
	return obs
}

// Current implements Provider.
func (p *APIProvider) Current(ctx context.Context, lat, lon float64) (*burncoord.WeatherObservation, error) {
	var a apiObservation
	if err := p.get(ctx, "/data/2.5/weather", lat, lon, &a); err != nil {
		return nil, err
	}
	return a.observation(lat, lon, false), nil
}

// Forecast implements Provider.
func (p *APIProvider) Forecast(ctx context.Context, lat, lon float64, horizon time.Duration) ([]*burncoord.WeatherObservation, error) {
	var resp struct {
		List []apiObservation `json:"list"`
	}
	if err := p.get(ctx, "/data/2.5/forecast", lat, lon, &resp); err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(horizon)
	var out []*burncoord.WeatherObservation
	for i := range resp.List {
		obs := resp.List[i].observation(lat, lon, true)
		if obs.Time.After(cutoff) {
			break
		}
		out = append(out, obs)
	}
	if len(out) == 0 {
		return nil, burncoord.Errorf(burncoord.KindUpstream,
			"weather: provider returned no forecast entries within %v", horizon)
	}
	return out, nil
}

// get performs a GET with exponential backoff on transient failures.
func (p *APIProvider) get(ctx context.Context, path string, lat, lon float64, out interface{}) error {
	u, err := url.Parse(p.BaseURL + path)
	if err != nil {
		return burncoord.WrapErr(burncoord.KindInternal, err, "weather: parsing provider URL")
	}
	q := u.Query()
	q.Set("lat", fmt.Sprintf("%.4f", lat))
	q.Set("lon", fmt.Sprintf("%.4f", lon))
	q.Set("units", "metric")
	q.Set("appid", p.APIKey)
	u.RawQuery = q.Encode()

	retries := p.MaxRetries
	if retries == 0 {
		retries = 3
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), retries), ctx)

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := p.client().Do(req)
		if err != nil {
			return err // retry network failures
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusOK:
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return backoff.Permanent(burncoord.WrapErr(burncoord.KindUpstream, err,
					"weather: decoding provider response"))
			}
			return nil
		case resp.StatusCode == http.StatusTooManyRequests:
			return burncoord.Errorf(burncoord.KindRateLimited, "weather: provider rate limit")
		case resp.StatusCode >= 500:
			return burncoord.Errorf(burncoord.KindUpstream, "weather: provider status %d", resp.StatusCode)
		default:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(burncoord.Errorf(burncoord.KindUpstream,
				"weather: provider status %d: %s", resp.StatusCode, body))
		}
	}
	if err := backoff.Retry(op, b); err != nil {
		if burncoord.KindOf(err) == burncoord.KindInternal {
			return burncoord.WrapErr(burncoord.KindUpstream, err, "weather: provider request failed")
		}
		return err
	}
	return nil
}
