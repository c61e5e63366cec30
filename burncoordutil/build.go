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
	"context"

	"github.com/lnashier/viper"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"

	"github.com/spatialmodel/burncoord"
	"github.com/spatialmodel/burncoord/alert"
	"github.com/spatialmodel/burncoord/coordinate"
	"github.com/spatialmodel/burncoord/pipeline"
	"github.com/spatialmodel/burncoord/plume"
	"github.com/spatialmodel/burncoord/schedule"
	"github.com/spatialmodel/burncoord/store"
	"github.com/spatialmodel/burncoord/weather"
)

// Env holds the constructed components for the life of the process.
type Env struct {
	Store       store.Store
	Weather     *weather.Service
	Coordinator *coordinate.Coordinator
	Predictor   *plume.Predictor
	Optimizer   *schedule.Optimizer
	Alerts      *alert.Service
	Pipeline    *pipeline.Pipeline
	Log         logrus.FieldLogger
}

// Close releases the environment's resources.
func (e *Env) Close() {
	if e.Store != nil {
		e.Store.Close()
	}
}

// NewEnv connects to the configured database and builds the full
// component stack.
func NewEnv(ctx context.Context, cfg *viper.Viper) (*Env, error) {
	st, err := NewStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	env, err := NewEnvWithStore(cfg, st)
	if err != nil {
		st.Close()
		return nil, err
	}
	return env, nil
}

// NewEnvWithStore builds the component stack on an existing store.
// Tests and the seed command use it with an in-memory store.
func NewEnvWithStore(cfg *viper.Viper, st store.Store) (*Env, error) {
	w, err := NewWeather(cfg, st)
	if err != nil {
		return nil, err
	}
	alerts, err := NewAlerts(cfg, st)
	if err != nil {
		return nil, err
	}

	coordinator := coordinate.New(st)
	if base := cfg.GetString("embedding.baseurl"); base != "" {
		coordinator.Embedder = &coordinate.APIEmbedder{
			BaseURL: base,
			APIKey:  cfg.GetString("embedding.apikey"),
		}
	}

	pcfg := plume.DefaultConfig()
	if v := cfg.GetFloat64("predictor.gridstep"); v > 0 {
		pcfg.GridStepM = v
	}
	if v := cfg.GetFloat64("predictor.rmax"); v > 0 {
		pcfg.RMaxKm = v
	}
	if v := cfg.GetFloat64("predictor.persistencehours"); v > 0 {
		pcfg.PersistenceHours = v
	}
	predictor := plume.New(pcfg)

	seed, err := cast.ToInt64E(cfg.Get("optimizer.seed"))
	if err != nil {
		return nil, burncoord.WrapErr(burncoord.KindValidation, err,
			"burncoord: reading 'optimizer.seed'")
	}
	optimizer := schedule.New(schedule.Params{
		T0:            cfg.GetFloat64("optimizer.t0"),
		TMin:          cfg.GetFloat64("optimizer.tmin"),
		Alpha:         cfg.GetFloat64("optimizer.alpha"),
		MaxIterations: cfg.GetInt("optimizer.maxiter"),
		Seed:          seed,
		Weights: schedule.Weights{
			Conflict: cfg.GetFloat64("optimizer.weights.conflict"),
			PM25:     cfg.GetFloat64("optimizer.weights.pm25"),
			Priority: cfg.GetFloat64("optimizer.weights.priority"),
			Weather:  cfg.GetFloat64("optimizer.weights.weather"),
			Defer:    cfg.GetFloat64("optimizer.weights.defer"),
		},
	})

	plcfg := pipeline.DefaultConfig()
	if v := cfg.GetInt("pipeline.workers"); v > 0 {
		plcfg.Workers = v
	}
	if v := cfg.GetDuration("pipeline.cycle"); v > 0 {
		plcfg.Cycle = v
	}
	if v := cfg.GetFloat64("pipeline.deltawind"); v > 0 {
		plcfg.DeltaWind = v
	}
	if v := cfg.GetFloat64("pipeline.deltahumidity"); v > 0 {
		plcfg.DeltaHumidity = v
	}

	return &Env{
		Store:       st,
		Weather:     w,
		Coordinator: coordinator,
		Predictor:   predictor,
		Optimizer:   optimizer,
		Alerts:      alerts,
		Pipeline:    pipeline.New(st, coordinator, w, predictor, optimizer, alerts, plcfg),
		Log:         logrus.StandardLogger(),
	}, nil
}

// NewStore connects to the configured PostgreSQL database.
func NewStore(ctx context.Context, cfg *viper.Viper) (store.Store, error) {
	dsn := cfg.GetString("db.dsn")
	if dsn == "" {
		return nil, burncoord.Errorf(burncoord.KindValidation,
			"burncoord: db.dsn must be set (flag --db.dsn or BURNCOORD_DB_DSN)")
	}
	return store.Connect(ctx, dsn)
}

// NewWeather builds the weather service against the configured
// provider, persisting observations to st.
func NewWeather(cfg *viper.Viper, st store.Store) (*weather.Service, error) {
	key := cfg.GetString("weather.apikey")
	if key == "" {
		return nil, burncoord.Errorf(burncoord.KindValidation,
			"burncoord: weather.apikey must be set (flag --weather.apikey or BURNCOORD_WEATHER_APIKEY)")
	}
	w := weather.NewService(&weather.APIProvider{
		BaseURL: cfg.GetString("weather.baseurl"),
		APIKey:  key,
	})
	w.Store = st
	if ttl := cfg.GetDuration("weather.cachettl"); ttl > 0 {
		w.CurrentTTL = ttl
	}
	if ttl := cfg.GetDuration("weather.forecastttl"); ttl > 0 {
		w.ForecastTTL = ttl
	}
	return w, nil
}

// NewAlerts builds the alert service with the configured gateways.
// Channels without configured credentials are left out; sending on
// them fails with PRECONDITION.
func NewAlerts(cfg *viper.Viper, st store.Store) (*alert.Service, error) {
	gateways := map[burncoord.Channel]alert.Gateway{}
	if sid := cfg.GetString("sms.sid"); sid != "" {
		gateways[burncoord.ChannelSMS] = &alert.TwilioGateway{
			BaseURL:    cfg.GetString("sms.baseurl"),
			AccountSID: sid,
			AuthToken:  cfg.GetString("sms.token"),
			From:       cfg.GetString("sms.from"),
		}
		gateways[burncoord.ChannelVoice] = &alert.TwilioGateway{
			BaseURL:    cfg.GetString("sms.baseurl"),
			AccountSID: sid,
			AuthToken:  cfg.GetString("sms.token"),
			From:       cfg.GetString("sms.from"),
			Voice:      true,
		}
	}
	if addr := cfg.GetString("smtp.addr"); addr != "" {
		gateways[burncoord.ChannelEmail] = &alert.SMTPGateway{
			Addr: addr,
			From: cfg.GetString("smtp.from"),
		}
	}

	alerts, err := alert.New(st, gateways)
	if err != nil {
		return nil, err
	}
	if d := cfg.GetDuration("alerts.retry.base"); d > 0 {
		alerts.RetryBase = d
	}
	if d := cfg.GetDuration("alerts.retry.cap"); d > 0 {
		alerts.RetryCap = d
	}
	if n := cfg.GetInt("alerts.retry.max"); n > 0 {
		alerts.MaxAttempts = n
	}
	if d := cfg.GetDuration("alerts.ratewait"); d > 0 {
		alerts.RateWait = d
	}
	return alerts, nil
}
