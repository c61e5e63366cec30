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

// Package burncoordutil wires the burn-coordination components into a
// command-line program: configuration, component construction, the
// HTTP server, and demo data seeding.
package burncoordutil

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lnashier/viper"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/spatialmodel/burncoord"
)

// Cfg holds configuration information.
var Cfg *viper.Viper

var options []struct {
	name, usage, shorthand string
	defaultVal             interface{}
	flagsets               []*pflag.FlagSet
}

func init() {
	// Options are the configuration options available to BurnCoord.
	options = []struct {
		name, usage, shorthand string
		defaultVal             interface{}
		flagsets               []*pflag.FlagSet
	}{
		{
			name: "config",
			usage: `
              config specifies the configuration file location.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "db.dsn",
			usage: `
              db.dsn is the PostgreSQL connection string. The database
              must have the PostGIS and pgvector extensions available.
              Required for serve, seed, optimize, and health-check.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "listen",
			usage: `
              listen is the address the HTTP server binds to.`,
			defaultVal: ":8080",
			flagsets:   []*pflag.FlagSet{serveCmd.Flags()},
		},
		{
			name: "weather.apikey",
			usage: `
              weather.apikey authenticates against the weather provider.
              Required for serve and optimize.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "weather.baseurl",
			usage: `
              weather.baseurl is the root of the OpenWeatherMap-compatible
              weather API.`,
			defaultVal: "https://api.openweathermap.org",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "weather.cachettl",
			usage: `
              weather.cachettl is how long cached current conditions are
              served before a refetch.`,
			defaultVal: "1h",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "weather.forecastttl",
			usage: `
              weather.forecastttl is how long cached forecasts are served
              before a refetch.`,
			defaultVal: "3h",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "embedding.apikey",
			usage: `
              embedding.apikey authenticates against the text-embedding
              provider. When empty the semantic terrain dimensions are
              filled with zeros.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "embedding.baseurl",
			usage: `
              embedding.baseurl is the root of the embedding API.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "sms.sid",
			usage: `
              sms.sid is the account SID for the Twilio-compatible
              SMS and voice gateway. When empty those channels are
              disabled.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "sms.token",
			usage: `
              sms.token is the auth token for the SMS and voice gateway.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "sms.from",
			usage: `
              sms.from is the sending phone number, in E.164 format.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "sms.baseurl",
			usage: `
              sms.baseurl is the root of the Twilio-compatible API.`,
			defaultVal: "https://api.twilio.com",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "smtp.addr",
			usage: `
              smtp.addr is the host:port of the SMTP relay for email
              alerts. When empty the email channel is disabled.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "smtp.from",
			usage: `
              smtp.from is the sending email address.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "optimizer.t0",
			usage: `
              optimizer.t0 is the initial simulated-annealing temperature.`,
			defaultVal: 1000.0,
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "optimizer.tmin",
			usage: `
              optimizer.tmin stops the annealing when the temperature
              falls below it.`,
			defaultVal: 1.0,
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "optimizer.alpha",
			usage: `
              optimizer.alpha is the geometric cooling factor.`,
			defaultVal: 0.95,
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "optimizer.maxiter",
			usage: `
              optimizer.maxiter bounds one optimizer run. Zero means
              1000 iterations per request.`,
			defaultVal: 0,
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "optimizer.seed",
			usage: `
              optimizer.seed seeds the annealing random source, making
              runs reproducible.`,
			defaultVal: 0,
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "optimizer.weights.conflict",
			usage: `
              optimizer.weights.conflict is the schedule cost per active
              conflict, scaled by severity.`,
			defaultVal: 50.0,
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "optimizer.weights.pm25",
			usage: `
              optimizer.weights.pm25 is the schedule cost per squared
              microgram of predicted PM2.5 above the daily standard.`,
			defaultVal: 1.0,
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "optimizer.weights.priority",
			usage: `
              optimizer.weights.priority is the schedule cost per priority
              point per hour of delay from the requested slot.`,
			defaultVal: 0.1,
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "optimizer.weights.weather",
			usage: `
              optimizer.weights.weather is the schedule cost per unit of
              slot weather unsuitability.`,
			defaultVal: 10.0,
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "optimizer.weights.defer",
			usage: `
              optimizer.weights.defer is the schedule cost per deferred
              request.`,
			defaultVal: 100.0,
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "predictor.gridstep",
			usage: `
              predictor.gridstep is the plume sampling grid spacing [m].`,
			defaultVal: 250.0,
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "predictor.rmax",
			usage: `
              predictor.rmax clips every plume to a disc of this radius
              [km] about the field centroid.`,
			defaultVal: 30.0,
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "predictor.persistencehours",
			usage: `
              predictor.persistencehours extends burn windows when testing
              for temporal overlap, accounting for lingering smoke.`,
			defaultVal: 2.0,
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "alerts.retry.base",
			usage: `
              alerts.retry.base is the initial backoff between alert
              delivery retries.`,
			defaultVal: "1s",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "alerts.retry.cap",
			usage: `
              alerts.retry.cap is the maximum backoff between alert
              delivery retries.`,
			defaultVal: "60s",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "alerts.retry.max",
			usage: `
              alerts.retry.max is the maximum delivery attempts per
              channel.`,
			defaultVal: 5,
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "alerts.ratewait",
			usage: `
              alerts.ratewait bounds how long a send blocks on a channel
              rate limiter before failing with RATE_LIMITED.`,
			defaultVal: "5s",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "pipeline.workers",
			usage: `
              pipeline.workers bounds concurrent weather-fetch and
              prediction tasks.`,
			defaultVal: 4,
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "pipeline.cycle",
			usage: `
              pipeline.cycle is the period between automatic optimization
              runs.`,
			defaultVal: "15m",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "pipeline.deltawind",
			usage: `
              pipeline.deltawind is the wind-speed change [m/s] beyond
              which stored predictions are refreshed.`,
			defaultVal: 5.0,
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "pipeline.deltahumidity",
			usage: `
              pipeline.deltahumidity is the relative-humidity change
              [percentage points] beyond which stored predictions are
              refreshed.`,
			defaultVal: 20.0,
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "date",
			usage: `
              date selects the burn date to optimize, YYYY-MM-DD.
              The default is today.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{optimizeCmd.Flags()},
		},
	}

	Cfg = viper.New()

	// Set the prefix for configuration environment variables, so
	// e.g. db.dsn is read from BURNCOORD_DB_DSN.
	Cfg.SetEnvPrefix("BURNCOORD")
	Cfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	Cfg.AutomaticEnv()

	for _, option := range options {
		for i, set := range option.flagsets {
			if i != 0 { // We don't want to create the same flag twice.
				set.AddFlag(option.flagsets[0].Lookup(option.name))
				continue
			}
			switch option.defaultVal.(type) {
			case string:
				if option.shorthand == "" {
					set.String(option.name, option.defaultVal.(string), option.usage)
				} else {
					set.StringP(option.name, option.shorthand, option.defaultVal.(string), option.usage)
				}
			case bool:
				if option.shorthand == "" {
					set.Bool(option.name, option.defaultVal.(bool), option.usage)
				} else {
					set.BoolP(option.name, option.shorthand, option.defaultVal.(bool), option.usage)
				}
			case int:
				if option.shorthand == "" {
					set.Int(option.name, option.defaultVal.(int), option.usage)
				} else {
					set.IntP(option.name, option.shorthand, option.defaultVal.(int), option.usage)
				}
			case float64:
				if option.shorthand == "" {
					set.Float64(option.name, option.defaultVal.(float64), option.usage)
				} else {
					set.Float64P(option.name, option.shorthand, option.defaultVal.(float64), option.usage)
				}
			default:
				panic("invalid argument type")
			}
			Cfg.BindPFlag(option.name, set.Lookup(option.name))
		}
	}
}

func init() {
	// Link the commands together.
	Root.AddCommand(versionCmd)
	Root.AddCommand(serveCmd)
	Root.AddCommand(seedCmd)
	Root.AddCommand(optimizeCmd)
	Root.AddCommand(healthCmd)
}

// setConfig finds and reads in the configuration file, if there is one.
func setConfig() error {
	if cfgpath := Cfg.GetString("config"); cfgpath != "" {
		Cfg.SetConfigFile(cfgpath)
		if err := Cfg.ReadInConfig(); err != nil {
			return burncoord.WrapErr(burncoord.KindValidation, err,
				"burncoord: problem reading configuration file")
		}
	}
	return nil
}

// Root is the main command.
var Root = &cobra.Command{
	Use:   "burncoord",
	Short: "An agricultural field-burning coordinator.",
	Long: `BurnCoord coordinates agricultural field burning: it validates and
prioritizes burn requests, predicts their smoke plumes under forecast
weather, detects smoke conflicts between neighboring burns, optimizes
the burn schedule, and notifies field owners of the outcome.

Configuration can be changed by using a configuration file (and
providing the path to the file using the --config flag), by using
command-line arguments, or by setting environment variables in the
format 'BURNCOORD_VAR' where 'VAR' is the option name upper-cased with
dots replaced by underscores (for example BURNCOORD_DB_DSN).`,
	DisableAutoGenTag: true,
	PersistentPreRunE: func(*cobra.Command, []string) error { return setConfig() },
}

// Version is the version of this version of BurnCoord.
const Version = "1.0.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Long:  "version prints the version number of this version of BurnCoord.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("BurnCoord v%s\n", Version)
	},
	DisableAutoGenTag: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordination server.",
	Long: `serve starts the HTTP API and the periodic optimization cycles,
running until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(),
			os.Interrupt, syscall.SIGTERM)
		defer stop()

		env, err := NewEnv(ctx, Cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		go func() {
			if err := env.Pipeline.Run(ctx); err != nil &&
				burncoord.KindOf(err) != burncoord.KindCancelled {
				env.Log.WithError(err).Error("burncoord: pipeline stopped")
			}
		}()

		srv := &http.Server{
			Addr:    Cfg.GetString("listen"),
			Handler: NewServer(env),
		}
		go func() {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			srv.Shutdown(sctx)
		}()
		env.Log.WithField("addr", srv.Addr).Info("burncoord: serving")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return burncoord.WrapErr(burncoord.KindInternal, err, "burncoord: serving")
		}
		return nil
	},
	DisableAutoGenTag: true,
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load deterministic demo data.",
	Long: `seed loads a deterministic set of demonstration farms, fields, and
burn requests around the Sacramento valley into the configured
database, for local development. It is meant for a fresh database.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		st, err := NewStore(ctx, Cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		n, err := Seed(ctx, st)
		if err != nil {
			return err
		}
		cmd.Printf("seeded %d burn requests\n", n)
		return nil
	},
	DisableAutoGenTag: true,
}

var optimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Run one optimization cycle.",
	Long: `optimize runs a single schedule-optimization cycle for the burn
requests of one date and prints the resulting schedule as JSON.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		date := time.Now().UTC().Truncate(24 * time.Hour)
		if s := Cfg.GetString("date"); s != "" {
			var err error
			date, err = time.ParseInLocation("2006-01-02", s, time.UTC)
			if err != nil {
				return burncoord.WrapErr(burncoord.KindValidation, err,
					"burncoord: parsing --date")
			}
		}

		env, err := NewEnv(ctx, Cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		result, err := env.Pipeline.RunOptimizationCycle(ctx, date)
		if err != nil && burncoord.KindOf(err) != burncoord.KindFeasibility {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(result); encErr != nil {
			return burncoord.WrapErr(burncoord.KindInternal, encErr, "burncoord: encoding schedule")
		}
		if err != nil {
			cmd.PrintErrln("warning: not every request could be placed")
		}
		return nil
	},
	DisableAutoGenTag: true,
}

var healthCmd = &cobra.Command{
	Use:   "health-check",
	Short: "Probe the configured backends.",
	Long: `health-check connects to the configured database and weather
provider and reports whether the system could serve.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		st, err := NewStore(ctx, Cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Ping(ctx); err != nil {
			return burncoord.WrapErr(burncoord.KindInternal, err, "burncoord: store ping")
		}
		cmd.Println("store: ok")

		w, err := NewWeather(Cfg, st)
		if err != nil {
			return err
		}
		if _, _, err := w.FetchCurrent(ctx, 38.58, -121.49); err != nil {
			return burncoord.WrapErr(burncoord.KindInternal, err, "burncoord: weather probe")
		}
		cmd.Println("weather: ok")
		return nil
	},
	DisableAutoGenTag: true,
}

// Execute runs the root command and returns the process exit code:
// 0 on success, 1 for configuration errors, 2 for runtime failures.
func Execute() int {
	if err := Root.Execute(); err != nil {
		logrus.WithError(err).Error("burncoord: exiting")
		if k := burncoord.KindOf(err); k == burncoord.KindValidation || k == burncoord.KindPrecond {
			return 1
		}
		return 2
	}
	return 0
}
