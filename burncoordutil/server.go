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
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/encoding/geojson"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"github.com/spatialmodel/burncoord"
	"github.com/spatialmodel/burncoord/coordinate"
	"github.com/spatialmodel/burncoord/schedule"
	"github.com/spatialmodel/burncoord/store"
	"github.com/spatialmodel/burncoord/weather"
)

// Server is the HTTP boundary of the coordination pipeline.
type Server struct {
	env *Env
	mux *http.ServeMux
	log logrus.FieldLogger
}

// NewServer builds the HTTP handler for the full API surface.
func NewServer(env *Env) http.Handler {
	s := &Server{env: env, mux: http.NewServeMux(), log: env.Log}
	s.mux.HandleFunc("/burn-requests", s.burnRequests)
	s.mux.HandleFunc("/burn-requests/detect-conflicts", s.detectConflicts)
	s.mux.HandleFunc("/burn-requests/", s.burnRequestByID)
	s.mux.HandleFunc("/weather/current", s.weatherCurrent)
	s.mux.HandleFunc("/weather/forecast", s.weatherForecast)
	s.mux.HandleFunc("/weather/analyze", s.weatherAnalyze)
	s.mux.HandleFunc("/schedule/optimize", s.scheduleOptimize)
	s.mux.HandleFunc("/schedule/constraints", s.scheduleConstraints)
	s.mux.HandleFunc("/alerts/send", s.alertSend)
	s.mux.HandleFunc("/alerts/acknowledge", s.alertAcknowledge)
	s.mux.HandleFunc("/health", s.health)
	return cors.New(cors.Options{
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE"},
	}).Handler(s.mux)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps an error's kind to its HTTP status and writes the
// {error, details} body. Internal detail stays in the log, never in
// the response.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := burncoord.KindOf(err)
	if kind == burncoord.KindInternal {
		s.log.WithError(err).Error("burncoord: internal error")
	}
	body := map[string]interface{}{"error": kind}
	if fields := burncoord.FieldsOf(err); len(fields) > 0 {
		body["details"] = fields
	}
	writeJSON(w, kind.HTTPStatus(), body)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed,
		map[string]interface{}{"error": burncoord.KindValidation})
}

// requestView is the JSON shape of a burn request.
type requestView struct {
	ID        int64                `json:"id"`
	FarmID    int64                `json:"farmId"`
	FieldID   int64                `json:"fieldId,omitempty"`
	FieldName string               `json:"fieldName"`
	Crop      burncoord.CropType   `json:"cropType"`
	AreaHa    float64              `json:"areaHectares"`
	FuelLoad  float64              `json:"fuelLoad,omitempty"`
	Date      string               `json:"burnDate"`
	Window    burncoord.TimeWindow `json:"window"`
	Status    burncoord.Status     `json:"status"`
	Priority  int                  `json:"priority"`
	Centroid  [2]float64           `json:"centroid"` // [lon, lat]
	CreatedAt time.Time            `json:"createdAt"`

	Prediction    *predictionView `json:"prediction,omitempty"`
	ScheduleEntry *entryView      `json:"scheduleEntry,omitempty"`
}

type predictionView struct {
	PredictedAt time.Time       `json:"predictedAt"`
	MaxPM25     float64         `json:"maxPM25"`
	AffectedKm2 float64         `json:"affectedKm2"`
	RadiusKm    float64         `json:"radiusKm"`
	Confidence  float64         `json:"confidence"`
	Plume       json.RawMessage `json:"plume,omitempty"` // GeoJSON
}

type entryView struct {
	Date     string               `json:"date"`
	Window   burncoord.TimeWindow `json:"window"`
	Deferred bool                 `json:"deferred"`
	Reason   string               `json:"reason,omitempty"`
	Cost     float64              `json:"cost"`
	Version  int64                `json:"version"`
}

func viewRequest(r *burncoord.BurnRequest) *requestView {
	return &requestView{
		ID: r.ID, FarmID: r.FarmID, FieldID: r.FieldID,
		FieldName: r.FieldName, Crop: r.Crop,
		AreaHa: r.AreaHa, FuelLoad: r.FuelLoad,
		Date: r.Date.Format("2006-01-02"), Window: r.Window,
		Status: r.Status, Priority: r.Priority,
		Centroid:  [2]float64{r.Centroid.X, r.Centroid.Y},
		CreatedAt: r.CreatedAt,
	}
}

func viewPrediction(p *burncoord.SmokePrediction) *predictionView {
	v := &predictionView{
		PredictedAt: p.PredictedAt, MaxPM25: p.MaxPM25,
		AffectedKm2: p.AffectedKm2, RadiusKm: p.RadiusKm,
		Confidence: p.Confidence,
	}
	if len(p.Plume) > 0 {
		if b, err := geojson.Encode(p.Plume); err == nil {
			v.Plume = b
		}
	}
	return v
}

func viewEntry(e *burncoord.ScheduleEntry) *entryView {
	return &entryView{
		Date: e.Date.Format("2006-01-02"), Window: e.Window,
		Deferred: e.Deferred, Reason: e.Reason,
		Cost: e.Cost, Version: e.Version,
	}
}

func viewEntries(entries []*burncoord.ScheduleEntry) []map[string]interface{} {
	out := make([]map[string]interface{}, len(entries))
	for i, e := range entries {
		out[i] = map[string]interface{}{
			"requestId": e.RequestID,
			"date":      e.Date.Format("2006-01-02"),
			"window":    e.Window,
			"deferred":  e.Deferred,
			"cost":      e.Cost,
		}
		if e.Reason != "" {
			out[i]["reason"] = e.Reason
		}
	}
	return out
}

// burnRequests handles POST (submit) and GET (list) on /burn-requests.
func (s *Server) burnRequests(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var sub coordinate.Submission
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			s.writeError(w, burncoord.WrapErr(burncoord.KindValidation, err, "burncoord: decoding submission"))
			return
		}
		ack, err := s.env.Pipeline.HandleSubmission(r.Context(), &sub)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ack)

	case http.MethodGet:
		q := r.URL.Query()
		filter := store.RequestFilter{
			Status: burncoord.Status(q.Get("status")),
			Sort:   q.Get("sort"),
			Order:  q.Get("order"),
		}
		filter.FarmID, _ = strconv.ParseInt(q.Get("farmId"), 10, 64)
		filter.Page, _ = strconv.Atoi(q.Get("page"))
		filter.Limit, _ = strconv.Atoi(q.Get("limit"))
		if v := q.Get("from"); v != "" {
			t, err := time.ParseInLocation("2006-01-02", v, time.UTC)
			if err != nil {
				s.writeError(w, burncoord.WrapErr(burncoord.KindValidation, err, "burncoord: parsing from"))
				return
			}
			filter.From = t
		}
		if v := q.Get("to"); v != "" {
			t, err := time.ParseInLocation("2006-01-02", v, time.UTC)
			if err != nil {
				s.writeError(w, burncoord.WrapErr(burncoord.KindValidation, err, "burncoord: parsing to"))
				return
			}
			filter.To = t
		}
		reqs, pagination, err := s.env.Store.BurnRequests(r.Context(), filter)
		if err != nil {
			s.writeError(w, err)
			return
		}
		data := make([]*requestView, len(reqs))
		for i, req := range reqs {
			data[i] = viewRequest(req)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"data": data, "pagination": pagination,
		})

	default:
		methodNotAllowed(w)
	}
}

// burnRequestByID handles GET, PUT, and DELETE on /burn-requests/:id.
func (s *Server) burnRequestByID(w http.ResponseWriter, r *http.Request) {
	idStr := strings.TrimPrefix(r.URL.Path, "/burn-requests/")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		s.writeError(w, burncoord.Errorf(burncoord.KindValidation, "burncoord: bad request id %q", idStr))
		return
	}
	ctx := r.Context()

	switch r.Method {
	case http.MethodGet:
		req, err := s.env.Store.BurnRequest(ctx, id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		v := viewRequest(req)
		if _, expanded := r.URL.Query()["expanded"]; expanded {
			if pred, err := s.env.Store.LatestPrediction(ctx, id); err == nil {
				v.Prediction = viewPrediction(pred)
			}
			if entry, err := s.env.Store.ScheduleEntryFor(ctx, id); err == nil {
				v.ScheduleEntry = viewEntry(entry)
			}
		}
		writeJSON(w, http.StatusOK, v)

	case http.MethodPut:
		req, err := s.env.Store.BurnRequest(ctx, id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		var patch struct {
			FieldName *string               `json:"fieldName"`
			Crop      *burncoord.CropType   `json:"cropType"`
			AreaHa    *float64              `json:"areaHectares"`
			FuelLoad  *float64              `json:"fuelLoad"`
			Date      *string               `json:"burnDate"`
			Window    *burncoord.TimeWindow `json:"window"`
			Priority  *int                  `json:"priority"`
			Boundary  *geom.Polygon         `json:"polygon"`
		}
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			s.writeError(w, burncoord.WrapErr(burncoord.KindValidation, err, "burncoord: decoding update"))
			return
		}
		if patch.FieldName != nil {
			req.FieldName = *patch.FieldName
		}
		if patch.Crop != nil {
			req.Crop = *patch.Crop
		}
		if patch.AreaHa != nil {
			req.AreaHa = *patch.AreaHa
		}
		if patch.FuelLoad != nil {
			req.FuelLoad = *patch.FuelLoad
		}
		if patch.Date != nil {
			t, err := time.ParseInLocation("2006-01-02", *patch.Date, time.UTC)
			if err != nil {
				s.writeError(w, burncoord.WrapErr(burncoord.KindValidation, err, "burncoord: parsing burnDate"))
				return
			}
			req.Date = t
		}
		if patch.Window != nil {
			req.Window = *patch.Window
		}
		if patch.Priority != nil {
			if *patch.Priority < 1 || *patch.Priority > 10 {
				s.writeError(w, burncoord.Errorf(burncoord.KindValidation, "burncoord: priority must be in [1, 10]"))
				return
			}
			req.Priority = *patch.Priority
		}
		if patch.Boundary != nil {
			req.Boundary = *patch.Boundary
			req.Centroid = patch.Boundary.Centroid()
		}
		if err := s.env.Store.UpdateBurnRequest(ctx, req); err != nil {
			s.writeError(w, err)
			return
		}
		updated, err := s.env.Store.BurnRequest(ctx, id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, viewRequest(updated))

	case http.MethodDelete:
		var body struct {
			Reason string `json:"reason"`
		}
		json.NewDecoder(r.Body).Decode(&body) // empty body allowed
		if err := s.env.Store.UpdateRequestStatus(ctx, id, burncoord.StatusCancelled); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":             burncoord.StatusCancelled,
			"cancellationReason": body.Reason,
		})

	default:
		methodNotAllowed(w)
	}
}

// observationView is the JSON shape of a weather observation.
type observationView struct {
	Time           time.Time `json:"time"`
	TemperatureC   float64   `json:"temperature"`
	Humidity       float64   `json:"humidity"`
	WindSpeed      float64   `json:"windSpeed"`
	WindDirection  float64   `json:"windDirection"`
	Pressure       float64   `json:"pressure"`
	Visibility     float64   `json:"visibility"`
	CloudCover     float64   `json:"cloudCover"`
	Precipitation  float64   `json:"precipitation"`
	StabilityClass string    `json:"stabilityClass"`
	MixingHeight   float64   `json:"mixingHeight"`
	Forecast       bool      `json:"forecast,omitempty"`
}

func viewObservation(o *burncoord.WeatherObservation) *observationView {
	return &observationView{
		Time: o.Time, TemperatureC: o.TemperatureC, Humidity: o.Humidity,
		WindSpeed: o.WindSpeed, WindDirection: o.WindDirection,
		Pressure: o.Pressure, Visibility: o.Visibility,
		CloudCover: o.CloudCover, Precipitation: o.Precipitation,
		StabilityClass: o.Stability.String(), MixingHeight: o.MixingHeight,
		Forecast: o.Forecast,
	}
}

func parseLatLon(r *http.Request) (lat, lon float64, err error) {
	q := r.URL.Query()
	lat, latErr := strconv.ParseFloat(q.Get("lat"), 64)
	lon, lonErr := strconv.ParseFloat(q.Get("lon"), 64)
	if latErr != nil || lonErr != nil || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return 0, 0, burncoord.Errorf(burncoord.KindValidation,
			"burncoord: lat and lon query parameters must be WGS84 coordinates")
	}
	return lat, lon, nil
}

func (s *Server) weatherCurrent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	lat, lon, err := parseLatLon(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	obs, hit, err := s.env.Weather.FetchCurrent(r.Context(), lat, lon)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if hit {
		w.Header().Set("X-Cache", "hit")
	} else {
		w.Header().Set("X-Cache", "miss")
	}
	writeJSON(w, http.StatusOK, viewObservation(obs))
}

func (s *Server) weatherForecast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	lat, lon, err := parseLatLon(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	days := 3
	if v := r.URL.Query().Get("days"); v != "" {
		days, err = strconv.Atoi(v)
		if err != nil || days < 1 || days > 7 {
			s.writeError(w, burncoord.Errorf(burncoord.KindValidation, "burncoord: days must be in [1, 7]"))
			return
		}
	}
	obses, hit, err := s.env.Weather.FetchForecast(r.Context(), lat, lon, time.Duration(days)*24*time.Hour)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if hit {
		w.Header().Set("X-Cache", "hit")
	} else {
		w.Header().Set("X-Cache", "miss")
	}

	forecast := make([]*observationView, len(obses))
	for i, o := range obses {
		forecast[i] = viewObservation(o)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"forecast":    forecast,
		"burnWindows": weather.BurnWindows(obses),
		"alerts":      forecastAlerts(obses),
	})
}

// forecastAlerts flags hazardous stretches in a forecast.
func forecastAlerts(obses []*burncoord.WeatherObservation) []string {
	var out []string
	seen := map[string]bool{}
	add := func(msg string) {
		if !seen[msg] {
			seen[msg] = true
			out = append(out, msg)
		}
	}
	for _, o := range obses {
		switch {
		case o.WindSpeed > 10:
			add(fmt.Sprintf("high wind expected %s", o.Time.Format("2006-01-02")))
		case o.Humidity < 25 && o.TemperatureC > 30:
			add(fmt.Sprintf("red-flag conditions expected %s", o.Time.Format("2006-01-02")))
		case o.Precipitation > 1:
			add(fmt.Sprintf("rain expected %s", o.Time.Format("2006-01-02")))
		}
	}
	return out
}

func (s *Server) weatherAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var in struct {
		Lat       float64 `json:"lat"`
		Lon       float64 `json:"lon"`
		Date      string  `json:"burnDate"`
		RequestID int64   `json:"requestId,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, burncoord.WrapErr(burncoord.KindValidation, err, "burncoord: decoding analyze request"))
		return
	}
	at := time.Now().UTC()
	if in.Date != "" {
		t, err := time.ParseInLocation("2006-01-02", in.Date, time.UTC)
		if err != nil {
			s.writeError(w, burncoord.WrapErr(burncoord.KindValidation, err, "burncoord: parsing burnDate"))
			return
		}
		at = t
	}
	loc := geom.Point{X: in.Lon, Y: in.Lat}
	an, err := s.env.Weather.AnalyzeForBurn(r.Context(), loc, at)
	if err != nil {
		s.writeError(w, err)
		return
	}
	body := map[string]interface{}{
		"suitable":     an.Suitable,
		"score":        an.Score,
		"factors":      an.Factors,
		"alternatives": an.Alternatives,
	}
	if in.RequestID != 0 && an.Observation != nil {
		if req, err := s.env.Store.BurnRequest(r.Context(), in.RequestID); err == nil {
			if pred, err := s.env.Predictor.Predict(r.Context(), req, an.Observation); err == nil {
				body["plume"] = viewPrediction(pred)
			}
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// requestPayload is an inline burn request for the batch endpoints.
// Either id (resolved from storage) or the full fields are given.
type requestPayload struct {
	ID        int64                `json:"id"`
	FarmID    int64                `json:"farmId"`
	FieldName string               `json:"fieldName"`
	Crop      burncoord.CropType   `json:"cropType"`
	AreaHa    float64              `json:"areaHectares"`
	FuelLoad  float64              `json:"fuelLoad"`
	Date      string               `json:"burnDate"`
	Window    burncoord.TimeWindow `json:"window"`
	Priority  int                  `json:"priority"`
	Boundary  geom.Polygon         `json:"polygon"`
}

func (s *Server) resolveRequests(r *http.Request, payloads []requestPayload) ([]*burncoord.BurnRequest, error) {
	if len(payloads) == 0 {
		return nil, burncoord.Errorf(burncoord.KindValidation, "burncoord: burnRequests must not be empty")
	}
	out := make([]*burncoord.BurnRequest, len(payloads))
	for i, pl := range payloads {
		if pl.ID != 0 && len(pl.Boundary) == 0 {
			req, err := s.env.Store.BurnRequest(r.Context(), pl.ID)
			if err != nil {
				return nil, err
			}
			out[i] = req
			continue
		}
		date, err := time.ParseInLocation("2006-01-02", pl.Date, time.UTC)
		if err != nil {
			return nil, burncoord.WrapErr(burncoord.KindValidation, err,
				"burncoord: parsing burnDate of request %d", i)
		}
		id := pl.ID
		if id == 0 {
			id = int64(i + 1)
		}
		req := &burncoord.BurnRequest{
			ID: id, FarmID: pl.FarmID, FieldName: pl.FieldName,
			Crop: pl.Crop, AreaHa: pl.AreaHa, FuelLoad: pl.FuelLoad,
			Date: date, Window: pl.Window, Priority: pl.Priority,
			Status: burncoord.StatusPending, Boundary: pl.Boundary,
		}
		if len(pl.Boundary) > 0 {
			req.Centroid = pl.Boundary.Centroid()
		}
		out[i] = req
	}
	return out, nil
}

// observationPayload is inline weather for the batch endpoints.
type observationPayload struct {
	Lat            float64 `json:"lat"`
	Lon            float64 `json:"lon"`
	TemperatureC   float64 `json:"temperature"`
	Humidity       float64 `json:"humidity"`
	WindSpeed      float64 `json:"windSpeed"`
	WindDirection  float64 `json:"windDirection"`
	MixingHeight   float64 `json:"mixingHeight"`
	StabilityClass string  `json:"stabilityClass"`
}

func (o *observationPayload) observation() (*burncoord.WeatherObservation, error) {
	obs := &burncoord.WeatherObservation{
		Location:      geom.Point{X: o.Lon, Y: o.Lat},
		Time:          time.Now().UTC(),
		TemperatureC:  o.TemperatureC,
		Humidity:      o.Humidity,
		WindSpeed:     o.WindSpeed,
		WindDirection: o.WindDirection,
		MixingHeight:  o.MixingHeight,
		Stability:     burncoord.ClassD,
	}
	if o.StabilityClass != "" {
		c := strings.ToUpper(o.StabilityClass)
		if len(c) != 1 || c[0] < 'A' || c[0] > 'F' {
			return nil, burncoord.Errorf(burncoord.KindValidation,
				"burncoord: stabilityClass must be A through F, got %q", o.StabilityClass)
		}
		obs.Stability = burncoord.StabilityClass(c[0] - 'A')
	}
	if obs.MixingHeight <= 0 {
		obs.MixingHeight = 1000
	}
	return obs, nil
}

// conflictView is the JSON shape of a smoke conflict.
type conflictView struct {
	RequestA    int64                      `json:"requestA"`
	RequestB    int64                      `json:"requestB"`
	Date        string                     `json:"date"`
	OverlapKm2  float64                    `json:"overlapKm2"`
	MaxCombined float64                    `json:"maxCombinedPM25"`
	Severity    burncoord.ConflictSeverity `json:"severity"`
}

func viewConflict(c *burncoord.Conflict) conflictView {
	return conflictView{
		RequestA: c.RequestA, RequestB: c.RequestB,
		Date:       c.Date.Format("2006-01-02"),
		OverlapKm2: c.OverlapKm2, MaxCombined: c.MaxCombined,
		Severity: c.Severity,
	}
}

func (s *Server) detectConflicts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var in struct {
		BurnRequests []requestPayload    `json:"burnRequests"`
		Weather      *observationPayload `json:"weather"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, burncoord.WrapErr(burncoord.KindValidation, err, "burncoord: decoding conflict request"))
		return
	}
	burns, err := s.resolveRequests(r, in.BurnRequests)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var obs *burncoord.WeatherObservation
	if in.Weather != nil {
		obs, err = in.Weather.observation()
		if err != nil {
			s.writeError(w, err)
			return
		}
	} else {
		var cx, cy float64
		for _, b := range burns {
			cx += b.Centroid.X
			cy += b.Centroid.Y
		}
		n := float64(len(burns))
		obs, _, err = s.env.Weather.FetchCurrent(r.Context(), cy/n, cx/n)
		if err != nil {
			s.writeError(w, err)
			return
		}
	}

	conflicts, err := s.env.Predictor.PairConflicts(r.Context(), burns, obs)
	if err != nil {
		s.writeError(w, err)
		return
	}

	// Directional hazards: one burn's plume reaching another field.
	plumes := make(map[int64]geom.Polygon, len(burns))
	pm25 := make(map[int64]float64, len(burns))
	for _, b := range burns {
		pred, err := s.env.Predictor.Predict(r.Context(), b, obs)
		if err != nil {
			s.writeError(w, err)
			return
		}
		plumes[b.ID] = pred.Plume
		pm25[b.ID] = pred.MaxPM25
	}
	type downwind struct {
		Upwind   int64   `json:"upwind"`
		Downwind int64   `json:"downwind"`
		PM25     float64 `json:"pm25"`
	}
	var downwinds []downwind
	for _, a := range burns {
		for _, b := range burns {
			if a.ID == b.ID || len(plumes[a.ID]) == 0 {
				continue
			}
			if b.Centroid.Within(plumes[a.ID]) == geom.Inside {
				downwinds = append(downwinds, downwind{
					Upwind: a.ID, Downwind: b.ID, PM25: pm25[a.ID],
				})
			}
		}
	}

	combined := 0.
	for _, c := range conflicts {
		if c.MaxCombined > combined {
			combined = c.MaxCombined
		}
	}
	views := make([]conflictView, len(conflicts))
	for i, c := range conflicts {
		views[i] = viewConflict(c)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conflicts":         views,
		"downwindConflicts": downwinds,
		"combinedPM25":      combined,
		"safetyViolation":   burncoord.SeverityForPM25(combined) == burncoord.SeverityCritical,
	})
}

// optimizeParams are caller overrides for one optimizer run.
type optimizeParams struct {
	T0            *float64 `json:"t0"`
	TMin          *float64 `json:"tMin"`
	Alpha         *float64 `json:"alpha"`
	MaxIterations *int     `json:"maxIterations"`
	Seed          *int64   `json:"seed"`
}

func (p *optimizeParams) apply(base schedule.Params) schedule.Params {
	if p == nil {
		return base
	}
	if p.T0 != nil {
		base.T0 = *p.T0
	}
	if p.TMin != nil {
		base.TMin = *p.TMin
	}
	if p.Alpha != nil {
		base.Alpha = *p.Alpha
	}
	if p.MaxIterations != nil {
		base.MaxIterations = *p.MaxIterations
	}
	if p.Seed != nil {
		base.Seed = *p.Seed
	}
	return base
}

// conflictPayload is an inline conflict for the optimize endpoint.
type conflictPayload struct {
	RequestA    int64                      `json:"requestA"`
	RequestB    int64                      `json:"requestB"`
	Date        string                     `json:"date"`
	OverlapKm2  float64                    `json:"overlapKm2"`
	MaxCombined float64                    `json:"maxCombinedPM25"`
	Severity    burncoord.ConflictSeverity `json:"severity"`
}

func (c *conflictPayload) conflict() (*burncoord.Conflict, error) {
	out := &burncoord.Conflict{
		RequestA: c.RequestA, RequestB: c.RequestB,
		OverlapKm2: c.OverlapKm2, MaxCombined: c.MaxCombined,
		Severity:   c.Severity,
		Resolution: burncoord.ResolutionPending,
	}
	if c.Date != "" {
		t, err := time.ParseInLocation("2006-01-02", c.Date, time.UTC)
		if err != nil {
			return nil, burncoord.WrapErr(burncoord.KindValidation, err, "burncoord: parsing conflict date")
		}
		out.Date = t
	}
	if out.Severity == "" {
		out.Severity = burncoord.SeverityForPM25(out.MaxCombined)
	}
	return out, nil
}

// runOptimizer builds the optimizer input from resolved requests and
// runs it, writing the schedule response. A partial placement is
// reported with feasible=false rather than an error status.
func (s *Server) runOptimizer(w http.ResponseWriter, r *http.Request,
	burns []*burncoord.BurnRequest, conflicts []*burncoord.Conflict,
	params *optimizeParams, scorer schedule.SlotScorer) {

	predictions := map[int64]*burncoord.SmokePrediction{}
	for _, b := range burns {
		if pred, err := s.env.Store.LatestPrediction(r.Context(), b.ID); err == nil {
			predictions[b.ID] = pred
		}
	}
	if conflicts == nil && len(burns) > 0 {
		if cs, err := s.env.Store.ConflictsForDate(r.Context(), burns[0].Date); err == nil {
			conflicts = cs
		}
	}

	opt := schedule.New(params.apply(s.env.Optimizer.Params))
	result, err := opt.Optimize(r.Context(), &schedule.Input{
		Requests:    burns,
		Conflicts:   conflicts,
		Predictions: predictions,
		Weather:     scorer,
	})
	feasible := true
	if err != nil {
		if burncoord.KindOf(err) != burncoord.KindFeasibility || result == nil {
			s.writeError(w, err)
			return
		}
		feasible = false
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"schedule":     viewEntries(result.Schedule),
		"cost":         result.FinalCost,
		"improvements": result.Improvements,
		"iterations":   result.Iterations,
		"feasible":     feasible,
	})
}

func (s *Server) scheduleOptimize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var in struct {
		BurnRequests []requestPayload    `json:"burnRequests"`
		Conflicts    []conflictPayload   `json:"conflicts"`
		Weather      *observationPayload `json:"weather"`
		Parameters   *optimizeParams     `json:"parameters"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, burncoord.WrapErr(burncoord.KindValidation, err, "burncoord: decoding optimize request"))
		return
	}
	burns, err := s.resolveRequests(r, in.BurnRequests)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var conflicts []*burncoord.Conflict
	for i := range in.Conflicts {
		c, err := in.Conflicts[i].conflict()
		if err != nil {
			s.writeError(w, err)
			return
		}
		conflicts = append(conflicts, c)
	}
	// Caller-supplied weather scores every slot by its suitability.
	var scorer schedule.SlotScorer
	if in.Weather != nil {
		obs, err := in.Weather.observation()
		if err != nil {
			s.writeError(w, err)
			return
		}
		an := weather.Evaluate(obs)
		scorer = func(time.Time, int) (float64, bool) {
			return an.Score, an.Suitable
		}
	}
	s.runOptimizer(w, r, burns, conflicts, in.Parameters, scorer)
}

func (s *Server) scheduleConstraints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var in struct {
		BurnRequests []requestPayload `json:"burnRequests"`
		Parameters   *optimizeParams  `json:"parameters"`
		Constraints  struct {
			// ExcludedDates are never scheduled, e.g. air-quality
			// curtailment days.
			ExcludedDates []string `json:"excludedDates"`
			// EarliestHour and LatestHour narrow the legal daily
			// ignition hours.
			EarliestHour *int `json:"earliestHour"`
			LatestHour   *int `json:"latestHour"`
		} `json:"constraints"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, burncoord.WrapErr(burncoord.KindValidation, err, "burncoord: decoding constraints request"))
		return
	}
	burns, err := s.resolveRequests(r, in.BurnRequests)
	if err != nil {
		s.writeError(w, err)
		return
	}

	excluded := map[string]bool{}
	for _, d := range in.Constraints.ExcludedDates {
		if _, err := time.ParseInLocation("2006-01-02", d, time.UTC); err != nil {
			s.writeError(w, burncoord.WrapErr(burncoord.KindValidation, err, "burncoord: parsing excluded date"))
			return
		}
		excluded[d] = true
	}
	earliest, latest := 0, 24
	if h := in.Constraints.EarliestHour; h != nil {
		earliest = *h
	}
	if h := in.Constraints.LatestHour; h != nil {
		latest = *h
	}
	scorer := func(date time.Time, startHour int) (float64, bool) {
		if excluded[date.Format("2006-01-02")] {
			return 0, false
		}
		if startHour < earliest || startHour >= latest {
			return 0, false
		}
		return 1, true
	}
	s.runOptimizer(w, r, burns, nil, in.Parameters, scorer)
}

func (s *Server) alertSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var in struct {
		Type       burncoord.AlertType        `json:"type"`
		Severity   burncoord.ConflictSeverity `json:"severity"`
		Subject    string                     `json:"subject"`
		Body       string                     `json:"body"`
		Variables  map[string]string          `json:"variables"`
		Recipients []struct {
			ID       int64               `json:"id"`
			FarmID   int64               `json:"farmId"`
			Name     string              `json:"name"`
			Phone    string              `json:"phone"`
			Email    string              `json:"email"`
			Channels []burncoord.Channel `json:"channels"`
			Language string              `json:"language"`
		} `json:"recipients"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, burncoord.WrapErr(burncoord.KindValidation, err, "burncoord: decoding alert"))
		return
	}
	if len(in.Recipients) == 0 {
		s.writeError(w, burncoord.Errorf(burncoord.KindValidation, "burncoord: recipients must not be empty"))
		return
	}
	a := &burncoord.Alert{
		Type: in.Type, Severity: in.Severity,
		Subject: in.Subject, Body: in.Body, Variables: in.Variables,
	}
	for _, rec := range in.Recipients {
		a.Recipients = append(a.Recipients, burncoord.Recipient{
			ID: rec.ID, FarmID: rec.FarmID, Name: rec.Name,
			Phone: rec.Phone, Email: rec.Email,
			Channels: rec.Channels, Language: rec.Language,
		})
	}
	report, err := s.env.Alerts.Send(r.Context(), a)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) alertAcknowledge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var in struct {
		AlertID     int64  `json:"alertId"`
		RecipientID int64  `json:"recipientId"`
		Response    string `json:"response"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, burncoord.WrapErr(burncoord.KindValidation, err, "burncoord: decoding acknowledgment"))
		return
	}
	ack, err := s.env.Alerts.Acknowledge(r.Context(), in.AlertID, in.RecipientID, in.Response)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	components := map[string]interface{}{}
	status := "healthy"
	if err := s.env.Store.Ping(ctx); err != nil {
		components["store"] = "unreachable"
		status = "unhealthy"
	} else {
		components["store"] = "ok"
	}
	depth := s.env.Pipeline.QueueDepth()
	components["pipelineQueue"] = depth
	components["ingestFailures"] = s.env.Pipeline.IngestFailures()
	if status == "healthy" && (depth > 100 || s.env.Pipeline.IngestFailures() > 0) {
		status = "degraded"
	}
	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status": status, "components": components,
	})
}
