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

// Package burncoord coordinates agricultural field-burning requests so
// that the cumulative smoke from concurrent burns does not push
// ground-level PM2.5 concentrations above safe thresholds in populated
// areas. This package holds the shared data model; the component
// packages (coordinate, weather, plume, schedule, alert, pipeline)
// implement the coordination stages.
package burncoord

import (
	"time"

	"github.com/ctessum/geom"
)

// Version gives the release version of BurnCoord.
const Version = "0.1.0"

// PM25NAAQS is the US EPA 24-hour National Ambient Air Quality Standard
// for fine particulate matter [μg/m³]. Combined smoke concentrations
// above this level in a populated area are treated as conflicts.
const PM25NAAQS = 35.

// CropType identifies the crop residue being burned. The crop type
// selects the fuel emission factor and influences scheduling priority.
type CropType string

// The accepted crop types.
const (
	CropRice      CropType = "rice"
	CropWheat     CropType = "wheat"
	CropCorn      CropType = "corn"
	CropBarley    CropType = "barley"
	CropOats      CropType = "oats"
	CropSorghum   CropType = "sorghum"
	CropCotton    CropType = "cotton"
	CropSoybeans  CropType = "soybeans"
	CropSunflower CropType = "sunflower"
	CropOther     CropType = "other"
)

// CropTypes lists the accepted crop types.
var CropTypes = []CropType{CropRice, CropWheat, CropCorn, CropBarley,
	CropOats, CropSorghum, CropCotton, CropSoybeans, CropSunflower, CropOther}

// Valid reports whether c is one of the accepted crop types.
func (c CropType) Valid() bool {
	for _, t := range CropTypes {
		if c == t {
			return true
		}
	}
	return false
}

// Farm is a registered farming operation. Farms are never deleted while
// burn requests reference them.
type Farm struct {
	ID        int64
	Name      string
	OwnerName string
	Phone     string // E.164 format, e.g. +15551234567
	Email     string
	Location  geom.Point // longitude (X) and latitude (Y) [WGS84 degrees]
	PermitID  string
	AreaHa    float64 // total farm area [hectares]
	CreatedAt time.Time
}

// Field is a bounded parcel belonging to exactly one Farm.
type Field struct {
	ID       int64
	FarmID   int64
	Name     string
	Boundary geom.Polygon // closed simple ring [WGS84 degrees]
	AreaHa   float64      // declared area [hectares]
	Crop     CropType
	LastBurn *time.Time
}

// TimeWindow is a half-open daily interval [Start, End) expressed as
// minutes after midnight local time.
type TimeWindow struct {
	StartMinute int `json:"startMinute"`
	EndMinute   int `json:"endMinute"`
}

// Hours returns the window length [hours].
func (w TimeWindow) Hours() float64 {
	return float64(w.EndMinute-w.StartMinute) / 60.
}

// Overlaps reports whether w and w2, padded by persistence [hours] on
// each end, share any time.
func (w TimeWindow) Overlaps(w2 TimeWindow, persistence float64) bool {
	pad := int(persistence * 60)
	return w.StartMinute < w2.EndMinute+pad && w2.StartMinute < w.EndMinute+pad
}

// BurnRequest is a farmer's request to burn one field during a window
// on a given date.
type BurnRequest struct {
	ID        int64
	FieldID   int64
	FarmID    int64
	FieldName string
	Crop      CropType
	AreaHa    float64 // area to be burned [hectares]
	FuelLoad  float64 // fuel loading [Mg/ha]
	Date      time.Time
	Window    TimeWindow
	Status    Status
	Priority  int // scheduling priority ∈ [1, 10]

	// TerrainVector is a 32-dimensional unit-normalized embedding of
	// the request's terrain and timing characteristics, used for
	// similarity search against historical burns.
	TerrainVector []float32

	Boundary  geom.Polygon // field boundary [WGS84 degrees]
	Centroid  geom.Point   // boundary centroid [WGS84 degrees]
	CreatedAt time.Time
}

// StabilityClass is a Pasquill–Gifford atmospheric stability class.
// ClassA is very unstable; ClassF is very stable.
type StabilityClass int

// The Pasquill–Gifford stability classes.
const (
	ClassA StabilityClass = iota
	ClassB
	ClassC
	ClassD
	ClassE
	ClassF
)

func (s StabilityClass) String() string {
	if s < ClassA || s > ClassF {
		return "?"
	}
	return string(rune('A' + int(s)))
}

// WeatherObservation holds point-in-time atmospheric conditions.
// Observations are immutable once stored; newer observations for the
// same cell and hour supersede older ones.
type WeatherObservation struct {
	ID            int64
	Location      geom.Point // [WGS84 degrees]
	Time          time.Time
	TemperatureC  float64 // [°C]
	Humidity      float64 // relative humidity [%]
	WindSpeed     float64 // 10 m wind speed [m/s]
	WindDirection float64 // direction wind blows from [degrees clockwise from north]
	Pressure      float64 // [hPa]
	Visibility    float64 // [km]
	CloudCover    float64 // [fraction 0–1]
	Precipitation float64 // [mm/h]
	Stability     StabilityClass
	MixingHeight  float64 // convective boundary layer top [m]

	// WeatherVector is a 128-dimensional unit-normalized embedding of
	// the observation used for analog-day similarity search.
	WeatherVector []float32

	Forecast bool // true if this is a forecast rather than an observation
}

// SmokePrediction is the predicted smoke outcome for one BurnRequest at
// a prediction time. The latest prediction for a request supersedes
// earlier ones.
type SmokePrediction struct {
	ID            int64
	BurnRequestID int64
	PredictedAt   time.Time
	Plume         geom.Polygon // wind-oriented fan anchored at the field centroid [WGS84 degrees]
	MaxPM25       float64      // maximum ground-level concentration [μg/m³]
	AffectedKm2   float64      // plume footprint [km²]
	RadiusKm      float64      // dispersion radius [km]
	Confidence    float64      // [0, 1]

	// PlumeVector is a 64-dimensional unit-normalized embedding of the
	// plume's emission, stability, wind, decay, and geometry features.
	PlumeVector []float32
}

// ConflictSeverity classifies a conflict by its combined PM2.5
// concentration using EPA-aligned bands.
type ConflictSeverity string

// The conflict severity bands [μg/m³]. The NAAQS value itself is the
// lower edge of the moderate band.
const (
	SeverityLow      ConflictSeverity = "low"      // < 35
	SeverityModerate ConflictSeverity = "moderate" // ≤ 55
	SeverityHigh     ConflictSeverity = "high"     // ≤ 150
	SeverityCritical ConflictSeverity = "critical" // > 150
)

// SeverityForPM25 maps a combined PM2.5 concentration [μg/m³] to its
// severity band.
func SeverityForPM25(pm25 float64) ConflictSeverity {
	switch {
	case pm25 < 35:
		return SeverityLow
	case pm25 <= 55:
		return SeverityModerate
	case pm25 <= 150:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// Weight returns a cost weight for the severity band, used by the
// schedule optimizer.
func (s ConflictSeverity) Weight() float64 {
	switch s {
	case SeverityLow:
		return 1
	case SeverityModerate:
		return 2
	case SeverityHigh:
		return 5
	case SeverityCritical:
		return 10
	}
	return 0
}

// ResolutionStatus tracks whether a conflict has been resolved.
type ResolutionStatus string

// The conflict resolution states.
const (
	ResolutionPending  ResolutionStatus = "pending"
	ResolutionResolved ResolutionStatus = "resolved"
	ResolutionIgnored  ResolutionStatus = "ignored"
)

// Conflict records that two burn plumes intersect spatially while their
// time windows (padded by the smoke persistence window) overlap.
// Requests are referenced by ID only; RequestA < RequestB always.
type Conflict struct {
	ID       int64
	RequestA int64
	RequestB int64
	Date     time.Time
	PairKey  string // stable unordered-pair key for idempotent writes

	Overlap     geom.Polygon // plume intersection [WGS84 degrees]
	OverlapKm2  float64      // [km²]
	MaxCombined float64      // maximum combined PM2.5 in the overlap [μg/m³]
	Severity    ConflictSeverity
	Resolution  ResolutionStatus
	DetectedAt  time.Time
}

// ScheduleEntry is the optimizer's placement of one BurnRequest. At
// most one entry per request is active; Version identifies the
// optimizer run that produced it.
type ScheduleEntry struct {
	ID        int64
	RequestID int64
	Date      time.Time
	Window    TimeWindow
	Deferred  bool
	Reason    string // set when deferred or rejected, e.g. "weather_unsuitable"
	Cost      float64
	Version   int64 // optimizer run id
	CreatedAt time.Time
}

// AlertType identifies what an alert is about.
type AlertType string

// The alert types.
const (
	AlertApproval   AlertType = "approval"
	AlertSchedule   AlertType = "schedule_change"
	AlertConflict   AlertType = "conflict"
	AlertSmoke      AlertType = "smoke_warning"
	AlertEmergency  AlertType = "emergency"
	AlertCancelled  AlertType = "cancellation"
	AlertWeatherDef AlertType = "weather_deferral"
)

// DeliveryStatus is the per-recipient outcome of an alert dispatch.
type DeliveryStatus string

// The delivery states.
const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
	DeliveryAcked   DeliveryStatus = "acknowledged"
)

// Channel is a notification delivery channel.
type Channel string

// The delivery channels.
const (
	ChannelSMS   Channel = "sms"
	ChannelVoice Channel = "voice"
	ChannelEmail Channel = "email"
)

// Recipient is one addressee of an alert with an ordered channel
// preference list. Delivery attempts iterate Channels in order; the
// first success is recorded.
type Recipient struct {
	ID       int64
	FarmID   int64
	Name     string
	Phone    string
	Email    string
	Channels []Channel
	Language string // BCP 47 language code; "" selects the default templates
}

// Delivery records the outcome of dispatching an alert to one
// recipient.
type Delivery struct {
	RecipientID int64
	Channel     Channel // channel that succeeded, or last channel tried
	Status      DeliveryStatus
	Attempts    int
	Error       string
	SentAt      time.Time
	AckedAt     *time.Time
	AckPayload  string
}

// Alert is an immutable record of a dispatched message.
type Alert struct {
	ID         int64
	Type       AlertType
	Severity   ConflictSeverity
	Subject    string
	Body       string
	Variables  map[string]string
	Recipients []Recipient
	Deliveries []Delivery
	CreatedAt  time.Time
}
