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
	"math"

	"github.com/spatialmodel/burncoord"
)

// insolation categories for the Pasquill–Gifford–Turner table.
type insolation int

const (
	insolationStrong insolation = iota
	insolationModerate
	insolationSlight
	insolationNight
)

// daylightHalf returns half the daylight length [hours] for the
// observation's month, approximating mid-latitude seasonality.
func daylightHalf(month int) float64 {
	// 6 h at the equinoxes, ±1.5 h at the solstices.
	return 6 + 1.5*math.Cos(2*math.Pi*float64(month-6)/12)
}

// solarInsolation classifies incoming solar radiation from the hour of
// day, month, and cloud cover.
func solarInsolation(hour, month int, cloud float64) insolation {
	half := daylightHalf(month)
	fromNoon := math.Abs(float64(hour) - 12)
	if fromNoon >= half {
		return insolationNight
	}
	// Solar elevation proxy ∈ (0, 1]: 1 at solar noon, 0 at the
	// horizon, scaled down by season.
	elev := math.Cos(fromNoon / half * math.Pi / 2)
	elev *= 0.7 + 0.3*math.Cos(2*math.Pi*float64(month-6)/12)
	// Clouds attenuate.
	elev *= 1 - 0.7*cloud
	switch {
	case elev > 0.6:
		return insolationStrong
	case elev > 0.35:
		return insolationModerate
	default:
		return insolationSlight
	}
}

// Stability derives the Pasquill–Gifford stability class from the
// surface wind speed, solar insolation (from hour of day, month, and
// cloud cover), and day/night, following the Pasquill–Gifford–Turner
// classification. Heavy overcast forces neutral conditions day or
// night.
func Stability(obs *burncoord.WeatherObservation) burncoord.StabilityClass {
	if obs.CloudCover > 0.875 {
		return burncoord.ClassD
	}
	t := obs.Time.UTC()
	ins := solarInsolation(t.Hour(), int(t.Month()), obs.CloudCover)
	u := obs.WindSpeed

	if ins == insolationNight {
		cloudy := obs.CloudCover >= 0.5
		switch {
		case u < 2:
			if cloudy {
				return burncoord.ClassE
			}
			return burncoord.ClassF
		case u < 3:
			if cloudy {
				return burncoord.ClassE
			}
			return burncoord.ClassF
		case u < 5:
			if cloudy {
				return burncoord.ClassD
			}
			return burncoord.ClassE
		default:
			return burncoord.ClassD
		}
	}

	switch {
	case u < 2:
		switch ins {
		case insolationStrong:
			return burncoord.ClassA
		case insolationModerate:
			return burncoord.ClassA
		default:
			return burncoord.ClassB
		}
	case u < 3:
		switch ins {
		case insolationStrong:
			return burncoord.ClassA
		case insolationModerate:
			return burncoord.ClassB
		default:
			return burncoord.ClassC
		}
	case u < 5:
		switch ins {
		case insolationStrong:
			return burncoord.ClassB
		case insolationModerate:
			return burncoord.ClassB
		default:
			return burncoord.ClassC
		}
	case u < 6:
		switch ins {
		case insolationStrong:
			return burncoord.ClassC
		case insolationModerate:
			return burncoord.ClassC
		default:
			return burncoord.ClassD
		}
	default:
		switch ins {
		case insolationStrong:
			return burncoord.ClassC
		default:
			return burncoord.ClassD
		}
	}
}

// mixingHeights gives a representative convective boundary layer top
// [m] for each stability class.
var mixingHeights = map[burncoord.StabilityClass]float64{
	burncoord.ClassA: 2000,
	burncoord.ClassB: 1500,
	burncoord.ClassC: 1200,
	burncoord.ClassD: 1000,
	burncoord.ClassE: 500,
	burncoord.ClassF: 300,
}

// MixingHeightFor returns the representative mixing height [m] for a
// stability class.
func MixingHeightFor(class burncoord.StabilityClass) float64 {
	if h, ok := mixingHeights[class]; ok {
		return h
	}
	return 1000
}
