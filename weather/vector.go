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

// Weather vector dimension allocation. Fixed so that vectors from
// different runs are comparable.
const (
	wvTemp       = 0   // dims 0–15: temperature RBF [-10, 40 °C]
	wvHumidity   = 16  // dims 16–31: relative humidity RBF [0, 100 %]
	wvWindSpeed  = 32  // dims 32–47: wind speed RBF [0, 15 m/s]
	wvWindDir    = 48  // dims 48–51: direction sin/cos and u/v
	wvPressure   = 52  // dims 52–63: pressure RBF [960, 1040 hPa]
	wvVisibility = 64  // dims 64–75: visibility RBF [0, 20 km]
	wvCloud      = 76  // dims 76–87: cloud cover RBF [0, 1]
	wvPrecip     = 88  // dims 88–99: precipitation RBF (log scale)
	wvDewPoint   = 100 // dims 100–111: dew point RBF [-10, 30 °C]
	wvStability  = 112 // dims 112–117: stability one-hot
	wvFlags      = 118 // dims 118–119: forecast flag, mixing height
	wvDiurnal    = 120 // dims 120–127: hour and season harmonics
)

// rbf writes an n-dim radial basis expansion of v over [lo, hi] into
// dst. The kernel width matches the center spacing.
func rbf(dst []float32, n int, v, lo, hi float64) {
	w := (hi - lo) / float64(n-1)
	for i := 0; i < n; i++ {
		center := lo + float64(i)*w
		d := (v - center) / w
		dst[i] = float32(math.Exp(-d * d / 2))
	}
}

// dewPoint computes the dew point [°C] from temperature [°C] and
// relative humidity [%] using the Magnus approximation.
func dewPoint(tempC, humidity float64) float64 {
	if humidity < 1 {
		humidity = 1
	}
	const a, b = 17.625, 243.04
	g := math.Log(humidity/100) + a*tempC/(b+tempC)
	return b * g / (a - g)
}

// Vector encodes an observation into the 128-dimensional embedding
// used for analog-day similarity search. The result is
// unit-normalized and deterministic for a given observation.
func Vector(obs *burncoord.WeatherObservation) []float32 {
	v := make([]float32, burncoord.WeatherDims)

	rbf(v[wvTemp:], 16, obs.TemperatureC, -10, 40)
	rbf(v[wvHumidity:], 16, obs.Humidity, 0, 100)
	rbf(v[wvWindSpeed:], 16, obs.WindSpeed, 0, 15)

	dir := obs.WindDirection * math.Pi / 180
	v[wvWindDir+0] = float32(math.Sin(dir))
	v[wvWindDir+1] = float32(math.Cos(dir))
	// Wind velocity components scaled to a nominal 15 m/s.
	v[wvWindDir+2] = float32(-obs.WindSpeed * math.Sin(dir) / 15)
	v[wvWindDir+3] = float32(-obs.WindSpeed * math.Cos(dir) / 15)

	rbf(v[wvPressure:], 12, obs.Pressure, 960, 1040)
	rbf(v[wvVisibility:], 12, obs.Visibility, 0, 20)
	rbf(v[wvCloud:], 12, obs.CloudCover, 0, 1)
	rbf(v[wvPrecip:], 12, math.Log1p(obs.Precipitation), 0, 3)
	rbf(v[wvDewPoint:], 12, dewPoint(obs.TemperatureC, obs.Humidity), -10, 30)

	if s := obs.Stability; s >= burncoord.ClassA && s <= burncoord.ClassF {
		v[wvStability+int(s)] = 1
	}
	if obs.Forecast {
		v[wvFlags] = 1
	}
	v[wvFlags+1] = float32(obs.MixingHeight / 3000)

	t := obs.Time.UTC()
	hour := float64(t.Hour()) + float64(t.Minute())/60
	v[wvDiurnal+0] = float32(math.Sin(2 * math.Pi * hour / 24))
	v[wvDiurnal+1] = float32(math.Cos(2 * math.Pi * hour / 24))
	v[wvDiurnal+2] = float32(math.Sin(4 * math.Pi * hour / 24))
	v[wvDiurnal+3] = float32(math.Cos(4 * math.Pi * hour / 24))
	doy := float64(t.YearDay())
	v[wvDiurnal+4] = float32(math.Sin(2 * math.Pi * doy / 365))
	v[wvDiurnal+5] = float32(math.Cos(2 * math.Pi * doy / 365))
	v[wvDiurnal+6] = float32(math.Sin(4 * math.Pi * doy / 365))
	v[wvDiurnal+7] = float32(math.Cos(4 * math.Pi * doy / 365))

	return burncoord.Normalize(v)
}
