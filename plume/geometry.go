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

package plume

import (
	"math"

	"github.com/ctessum/geom"
)

const metersPerDegLat = 111320.

// frame is a local equirectangular projection about an origin point.
// Plume geometry and concentration sampling happen in meters in this
// frame; polygons are reprojected to WGS84 degrees at the boundary.
type frame struct {
	origin geom.Point // [WGS84 degrees]
	cosLat float64
}

func newFrame(origin geom.Point) frame {
	return frame{origin: origin, cosLat: math.Cos(origin.Y * math.Pi / 180)}
}

// toLocal converts p [degrees] to meters east (x) and north (y) of the
// frame origin.
func (f frame) toLocal(p geom.Point) geom.Point {
	return geom.Point{
		X: (p.X - f.origin.X) * metersPerDegLat * f.cosLat,
		Y: (p.Y - f.origin.Y) * metersPerDegLat,
	}
}

// toGeo converts a local point [m] back to WGS84 degrees.
func (f frame) toGeo(p geom.Point) geom.Point {
	return geom.Point{
		X: f.origin.X + p.X/(metersPerDegLat*f.cosLat),
		Y: f.origin.Y + p.Y/metersPerDegLat,
	}
}

// toLocalPolygon reprojects a polygon from degrees to frame meters.
func (f frame) toLocalPolygon(p geom.Polygon) geom.Polygon {
	o := make(geom.Polygon, len(p))
	for i, ring := range p {
		o[i] = make([]geom.Point, len(ring))
		for j, pt := range ring {
			o[i][j] = f.toLocal(pt)
		}
	}
	return o
}

// toGeoPolygon reprojects a polygon from frame meters to degrees.
func (f frame) toGeoPolygon(p geom.Polygon) geom.Polygon {
	o := make(geom.Polygon, len(p))
	for i, ring := range p {
		o[i] = make([]geom.Point, len(ring))
		for j, pt := range ring {
			o[i][j] = f.toGeo(pt)
		}
	}
	return o
}

// downwindAngle converts a meteorological wind direction (the
// direction the wind blows from, degrees clockwise from north) to the
// transport direction in frame coordinates [radians counterclockwise
// from east].
func downwindAngle(windDirDeg float64) float64 {
	bearing := windDirDeg + 180 // direction the smoke travels toward
	return (90 - bearing) * math.Pi / 180
}

// fanArcPoints is the number of vertices along the fan arc.
const fanArcPoints = 16

// fanPolygon builds a closed fan in frame meters: the apex at the
// origin, spreading ±halfAngle about axisAngle out to radius length.
func fanPolygon(axisAngle, halfAngle, length float64) geom.Polygon {
	ring := make([]geom.Point, 0, fanArcPoints+3)
	ring = append(ring, geom.Point{X: 0, Y: 0})
	for i := 0; i <= fanArcPoints; i++ {
		a := axisAngle - halfAngle + 2*halfAngle*float64(i)/fanArcPoints
		ring = append(ring, geom.Point{X: length * math.Cos(a), Y: length * math.Sin(a)})
	}
	ring = append(ring, ring[0]) // close the ring
	return geom.Polygon{ring}
}

// circlePolygon builds a closed circle of radius r [m] about the frame
// origin, used for calm-air plumes with no preferred direction.
func circlePolygon(r float64) geom.Polygon {
	const n = 24
	ring := make([]geom.Point, 0, n+1)
	for i := 0; i < n; i++ {
		a := 2 * math.Pi * float64(i) / n
		ring = append(ring, geom.Point{X: r * math.Cos(a), Y: r * math.Sin(a)})
	}
	ring = append(ring, ring[0])
	return geom.Polygon{ring}
}

// ringClosed reports whether every ring of p ends where it starts.
func ringClosed(p geom.Polygon) bool {
	for _, ring := range p {
		if len(ring) < 4 {
			return false
		}
		if !ring[0].Equals(ring[len(ring)-1]) {
			return false
		}
	}
	return len(p) > 0
}
