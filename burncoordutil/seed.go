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
	"math"
	"time"

	"github.com/ctessum/geom"

	"github.com/spatialmodel/burncoord"
	"github.com/spatialmodel/burncoord/coordinate"
	"github.com/spatialmodel/burncoord/store"
)

// seedFarm describes one demonstration farm in the Sacramento Valley
// rice belt, with the burns each of its fields wants to run.
type seedFarm struct {
	name, owner, phone, email, permit string
	lon, lat                          float64
	fields                            []seedField
}

type seedField struct {
	name     string
	crop     burncoord.CropType
	areaHa   float64
	fuelLoad float64
	dLon     float64 // field offset from the farm location [degrees]
	dLat     float64
	dayOff   int // requested burn date, days from today
	window   burncoord.TimeWindow
	priority int
}

var seedFarms = []seedFarm{
	{
		name: "Butte Creek Rice", owner: "M. Alvarez",
		phone: "+15305550101", email: "alvarez@buttecreekrice.example",
		permit: "CA-BUR-2024-0117", lon: -121.72, lat: 39.43,
		fields: []seedField{
			{name: "North Check", crop: burncoord.CropRice, areaHa: 62, fuelLoad: 17,
				dLon: 0.012, dLat: 0.012, dayOff: 2,
				window: burncoord.TimeWindow{StartMinute: 540, EndMinute: 780}, priority: 6},
			{name: "South Check", crop: burncoord.CropRice, areaHa: 48, fuelLoad: 15,
				dLon: 0.012, dLat: -0.012, dayOff: 2,
				window: burncoord.TimeWindow{StartMinute: 600, EndMinute: 840}, priority: 5},
		},
	},
	{
		name: "Sutter Basin Grain", owner: "R. Tang",
		phone: "+15305550102", email: "rtang@sutterbasin.example",
		permit: "CA-BUR-2024-0152", lon: -121.65, lat: 39.02,
		fields: []seedField{
			{name: "Levee Field", crop: burncoord.CropWheat, areaHa: 95, fuelLoad: 6,
				dLon: -0.015, dLat: 0.01, dayOff: 3,
				window: burncoord.TimeWindow{StartMinute: 540, EndMinute: 900}, priority: 4},
		},
	},
	{
		name: "Colusa Drain Farms", owner: "J. Okafor",
		phone: "+15305550103", email: "okafor@colusadrain.example",
		permit: "CA-BUR-2024-0160", lon: -122.01, lat: 39.21,
		fields: []seedField{
			{name: "Drain West", crop: burncoord.CropRice, areaHa: 110, fuelLoad: 18,
				dLon: -0.02, dLat: 0.005, dayOff: 2,
				window: burncoord.TimeWindow{StartMinute: 540, EndMinute: 780}, priority: 7},
			{name: "Drain East", crop: burncoord.CropBarley, areaHa: 34, fuelLoad: 5,
				dLon: 0.018, dLat: 0.005, dayOff: 4,
				window: burncoord.TimeWindow{StartMinute: 660, EndMinute: 960}, priority: 3},
		},
	},
	{
		name: "Yolo Bypass Ag", owner: "S. Petersen",
		phone: "+15305550104", email: "petersen@yolobypass.example",
		permit: "CA-BUR-2024-0171", lon: -121.64, lat: 38.55,
		fields: []seedField{
			{name: "Bypass Main", crop: burncoord.CropCorn, areaHa: 70, fuelLoad: 9,
				dLon: 0.013, dLat: 0.013, dayOff: 3,
				window: burncoord.TimeWindow{StartMinute: 600, EndMinute: 840}, priority: 5},
		},
	},
}

// squareFieldAt builds a closed square ring of the requested area
// centered at (lon, lat).
func squareFieldAt(lon, lat, areaHa float64) geom.Polygon {
	half := math.Sqrt(areaHa*1e4) / 2 // m
	dLat := half / 111320.
	dLon := half / (111320. * math.Cos(lat*math.Pi/180))
	return geom.Polygon{{
		{X: lon - dLon, Y: lat - dLat},
		{X: lon + dLon, Y: lat - dLat},
		{X: lon + dLon, Y: lat + dLat},
		{X: lon - dLon, Y: lat + dLat},
		{X: lon - dLon, Y: lat - dLat},
	}}
}

// Seed loads the demonstration farms, fields, and burn requests into
// st through the normal submission path, and returns the number of
// burn requests created. It is meant for a fresh database.
func Seed(ctx context.Context, st store.Store) (int, error) {
	coordinator := coordinate.New(st)
	today := time.Now().UTC().Truncate(24 * time.Hour)
	n := 0
	for _, sf := range seedFarms {
		farmID, err := st.InsertFarm(ctx, &burncoord.Farm{
			Name:      sf.name,
			OwnerName: sf.owner,
			Phone:     sf.phone,
			Email:     sf.email,
			Location:  geom.Point{X: sf.lon, Y: sf.lat},
			PermitID:  sf.permit,
		})
		if err != nil {
			return n, burncoord.WrapErr(burncoord.KindOf(err), err,
				"burncoord: seeding farm %q", sf.name)
		}
		for _, f := range sf.fields {
			boundary := squareFieldAt(sf.lon+f.dLon, sf.lat+f.dLat, f.areaHa)
			fieldID, err := st.InsertField(ctx, &burncoord.Field{
				FarmID:   farmID,
				Name:     f.name,
				Boundary: boundary,
				AreaHa:   f.areaHa,
				Crop:     f.crop,
			})
			if err != nil {
				return n, burncoord.WrapErr(burncoord.KindOf(err), err,
					"burncoord: seeding field %q", f.name)
			}
			_, err = coordinator.SubmitBurnRequest(ctx, &coordinate.Submission{
				FarmID:           farmID,
				FieldID:          fieldID,
				FieldName:        f.name,
				Crop:             f.crop,
				AreaHa:           f.areaHa,
				FuelLoad:         f.fuelLoad,
				Date:             today.AddDate(0, 0, f.dayOff),
				Window:           f.window,
				Boundary:         boundary,
				PriorityOverride: f.priority,
			})
			if err != nil {
				return n, burncoord.WrapErr(burncoord.KindOf(err), err,
					"burncoord: seeding burn request for %q", f.name)
			}
			n++
		}
	}
	return n, nil
}
