package resource

import (
	"math"
	"time"

	"github.com/sixdouglas/suncalc"
)

// solarAltitudeFactor returns sin(solar altitude) clamped to [0, 1] at time
// at and the given coordinates, the same altitude-factor derivation the
// teacher's estimateSolarPowerFromWeather uses before applying a cloud
// factor. Zero outside of daylight.
func solarAltitudeFactor(at time.Time, lat, lon float64) float64 {
	times := suncalc.GetTimes(at, lat, lon)
	sunrise := times["sunrise"].Value
	sunset := times["sunset"].Value
	if at.Before(sunrise) || at.After(sunset) {
		return 0
	}

	pos := suncalc.GetPosition(at, lat, lon)
	factor := math.Sin(pos.Altitude)
	if factor < 0 {
		return 0
	}
	return factor
}
