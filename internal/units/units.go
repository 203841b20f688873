// Package units formats raw activity metrics (meters, seconds, meters per
// second) into unit-aware display strings.
package units

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Units is the measurement system a team displays activities in.
type Units string

const (
	Imperial Units = "mi"
	Metric   Units = "km"
	Both     Units = "both"
)

// ErrInvalidUnits is returned by Parse for anything but mi, km or both.
var ErrInvalidUnits = errors.New("invalid units")

const (
	milesPerMeter  = 0.00062137
	yardsPerMeter  = 1.09361
	feetPerMeter   = 3.28084
	mphPerMps      = 2.23694
	kmhPerMps      = 3.6
	metersPerMile  = 1609.344
	metersPer100yd = 91.44
)

// Parse validates a units setting.
func Parse(s string) (Units, error) {
	switch u := Units(strings.ToLower(strings.TrimSpace(s))); u {
	case Imperial, Metric, Both:
		return u, nil
	case "imperial":
		return Imperial, nil
	case "metric":
		return Metric, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidUnits, s)
	}
}

// both joins the imperial and metric renditions, imperial first.
func both(u Units, imperial, metric func() string) string {
	switch u {
	case Imperial:
		return imperial()
	case Both:
		return imperial() + " " + metric()
	default:
		return metric()
	}
}

// Distance renders a distance in meters as miles and/or kilometers.
func Distance(meters float64, u Units) string {
	if meters <= 0 {
		return ""
	}
	return both(u,
		func() string { return fmt.Sprintf("%.2fmi", meters*milesPerMeter) },
		func() string { return fmt.Sprintf("%.2fkm", meters/1000) },
	)
}

// SwimDistance renders a pool distance in whole yards and/or meters.
func SwimDistance(meters float64, u Units) string {
	if meters <= 0 {
		return ""
	}
	return both(u,
		func() string { return fmt.Sprintf("%dyd", int(math.Round(meters*yardsPerMeter))) },
		func() string { return fmt.Sprintf("%dm", int(math.Round(meters))) },
	)
}

// Pace renders time per mile and/or kilometer at the given speed.
func Pace(speed float64, u Units) string {
	if speed <= 0 {
		return ""
	}
	return both(u,
		func() string { return pace(metersPerMile, speed, "mi") },
		func() string { return pace(1000, speed, "km") },
	)
}

// SwimPace renders time per 100 yards and/or 100 meters.
func SwimPace(speed float64, u Units) string {
	if speed <= 0 {
		return ""
	}
	return both(u,
		func() string { return pace(metersPer100yd, speed, "100yd") },
		func() string { return pace(100, speed, "100m") },
	)
}

func pace(perUnit, speed float64, label string) string {
	total := perUnit / speed
	minutes := int(total / 60)
	seconds := int(math.Round(total - float64(minutes)*60))
	if seconds == 60 {
		minutes++
		seconds = 0
	}
	return fmt.Sprintf("%dm%02ds/%s", minutes, seconds, label)
}

// Speed renders meters per second as mph and/or km/h.
func Speed(speed float64, u Units) string {
	if speed <= 0 {
		return ""
	}
	return both(u,
		func() string { return fmt.Sprintf("%.1fmph", speed*mphPerMps) },
		func() string { return fmt.Sprintf("%.1fkm/h", speed*kmhPerMps) },
	)
}

// Elevation renders an elevation gain in feet and/or meters.
func Elevation(meters float64, u Units) string {
	if meters <= 0 {
		return ""
	}
	return both(u,
		func() string { return fmt.Sprintf("%.1fft", meters*feetPerMeter) },
		func() string { return fmt.Sprintf("%.1fm", meters) },
	)
}

// Duration renders seconds as 2h06m26s, 5m03s or 42s.
func Duration(seconds int) string {
	if seconds <= 0 {
		return ""
	}
	h := seconds / 3600
	m := seconds % 3600 / 60
	s := seconds % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm%02ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

func HeartRate(bpm float64) string {
	if bpm <= 0 {
		return ""
	}
	return fmt.Sprintf("%.1fbpm", bpm)
}

func Calories(kcal float64) string {
	if kcal <= 0 {
		return ""
	}
	return fmt.Sprintf("%.1f", kcal)
}

// IsSwim reports whether an activity type is measured in pool units.
func IsSwim(activityType string) bool {
	return activityType == "Swim"
}
