package render

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"slava/internal/models"
	"slava/internal/units"
)

// Field is a metric that can be shown under an activity title.
type Field string

const (
	FieldType         Field = "Type"
	FieldDistance     Field = "Distance"
	FieldTime         Field = "Time"
	FieldMovingTime   Field = "Moving Time"
	FieldElapsedTime  Field = "Elapsed Time"
	FieldPace         Field = "Pace"
	FieldSpeed        Field = "Speed"
	FieldMaxSpeed     Field = "Max Speed"
	FieldElevation    Field = "Elevation"
	FieldHeartRate    Field = "Heart Rate"
	FieldMaxHeartRate Field = "Max Heart Rate"
	FieldCalories     Field = "Calories"
	FieldPRs          Field = "PRs"
	FieldDevice       Field = "Device"
)

var ErrUnknownField = errors.New("unknown field")

// DefaultFields are shown when a team has not picked any.
var DefaultFields = []Field{FieldType, FieldDistance, FieldTime, FieldPace}

type accessor func(a *models.Activity, u units.Units) string

var accessors = map[Field]accessor{
	FieldType: func(a *models.Activity, _ units.Units) string {
		return a.Type
	},
	FieldDistance: func(a *models.Activity, u units.Units) string {
		if units.IsSwim(a.Type) {
			return units.SwimDistance(a.Distance, u)
		}
		return units.Distance(a.Distance, u)
	},
	FieldTime: func(a *models.Activity, _ units.Units) string {
		return units.Duration(a.MovingTime)
	},
	FieldMovingTime: func(a *models.Activity, _ units.Units) string {
		return units.Duration(a.MovingTime)
	},
	FieldElapsedTime: func(a *models.Activity, _ units.Units) string {
		return units.Duration(a.ElapsedTime)
	},
	FieldPace: func(a *models.Activity, u units.Units) string {
		if units.IsSwim(a.Type) {
			return units.SwimPace(a.AverageSpeed, u)
		}
		return units.Pace(a.AverageSpeed, u)
	},
	FieldSpeed: func(a *models.Activity, u units.Units) string {
		return units.Speed(a.AverageSpeed, u)
	},
	FieldMaxSpeed: func(a *models.Activity, u units.Units) string {
		return units.Speed(a.MaxSpeed, u)
	},
	FieldElevation: func(a *models.Activity, u units.Units) string {
		return units.Elevation(a.TotalElevationGain, u)
	},
	FieldHeartRate: func(a *models.Activity, _ units.Units) string {
		return units.HeartRate(a.AverageHeartrate)
	},
	FieldMaxHeartRate: func(a *models.Activity, _ units.Units) string {
		return units.HeartRate(a.MaxHeartrate)
	},
	FieldCalories: func(a *models.Activity, _ units.Units) string {
		return units.Calories(a.Calories)
	},
	FieldPRs: func(a *models.Activity, _ units.Units) string {
		if a.PRCount <= 0 {
			return ""
		}
		return strconv.Itoa(a.PRCount)
	},
	FieldDevice: func(a *models.Activity, _ units.Units) string {
		return a.DeviceName
	},
}

// Value returns the display string of f, or false when absent.
func Value(a *models.Activity, f Field, u units.Units) (string, bool, error) {
	get, ok := accessors[f]
	if !ok {
		return "", false, fmt.Errorf("%w: %q", ErrUnknownField, string(f))
	}
	v := get(a, u)
	return v, v != "", nil
}

// LookupField resolves a field name case-insensitively.
func LookupField(name string) (Field, error) {
	name = strings.TrimSpace(name)
	for f := range accessors {
		if strings.EqualFold(string(f), name) {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownField, name)
}

// ParseFields parses a comma separated list of field names.
func ParseFields(s string) ([]Field, error) {
	var fields []Field
	for _, name := range strings.Split(s, ",") {
		if strings.TrimSpace(name) == "" {
			continue
		}
		f, err := LookupField(name)
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}
	return fields, nil
}

// TeamFields returns a team's configured fields, or the defaults.
func TeamFields(names []string) ([]Field, error) {
	if len(names) == 0 {
		return DefaultFields, nil
	}
	fields := make([]Field, 0, len(names))
	for _, name := range names {
		f, err := LookupField(name)
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}
	return fields, nil
}

// Names is the storage form of fields.
func Names(fields []Field) []string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = string(f)
	}
	return names
}
