package strava

import "time"

// Athlete is the owner of an activity or token.
type Athlete struct {
	ID        int64  `json:"id"`
	FirstName string `json:"firstname"`
	LastName  string `json:"lastname"`
	Profile   string `json:"profile,omitempty"`
}

// Name is the athlete's display name.
func (a Athlete) Name() string {
	switch {
	case a.FirstName == "":
		return a.LastName
	case a.LastName == "":
		return a.FirstName
	}
	return a.FirstName + " " + a.LastName
}

// Map holds an encoded route polyline.
type Map struct {
	ID              string `json:"id"`
	Polyline        string `json:"polyline,omitempty"`
	SummaryPolyline string `json:"summary_polyline,omitempty"`
}

// Photos holds the primary photo of an activity.
type Photos struct {
	Count   int `json:"count"`
	Primary *struct {
		URLs map[string]string `json:"urls"`
	} `json:"primary,omitempty"`
}

// PrimaryURL picks the largest rendition of the primary photo.
func (p Photos) PrimaryURL() string {
	if p.Primary == nil {
		return ""
	}
	for _, size := range []string{"600", "100"} {
		if u := p.Primary.URLs[size]; u != "" {
			return u
		}
	}
	return ""
}

// Activity is a summary or detailed athlete activity.
type Activity struct {
	ID                 int64     `json:"id"`
	Athlete            Athlete   `json:"athlete"`
	Name               string    `json:"name"`
	Description        string    `json:"description,omitempty"`
	Type               string    `json:"type"`
	SportType          string    `json:"sport_type,omitempty"`
	Distance           float64   `json:"distance"`
	MovingTime         int       `json:"moving_time"`
	ElapsedTime        int       `json:"elapsed_time"`
	TotalElevationGain float64   `json:"total_elevation_gain"`
	AverageSpeed       float64   `json:"average_speed"`
	MaxSpeed           float64   `json:"max_speed"`
	AverageHeartrate   float64   `json:"average_heartrate,omitempty"`
	MaxHeartrate       float64   `json:"max_heartrate,omitempty"`
	Calories           float64   `json:"calories,omitempty"`
	PRCount            int       `json:"pr_count"`
	StartDate          time.Time `json:"start_date"`
	StartDateLocal     time.Time `json:"start_date_local"`
	Timezone           string    `json:"timezone"`
	UTCOffset          float64   `json:"utc_offset"`
	Private            bool      `json:"private"`
	Visibility         string    `json:"visibility"`
	DeviceName         string    `json:"device_name,omitempty"`
	Map                Map       `json:"map"`
	Photos             Photos    `json:"photos"`
}

// ClubActivity is an entry of a club feed. Strava omits ids and dates here.
type ClubActivity struct {
	Athlete            Athlete `json:"athlete"`
	Name               string  `json:"name"`
	Type               string  `json:"type"`
	SportType          string  `json:"sport_type,omitempty"`
	Distance           float64 `json:"distance"`
	MovingTime         int     `json:"moving_time"`
	ElapsedTime        int     `json:"elapsed_time"`
	TotalElevationGain float64 `json:"total_elevation_gain"`
}

// Club is a Strava club profile.
type Club struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	URL           string `json:"url"`
	ProfileMedium string `json:"profile_medium,omitempty"`
	SportType     string `json:"sport_type,omitempty"`
	MemberCount   int    `json:"member_count"`
}

// Token is an OAuth grant.
type Token struct {
	TokenType    string   `json:"token_type"`
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	ExpiresAt    int64    `json:"expires_at"`
	Athlete      *Athlete `json:"athlete,omitempty"`
}

// Expiry returns the access token expiry time.
func (t *Token) Expiry() time.Time {
	return time.Unix(t.ExpiresAt, 0).UTC()
}
