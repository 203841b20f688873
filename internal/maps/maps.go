// Package maps turns encoded route polylines into static map image URLs.
package maps

import (
	"fmt"
	"net/url"
)

// Provider renders a polyline as an image URL.
type Provider interface {
	ImageURL(polyline string, width, height int) string
}

// GoogleStatic uses the Google Static Maps API.
type GoogleStatic struct {
	APIKey  string
	BaseURL string
}

func NewGoogleStatic(apiKey string) *GoogleStatic {
	return &GoogleStatic{APIKey: apiKey, BaseURL: "https://maps.googleapis.com/maps/api/staticmap"}
}

func (g *GoogleStatic) ImageURL(polyline string, width, height int) string {
	if polyline == "" || g.APIKey == "" {
		return ""
	}
	q := url.Values{}
	q.Set("maptype", "roadmap")
	q.Set("path", "enc:"+polyline)
	q.Set("size", fmt.Sprintf("%dx%d", width, height))
	q.Set("key", g.APIKey)
	return g.BaseURL + "?" + q.Encode()
}
