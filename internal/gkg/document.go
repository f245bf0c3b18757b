package gkg

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Document is the canonical structure stored in Elasticsearch, one per GKG line.
type Document struct {
	ID            string     `json:"id"`
	Date          time.Time  `json:"date"`
	NumArts       int        `json:"num_arts"`
	Counts        []Count    `json:"counts,omitempty"`
	Themes        []string   `json:"themes,omitempty"`
	Locations     []Location `json:"locations,omitempty"`
	Persons       []string   `json:"persons,omitempty"`
	Organizations []string   `json:"organizations,omitempty"`
	Tone          *Tone      `json:"tone,omitempty"`
	CameoEventIDs []string   `json:"cameo_event_ids,omitempty"`
	Sources       []string   `json:"sources,omitempty"`
	SourceURLs    []string   `json:"source_urls,omitempty"`
	Domain        string     `json:"domain,omitempty"`

	// GeoPoint holds "lat,lon" of the first location for map rendering.
	GeoPoint string `json:"geo_point,omitempty"`
}

// Location is one entry of the LOCATIONS column.
type Location struct {
	Type        string  `json:"type"`
	FullName    string  `json:"full_name"`
	CountryCode string  `json:"country_code"`
	ADM1        string  `json:"adm1"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	FeatureID   string  `json:"feature_id"`
}

// Count is one entry of the COUNTS column.
type Count struct {
	Type     string    `json:"type"`
	Count    int64     `json:"count"`
	Object   string    `json:"object"`
	Location *Location `json:"location,omitempty"`
}

// Tone holds the six fixed tone scores of the TONE column.
type Tone struct {
	Tone                float64 `json:"tone"`
	PositiveScore       float64 `json:"positive_score"`
	NegativeScore       float64 `json:"negative_score"`
	Polarity            float64 `json:"polarity"`
	ActivityRefDensity  float64 `json:"activity_ref_density"`
	SelfGroupRefDensity float64 `json:"self_group_ref_density"`
}

// DocumentID derives a deterministic identifier from the record's origin so
// that a retried bulk write upserts instead of duplicating. Falls back to a
// random UUID when the origin is unknown.
func DocumentID(source string, date time.Time, offset int64) string {
	if source == "" && date.IsZero() {
		return uuid.NewString()
	}
	s := sha1.Sum([]byte(fmt.Sprintf("%s|%s|%d", source, date.UTC().Format("20060102"), offset)))
	return hex.EncodeToString(s[:])
}
