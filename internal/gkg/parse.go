package gkg

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrSchemaMismatch reports a line whose column count differs from the schema.
	ErrSchemaMismatch = errors.New("gkg: column count does not match schema")
	// ErrInvalidDate reports an unparseable DATE column. Date drives index
	// partitioning downstream, so the whole document is rejected.
	ErrInvalidDate = errors.New("gkg: invalid date")
)

// Record is one raw line together with its origin, used to derive the
// stable document identifier.
type Record struct {
	Line   string
	Source string
	Offset int64
}

// Parse turns one raw GKG line into a Document. Malformed sub-records inside
// nested columns are skipped and reported as warnings; they never fail the
// document. A wrong column count or a bad date fails the whole document.
func Parse(rec Record, schema *Schema) (*Document, []string, error) {
	fields := strings.Split(rec.Line, schema.FieldDelim)
	if len(fields) != len(schema.Columns) {
		return nil, nil, fmt.Errorf("%w: got %d columns, want %d", ErrSchemaMismatch, len(fields), len(schema.Columns))
	}

	date, err := parseDate(fields[colDate])
	if err != nil {
		return nil, nil, err
	}

	var warnings []string
	warn := func(column string, raw string, reason string) {
		warnings = append(warnings, fmt.Sprintf("%s: %s (%q)", column, reason, truncate(raw, 80)))
	}

	doc := &Document{
		ID:            DocumentID(rec.Source, date, rec.Offset),
		Date:          date,
		Themes:        parseList(fields[colThemes], schema.ListSep),
		Persons:       parseList(fields[colPersons], schema.ListSep),
		Organizations: parseList(fields[colOrganizations], schema.ListSep),
		CameoEventIDs: parseList(fields[colCameoEventIDs], ","),
		Sources:       parseList(fields[colSources], schema.ListSep),
		SourceURLs:    parseList(fields[colSourceURLs], schema.ListSep),
	}

	if raw := strings.TrimSpace(fields[colNumArts]); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			warn("NUMARTS", raw, "not a number")
		} else {
			doc.NumArts = n
		}
	}

	doc.Counts = parseCounts(fields[colCounts], schema, warn)
	doc.Locations = parseLocations(fields[colLocations], schema, warn)
	doc.Tone = parseTone(fields[colTone], schema, warn)

	if len(doc.SourceURLs) > 0 {
		doc.Domain = extractDomain(doc.SourceURLs[0])
	}
	if len(doc.Locations) > 0 {
		doc.GeoPoint = fmt.Sprintf("%v,%v", doc.Locations[0].Lat, doc.Locations[0].Lon)
	}

	return doc, warnings, nil
}

// parseDate reads the fixed numeric encoding: the first 8 digits are YYYYMMDD.
// Timestamps (YYYYMMDDHHMMSS) are accepted by ignoring the time part.
func parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) < 8 {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, raw)
	}
	t, err := time.ParseInLocation("20060102", raw[:8], time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, raw)
	}
	return t, nil
}

func parseList(raw, sep string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, sep)
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func parseCounts(raw string, schema *Schema, warn func(column, raw, reason string)) []Count {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var counts []Count
	for _, item := range strings.Split(raw, schema.RecordSep) {
		if strings.TrimSpace(item) == "" {
			continue
		}
		parts := strings.Split(item, schema.CountSep)
		if len(parts) < 3 {
			warn("COUNTS", item, "too few fields")
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
		if err != nil {
			warn("COUNTS", item, "magnitude not a number")
			continue
		}
		c := Count{
			Type:   strings.TrimSpace(parts[0]),
			Count:  n,
			Object: strings.TrimSpace(parts[2]),
		}
		// Fields 4..10, when present, carry the location the count refers to.
		if len(parts) >= 10 {
			if loc, ok := parseLocationFields(parts[3:10]); ok {
				c.Location = loc
			}
		}
		counts = append(counts, c)
	}
	return counts
}

func parseLocations(raw string, schema *Schema, warn func(column, raw, reason string)) []Location {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var locations []Location
	for _, item := range strings.Split(raw, schema.RecordSep) {
		if strings.TrimSpace(item) == "" {
			continue
		}
		parts := strings.Split(item, schema.LocSep)
		if len(parts) < 7 {
			warn("LOCATIONS", item, "too few fields")
			continue
		}
		loc, ok := parseLocationFields(parts[:7])
		if !ok {
			warn("LOCATIONS", item, "bad coordinates")
			continue
		}
		locations = append(locations, *loc)
	}
	return locations
}

// parseLocationFields reads the 7-field location grammar:
// type#fullname#countrycode#adm1#lat#lon#featureid.
func parseLocationFields(parts []string) (*Location, bool) {
	loc := Location{
		FullName:    strings.TrimSpace(parts[1]),
		CountryCode: strings.TrimSpace(parts[2]),
		ADM1:        strings.TrimSpace(parts[3]),
		FeatureID:   strings.TrimSpace(parts[6]),
	}
	typeTag := strings.TrimSpace(parts[0])
	if name, ok := locationTypes[typeTag]; ok {
		loc.Type = name
	} else {
		loc.Type = typeTag
	}
	lat, err := parseCoord(parts[4])
	if err != nil {
		return nil, false
	}
	lon, err := parseCoord(parts[5])
	if err != nil {
		return nil, false
	}
	loc.Lat = lat
	loc.Lon = lon
	return &loc, true
}

func parseCoord(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseFloat(raw, 64)
}

func parseTone(raw string, schema *Schema, warn func(column, raw, reason string)) *Tone {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, schema.ToneSep)
	if len(parts) < 6 {
		warn("TONE", raw, "expected 6 scores")
		return nil
	}
	scores := make([]float64, 6)
	for i := 0; i < 6; i++ {
		v, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
		if err != nil {
			warn("TONE", raw, "score not a number")
			return nil
		}
		scores[i] = v
	}
	return &Tone{
		Tone:                scores[0],
		PositiveScore:       scores[1],
		NegativeScore:       scores[2],
		Polarity:            scores[3],
		ActivityRefDensity:  scores[4],
		SelfGroupRefDensity: scores[5],
	}
}

// extractDomain pulls the host out of the first source URL, stripping "www.".
func extractDomain(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.TrimPrefix(u.Host, "www.")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
