package gkg

import "fmt"

// Schema describes one version of the GKG flat-file format: the ordered
// column list and the delimiters of the nested column grammars. Schemas are
// data so a format revision is a new registry entry, not a code change.
type Schema struct {
	Name       string
	Columns    []string
	FieldDelim string // between top-level columns
	RecordSep  string // between sub-records inside a nested column
	CountSep   string // between fields of a COUNTS sub-record
	LocSep     string // between fields of a LOCATIONS sub-record
	ToneSep    string // between TONE scores
	ListSep    string // inside plain keyword-list columns
}

// Column indices of the v1.0 layout.
const (
	colDate = iota
	colNumArts
	colCounts
	colThemes
	colLocations
	colPersons
	colOrganizations
	colTone
	colCameoEventIDs
	colSources
	colSourceURLs
)

// locationTypes maps the numeric geo type tag to its name.
var locationTypes = map[string]string{
	"1": "COUNTRY",
	"2": "USSTATE",
	"3": "USCITY",
	"4": "WORLDCITY",
	"5": "WORLDSTATE",
}

var registry = map[string]*Schema{
	"gkg-1.0": {
		Name: "gkg-1.0",
		Columns: []string{
			"DATE", "NUMARTS", "COUNTS", "THEMES", "LOCATIONS", "PERSONS",
			"ORGANIZATIONS", "TONE", "CAMEOEVENTIDS", "SOURCES", "SOURCEURLS",
		},
		FieldDelim: "\t",
		RecordSep:  ";",
		CountSep:   "#",
		LocSep:     "#",
		ToneSep:    ",",
		ListSep:    ";",
	},
}

// SchemaByName looks up a registered schema version.
func SchemaByName(name string) (*Schema, error) {
	s, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown GKG schema %q", name)
	}
	return s, nil
}
