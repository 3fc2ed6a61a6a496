package models

// SchemaVersion is the current garden document schema version.
const SchemaVersion = 1

// Document is the full garden-planning data object replicated between devices.
type Document struct {
	Metadata    Metadata           `json:"metadata"`
	Areas       []GardenArea       `json:"areas"`
	Seasons     []Season           `json:"seasons"`
	Varieties   []SeedVariety      `json:"varieties"`
	Maintenance []MaintenanceEvent `json:"maintenance,omitempty"`
}

// Metadata carries document-level bookkeeping.
type Metadata struct {
	Name          string `json:"name"`
	SchemaVersion int    `json:"schema_version"`
	UpdatedAt     int64  `json:"updated_at"`
}

// GardenArea is a bed, compost pile, greenhouse, or other plot subdivision.
type GardenArea struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	WidthCM  int    `json:"width_cm,omitempty"`
	LengthCM int    `json:"length_cm,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

// Season groups plantings for one growing year.
type Season struct {
	ID        string     `json:"id"`
	Year      int        `json:"year"`
	Label     string     `json:"label,omitempty"`
	Plantings []Planting `json:"plantings"`
}

// Planting records one variety planted in one area during a season.
type Planting struct {
	ID          string `json:"id"`
	AreaID      string `json:"area_id"`
	VarietyID   string `json:"variety_id"`
	SownAt      int64  `json:"sown_at,omitempty"`
	PlantedAt   int64  `json:"planted_at,omitempty"`
	HarvestedAt int64  `json:"harvested_at,omitempty"`
	Quantity    int    `json:"quantity,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

// SeedVariety describes one seed packet/cultivar tracked by the user.
type SeedVariety struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Species    string `json:"species,omitempty"`
	Supplier   string `json:"supplier,omitempty"`
	PacketYear int    `json:"packet_year,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

// MaintenanceEvent records one dated task against an area.
type MaintenanceEvent struct {
	ID     string `json:"id"`
	AreaID string `json:"area_id"`
	Kind   string `json:"kind"`
	Date   int64  `json:"date"`
	Notes  string `json:"notes,omitempty"`
}

// AreaKinds are the accepted GardenArea kind values.
var AreaKinds = []string{"bed", "raised-bed", "compost", "greenhouse", "container", "other"}
