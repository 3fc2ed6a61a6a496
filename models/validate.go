package models

import "fmt"

// ValidationResult reports schema validation findings for one document.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// Validate checks a document against the schema the replication layer relies
// on: version match, required IDs, ID uniqueness, and non-dangling references.
func Validate(doc *Document) ValidationResult {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if doc == nil {
		return ValidationResult{Errors: []string{"document is nil"}}
	}
	if doc.Metadata.SchemaVersion != SchemaVersion {
		add("unsupported schema version %d (expected %d)", doc.Metadata.SchemaVersion, SchemaVersion)
	}

	areaIDs := make(map[string]bool, len(doc.Areas))
	for i, area := range doc.Areas {
		if area.ID == "" {
			add("areas[%d]: missing id", i)
			continue
		}
		if areaIDs[area.ID] {
			add("areas[%d]: duplicate id %q", i, area.ID)
		}
		areaIDs[area.ID] = true
		if area.Name == "" {
			add("area %q: missing name", area.ID)
		}
	}

	varietyIDs := make(map[string]bool, len(doc.Varieties))
	for i, variety := range doc.Varieties {
		if variety.ID == "" {
			add("varieties[%d]: missing id", i)
			continue
		}
		if varietyIDs[variety.ID] {
			add("varieties[%d]: duplicate id %q", i, variety.ID)
		}
		varietyIDs[variety.ID] = true
		if variety.Name == "" {
			add("variety %q: missing name", variety.ID)
		}
	}

	seasonIDs := make(map[string]bool, len(doc.Seasons))
	for i, season := range doc.Seasons {
		if season.ID == "" {
			add("seasons[%d]: missing id", i)
			continue
		}
		if seasonIDs[season.ID] {
			add("seasons[%d]: duplicate id %q", i, season.ID)
		}
		seasonIDs[season.ID] = true
		if season.Year == 0 {
			add("season %q: missing year", season.ID)
		}

		plantingIDs := make(map[string]bool, len(season.Plantings))
		for j, planting := range season.Plantings {
			if planting.ID == "" {
				add("season %q plantings[%d]: missing id", season.ID, j)
				continue
			}
			if plantingIDs[planting.ID] {
				add("season %q plantings[%d]: duplicate id %q", season.ID, j, planting.ID)
			}
			plantingIDs[planting.ID] = true
			if planting.AreaID != "" && !areaIDs[planting.AreaID] {
				add("planting %q: unknown area %q", planting.ID, planting.AreaID)
			}
			if planting.VarietyID != "" && !varietyIDs[planting.VarietyID] {
				add("planting %q: unknown variety %q", planting.ID, planting.VarietyID)
			}
		}
	}

	eventIDs := make(map[string]bool, len(doc.Maintenance))
	for i, event := range doc.Maintenance {
		if event.ID == "" {
			add("maintenance[%d]: missing id", i)
			continue
		}
		if eventIDs[event.ID] {
			add("maintenance[%d]: duplicate id %q", i, event.ID)
		}
		eventIDs[event.ID] = true
		if event.AreaID != "" && !areaIDs[event.AreaID] {
			add("maintenance event %q: unknown area %q", event.ID, event.AreaID)
		}
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}
