package cpe

// Type is the platform class of a CPE, derived from its part attribute.
type Type string

const (
	TypeSoftware        Type = "software"
	TypeOperatingSystem Type = "operating_system"
	TypeHardware        Type = "hardware"
	TypeOther           Type = "other"
)

// TypeOf classifies a part attribute value.
func TypeOf(part string) Type {
	switch part {
	case "a":
		return TypeSoftware
	case "o":
		return TypeOperatingSystem
	case "h":
		return TypeHardware
	default:
		return TypeOther
	}
}

// Record is the canonical, normalized form of a single dictionary entry.
// Every attribute is a copy of the matching component of Name in its
// formatted-string form ("*" for ANY, "-" for NA).
type Record struct {
	Name       string `json:"name" bson:"name"`
	Type       Type   `json:"type" bson:"type"`
	CPEVersion string `json:"cpe_version" bson:"cpe_version"`
	Part       string `json:"part" bson:"part"`
	Vendor     string `json:"vendor" bson:"vendor"`
	Product    string `json:"product" bson:"product"`
	Version    string `json:"version" bson:"version"`
	Update     string `json:"update" bson:"update"`
	Edition    string `json:"edition" bson:"edition"`
	Language   string `json:"language" bson:"language"`
	SWEdition  string `json:"sw_edition" bson:"sw_edition"`
	TargetSW   string `json:"target_sw" bson:"target_sw"`
	TargetHW   string `json:"target_hw" bson:"target_hw"`
	Other      string `json:"other" bson:"other"`
}

// Normalize parses a formatted string or URI identifier and returns the
// canonical record for it. The record name is always the 2.3 formatted
// string binding, so Normalize(r.Name) yields r again.
func Normalize(identifier string) (Record, error) {
	w, err := Parse(identifier)
	if err != nil {
		return Record{}, err
	}
	return w.Record(), nil
}

// Record converts the well-formed name to a canonical record.
func (w WFN) Record() Record {
	return Record{
		Name:       w.BindToFS(),
		Type:       TypeOf(w.Part),
		CPEVersion: SpecVersion,
		Part:       w.Part,
		Vendor:     w.Vendor,
		Product:    w.Product,
		Version:    w.Version,
		Update:     w.Update,
		Edition:    w.Edition,
		Language:   w.Language,
		SWEdition:  w.SWEdition,
		TargetSW:   w.TargetSW,
		TargetHW:   w.TargetHW,
		Other:      w.Other,
	}
}

// Fields returns the record as a flat map keyed by the stored field names.
func (r Record) Fields() map[string]string {
	return map[string]string{
		"name":        r.Name,
		"type":        string(r.Type),
		"cpe_version": r.CPEVersion,
		"part":        r.Part,
		"vendor":      r.Vendor,
		"product":     r.Product,
		"version":     r.Version,
		"update":      r.Update,
		"edition":     r.Edition,
		"language":    r.Language,
		"sw_edition":  r.SWEdition,
		"target_sw":   r.TargetSW,
		"target_hw":   r.TargetHW,
		"other":       r.Other,
	}
}
