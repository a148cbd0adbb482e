package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
)

// JSON keys of the named Record fields.
const (
	KeyCourseName  = "course_name"
	KeyAddress     = "address"
	KeyCity        = "city"
	KeyDestination = "destination"
	KeySourceURL   = "source_url"
)

// Record is one structured result extracted from a leaf page. CourseName and
// Address come from the extractor; City, Destination and SourceURL are the
// provenance fields added by the batch worker. Format-specific fields go in
// Extra and are flattened into the same JSON object.
type Record struct {
	CourseName  string
	Address     string
	City        string
	Destination string
	SourceURL   string
	Extra       map[string]string
}

// Enrich returns a copy of r annotated with the provenance of item.
func (r Record) Enrich(item WorkItem) Record {
	r.City = item.Name
	r.Destination = item.GroupLabel
	r.SourceURL = item.URL
	if r.Extra != nil {
		r.Extra = maps.Clone(r.Extra)
	}
	return r
}

// Fields returns the record as a flat string map.
func (r Record) Fields() map[string]string {
	out := make(map[string]string, len(r.Extra)+5)
	maps.Copy(out, r.Extra)
	out[KeyCourseName] = r.CourseName
	out[KeyAddress] = r.Address
	if r.City != "" {
		out[KeyCity] = r.City
	}
	if r.Destination != "" {
		out[KeyDestination] = r.Destination
	}
	if r.SourceURL != "" {
		out[KeySourceURL] = r.SourceURL
	}
	return out
}

// Key identifies a record for set comparisons.
func (r Record) Key() string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", r.SourceURL, r.Destination, r.City, r.CourseName, r.Address)
}

// MarshalJSON flattens named and extra fields into one object. Names and
// addresses keep "&" and "<" unescaped.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(r.Fields()); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// UnmarshalJSON splits a flat object back into named and extra fields.
func (r *Record) UnmarshalJSON(data []byte) error {
	var fields map[string]string
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	*r = Record{
		CourseName:  fields[KeyCourseName],
		Address:     fields[KeyAddress],
		City:        fields[KeyCity],
		Destination: fields[KeyDestination],
		SourceURL:   fields[KeySourceURL],
	}
	for _, k := range []string{KeyCourseName, KeyAddress, KeyCity, KeyDestination, KeySourceURL} {
		delete(fields, k)
	}
	if len(fields) > 0 {
		r.Extra = fields
	}
	return nil
}
