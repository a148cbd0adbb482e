// Package model defines the data exchanged between the crawler components:
// work items read from the input artifact, extracted records, and the
// checkpoint state that makes a run resumable.
package model

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// UnknownLabel is used for missing item names and group labels.
const UnknownLabel = "Unknown"

// WorkItem is one crawl target (a city page) plus the label of its parent
// grouping (the destination). It is read-only once loaded.
type WorkItem struct {
	Name       string `json:"name"`
	URL        string `json:"link"`
	GroupLabel string `json:"destination,omitempty"`
}

// Link is a labelled hyperlink produced by the page extractor.
type Link struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// normalize fills the defaults the input artifact allows to be omitted.
func (w WorkItem) normalize() WorkItem {
	w.Name = strings.TrimSpace(w.Name)
	w.URL = strings.TrimSpace(w.URL)
	w.GroupLabel = strings.TrimSpace(w.GroupLabel)
	if w.Name == "" {
		w.Name = UnknownLabel
	}
	if w.GroupLabel == "" {
		w.GroupLabel = UnknownLabel
	}
	return w
}

// LoadWorkItems reads the input artifact: a JSON array of
// {"name", "link", "destination"} objects. Order is preserved.
func LoadWorkItems(path string) ([]WorkItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read input %s: %w", path, err)
	}

	var items []WorkItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parse input %s: %w", path, err)
	}

	for i := range items {
		items[i] = items[i].normalize()
	}
	return items, nil
}

// SaveWorkItems writes items in the input artifact format.
func SaveWorkItems(path string, items []WorkItem) error {
	if items == nil {
		items = []WorkItem{}
	}
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal work items: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
