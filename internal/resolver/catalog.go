package resolver

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Entry is one catalog star.
type Entry struct {
	RADeg    float64  `yaml:"ra"`
	DecDeg   float64  `yaml:"dec"`
	GaiaGMag *float64 `yaml:"gaia_g_mag"`
	TessMag  *float64 `yaml:"tess_mag"`
	Name     string   `yaml:"name"`
}

// Catalog looks up stars by bare TIC number.
type Catalog interface {
	Lookup(ctx context.Context, ticID string) (Entry, error)
}

type catalogFile struct {
	Targets map[string]Entry `yaml:"targets"`
}

// FileCatalog is a local YAML catalog:
//
//	targets:
//	  "261136679":
//	    ra: 84.291
//	    dec: -80.469
//	    gaia_g_mag: 5.49
type FileCatalog struct {
	path    string
	entries map[string]Entry
}

// LoadFileCatalog reads the catalog at path.
func LoadFileCatalog(path string) (*FileCatalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	entries := make(map[string]Entry, len(f.Targets))
	for k, v := range f.Targets {
		id, err := CleanTIC(k)
		if err != nil {
			return nil, fmt.Errorf("catalog %s: %w", path, err)
		}
		entries[id] = v
	}
	return &FileCatalog{path: path, entries: entries}, nil
}

// Lookup implements Catalog.
func (c *FileCatalog) Lookup(_ context.Context, ticID string) (Entry, error) {
	e, ok := c.entries[ticID]
	if !ok {
		return Entry{}, resolutionErr(ticID, "not found in catalog %s", c.path)
	}
	return e, nil
}

// Len reports the number of catalog entries.
func (c *FileCatalog) Len() int { return len(c.entries) }
