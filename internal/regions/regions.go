package regions

import (
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

func init() {
	geojson.CustomJSONUnmarshaler = jsoniter.ConfigCompatibleWithStandardLibrary
	geojson.CustomJSONMarshaler = jsoniter.ConfigCompatibleWithStandardLibrary
}

// Region is one named water body polygon of interest
type Region struct {
	ID       int
	Name     string
	Location string
	Bound    orb.Bound
}

// FeatureID is the stable identifier used for ledger rows and storage paths
func (r Region) FeatureID() string {
	return r.Name + "/" + r.Location
}

// Catalog maps 1-based region ids to regions. Ids follow feature order in the
// source file and are only stable within one load of the same file.
type Catalog struct {
	regions []Region
	raw     []byte
}

// Load reads a GeoJSON FeatureCollection whose features carry "name" and
// "location" properties
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read region list: %w", err)
	}
	return Parse(data)
}

// Parse builds a catalog from GeoJSON bytes
func Parse(data []byte) (*Catalog, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("invalid region GeoJSON: %w", err)
	}

	c := &Catalog{raw: data}
	seen := make(map[string]int)
	for i, f := range fc.Features {
		name := f.Properties.MustString("name", "")
		location := f.Properties.MustString("location", "")
		if name == "" || location == "" {
			return nil, fmt.Errorf("feature %d: name and location are required", i+1)
		}

		r := Region{ID: i + 1, Name: name, Location: location}
		if f.Geometry != nil {
			r.Bound = f.Geometry.Bound()
		}
		if prev, dup := seen[r.FeatureID()]; dup {
			return nil, fmt.Errorf("feature %d duplicates feature %d (%s)", r.ID, prev, r.FeatureID())
		}
		seen[r.FeatureID()] = r.ID
		c.regions = append(c.regions, r)
	}

	return c, nil
}

// Lookup returns the region for a region id
func (c *Catalog) Lookup(id int) (Region, bool) {
	if id < 1 || id > len(c.regions) {
		return Region{}, false
	}
	return c.regions[id-1], true
}

// All returns the regions in id order
func (c *Catalog) All() []Region {
	out := make([]Region, len(c.regions))
	copy(out, c.regions)
	return out
}

// Len returns the number of regions
func (c *Catalog) Len() int {
	return len(c.regions)
}

// GeoJSON returns the source document, sent upstream as the task area
func (c *Catalog) GeoJSON() jsoniter.RawMessage {
	return jsoniter.RawMessage(c.raw)
}
