// Package catalog serves the luxury hall: the curated set of premium brands
// and the sample garments shown in each brand's fitting room. The catalog is
// data, not code; it loads from YAML so merchandising can edit it without a
// deploy.
package catalog

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Brand is one luxury hall storefront.
type Brand struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	// Category groups brands into halls: youth, modern or classic.
	Category   string `yaml:"category" json:"category"`
	ThemeColor string `yaml:"theme_color" json:"theme_color"`
	Items      []Item `yaml:"items" json:"-"`
}

// Item is one sample garment in a brand's room.
type Item struct {
	Name string `yaml:"name" json:"name"`
	// Section is the rack the item hangs on: tops, bottoms or dresses.
	Section string `yaml:"section" json:"section"`
	// Image is either a static asset path or an absolute URL.
	Image string `yaml:"image" json:"image"`
}

// Catalog is the loaded brand set, indexed for lookup.
type Catalog struct {
	brands []Brand
	byID   map[string]Brand
}

type catalogFile struct {
	Brands []Brand `yaml:"brands"`
}

// Load reads a catalog from a YAML file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a catalog from raw YAML.
func Parse(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("catalog: parse: %w", err)
	}

	byID := make(map[string]Brand, len(file.Brands))
	for _, b := range file.Brands {
		if b.ID == "" || b.Name == "" {
			return nil, fmt.Errorf("catalog: brand missing id or name: %+v", b)
		}
		if _, dup := byID[b.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate brand id %q", b.ID)
		}
		byID[b.ID] = b
	}

	brands := make([]Brand, len(file.Brands))
	copy(brands, file.Brands)
	sort.SliceStable(brands, func(i, j int) bool { return brands[i].ID < brands[j].ID })

	return &Catalog{brands: brands, byID: byID}, nil
}

// Brands returns every brand, sorted by id.
func (c *Catalog) Brands() []Brand {
	out := make([]Brand, len(c.brands))
	copy(out, c.brands)
	return out
}

// Brand looks up one brand by id.
func (c *Catalog) Brand(id string) (Brand, bool) {
	b, ok := c.byID[id]
	return b, ok
}

// Items returns a brand's garments for one section, or all of them when
// section is empty.
func (c *Catalog) Items(brandID, section string) ([]Item, bool) {
	b, ok := c.byID[brandID]
	if !ok {
		return nil, false
	}
	if section == "" {
		out := make([]Item, len(b.Items))
		copy(out, b.Items)
		return out, true
	}
	var out []Item
	for _, item := range b.Items {
		if item.Section == section {
			out = append(out, item)
		}
	}
	return out, true
}
