// Package maps holds the catalog of dungeon maps players can queue for.
package maps

import (
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
)

var (
	ErrUnknownMap  = eris.New("unknown map")
	ErrMapDisabled = eris.New("map is disabled")
)

// ID is the numeric identifier of a dungeon map.
type ID uint32

func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseID parses the decimal form produced by ID.String.
func ParseID(s string) (ID, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, eris.Wrapf(ErrUnknownMap, "invalid map id %q", s)
	}
	return ID(v), nil
}

// Def describes a single dungeon map.
type Def struct {
	ID          ID     `json:"id"`
	Key         string `json:"key"`
	DisplayName string `json:"displayName"`
	Enabled     bool   `json:"enabled"`
	AssetPath   string `json:"assetPath"`
}

const (
	GoblinCave      ID = 1001
	ForgottenCastle ID = 1002
)

// Defaults returns the built-in map definitions.
func Defaults() []Def {
	return []Def{
		{
			ID:          GoblinCave,
			Key:         "GoblinCave",
			DisplayName: "Goblin Cave",
			Enabled:     true,
			AssetPath:   "/Game/Maps/Dungeon/GoblinCave/GoblinCave",
		},
		{
			ID:          ForgottenCastle,
			Key:         "ForgottenCastle",
			DisplayName: "Forgotten Castle",
			Enabled:     true,
			AssetPath:   "/Game/Maps/Dungeon/ForgottenCastle/ForgottenCastle",
		},
	}
}

// Catalog is an immutable set of map definitions indexed by id and key.
type Catalog struct {
	byID  map[ID]Def
	byKey map[string]ID
}

// NewCatalog builds a catalog, rejecting duplicate ids or keys.
func NewCatalog(defs ...Def) (*Catalog, error) {
	c := &Catalog{
		byID:  make(map[ID]Def, len(defs)),
		byKey: make(map[string]ID, len(defs)),
	}
	for _, d := range defs {
		if d.ID == 0 {
			return nil, eris.Errorf("map %q has no id", d.Key)
		}
		if d.Key == "" {
			return nil, eris.Errorf("map %d has no key", d.ID)
		}
		if _, exists := c.byID[d.ID]; exists {
			return nil, eris.Errorf("duplicate map id %d", d.ID)
		}
		key := strings.ToLower(d.Key)
		if _, exists := c.byKey[key]; exists {
			return nil, eris.Errorf("duplicate map key %q", d.Key)
		}
		c.byID[d.ID] = d
		c.byKey[key] = d.ID
	}
	return c, nil
}

// Default returns the catalog of built-in maps.
func Default() *Catalog {
	c, err := NewCatalog(Defaults()...)
	if err != nil {
		panic(err) // built-in table is static
	}
	return c
}

// LoadFromFile reads a JSON array of map definitions.
func LoadFromFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read map catalog file: %s", path)
	}
	return LoadFromJSON(data)
}

// LoadFromJSON parses a JSON array of map definitions.
func LoadFromJSON(data []byte) (*Catalog, error) {
	var defs []Def
	if err := json.Unmarshal(data, &defs); err != nil {
		return nil, eris.Wrap(err, "failed to parse map catalog JSON")
	}
	return NewCatalog(defs...)
}

// Lookup returns the map with the given id.
func (c *Catalog) Lookup(id ID) (Def, bool) {
	d, ok := c.byID[id]
	return d, ok
}

// ByKey returns the map with the given key, compared case-insensitively.
func (c *Catalog) ByKey(key string) (Def, bool) {
	id, ok := c.byKey[strings.ToLower(key)]
	if !ok {
		return Def{}, false
	}
	return c.byID[id], true
}

// Validate returns nil if id names an enabled map.
func (c *Catalog) Validate(id ID) error {
	d, ok := c.byID[id]
	if !ok {
		return eris.Wrapf(ErrUnknownMap, "map %d", id)
	}
	if !d.Enabled {
		return eris.Wrapf(ErrMapDisabled, "map %d (%s)", id, d.Key)
	}
	return nil
}

// Resolve accepts either a numeric id or a map key, as sent by clients.
func (c *Catalog) Resolve(ref string) (Def, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Def{}, eris.Wrap(ErrUnknownMap, "empty map reference")
	}

	var (
		d  Def
		ok bool
	)
	if v, err := strconv.ParseUint(ref, 10, 32); err == nil {
		d, ok = c.Lookup(ID(v))
	} else {
		d, ok = c.ByKey(ref)
	}
	if !ok {
		return Def{}, eris.Wrapf(ErrUnknownMap, "map %q", ref)
	}
	if err := c.Validate(d.ID); err != nil {
		return Def{}, err
	}
	return d, nil
}

// All returns every map ordered by id.
func (c *Catalog) All() []Def {
	out := make([]Def, 0, len(c.byID))
	for _, d := range c.byID {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
