// Package catalog resolves astronomical object names to J2000 coordinates.
// A SQLite database supplies the deep catalog; a built-in table of popular
// targets answers when no database is configured or the row is missing.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	nwerrors "github.com/nightwatch-obs/nightwatch/internal/errors"
)

// Object is one resolvable target.
type Object struct {
	Name        string  `json:"name"`
	RAHours     float64 `json:"raHours"`
	DecDegrees  float64 `json:"decDegrees"`
	Description string  `json:"description,omitempty"`
}

// Catalog answers name lookups.
type Catalog struct {
	db *sql.DB
}

// Open builds a catalog backed by the SQLite file at path. An empty path
// yields a catalog serving only the built-in table.
func Open(path string) (*Catalog, error) {
	if path == "" {
		return &Catalog{}, nil
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS objects (
		name TEXT PRIMARY KEY,
		ra_hours REAL NOT NULL,
		dec_degrees REAL NOT NULL,
		description TEXT NOT NULL DEFAULT ''
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: schema: %w", err)
	}
	return &Catalog{db: db}, nil
}

func (c *Catalog) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Resolve looks a name up, database first, built-ins second. The name is
// normalized ("m 31", "M31", "m31" are the same object).
func (c *Catalog) Resolve(ctx context.Context, name string) (Object, error) {
	key := Normalize(name)
	if key == "" {
		return Object{}, nwerrors.New(nwerrors.KindValidation, "resolve", "catalog", fmt.Errorf("empty object name"))
	}

	if c.db != nil {
		var obj Object
		row := c.db.QueryRowContext(ctx,
			`SELECT name, ra_hours, dec_degrees, description FROM objects WHERE name = ?`, key)
		err := row.Scan(&obj.Name, &obj.RAHours, &obj.DecDegrees, &obj.Description)
		switch {
		case err == nil:
			return obj, nil
		case errors.Is(err, sql.ErrNoRows):
		default:
			return Object{}, fmt.Errorf("catalog: query %s: %w", key, err)
		}
	}

	if obj, ok := builtin[key]; ok {
		return obj, nil
	}
	return Object{}, fmt.Errorf("object %s: %w", name, nwerrors.ErrNotFound)
}

// Add inserts or replaces a database row.
func (c *Catalog) Add(ctx context.Context, obj Object) error {
	if c.db == nil {
		return fmt.Errorf("catalog: no database configured")
	}
	obj.Name = Normalize(obj.Name)
	_, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO objects (name, ra_hours, dec_degrees, description) VALUES (?, ?, ?, ?)`,
		obj.Name, obj.RAHours, obj.DecDegrees, obj.Description)
	return err
}

// Normalize canonicalizes an object name: uppercase, interior spaces
// removed ("m 31" -> "M31").
func Normalize(name string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(name), " ", ""))
}

// builtin covers the targets a voice session reaches for most often.
var builtin = map[string]Object{
	"M31":     {Name: "M31", RAHours: 0.7125, DecDegrees: 41.2692, Description: "Andromeda Galaxy"},
	"M42":     {Name: "M42", RAHours: 5.5881, DecDegrees: -5.3911, Description: "Orion Nebula"},
	"M45":     {Name: "M45", RAHours: 3.7833, DecDegrees: 24.1167, Description: "Pleiades"},
	"M13":     {Name: "M13", RAHours: 16.6949, DecDegrees: 36.4613, Description: "Hercules Globular Cluster"},
	"M51":     {Name: "M51", RAHours: 13.4979, DecDegrees: 47.1953, Description: "Whirlpool Galaxy"},
	"M57":     {Name: "M57", RAHours: 18.8931, DecDegrees: 33.0292, Description: "Ring Nebula"},
	"M81":     {Name: "M81", RAHours: 9.9258, DecDegrees: 69.0653, Description: "Bode's Galaxy"},
	"M101":    {Name: "M101", RAHours: 14.0535, DecDegrees: 54.3489, Description: "Pinwheel Galaxy"},
	"M104":    {Name: "M104", RAHours: 12.6664, DecDegrees: -11.6231, Description: "Sombrero Galaxy"},
	"NGC7000": {Name: "NGC7000", RAHours: 20.9833, DecDegrees: 44.3333, Description: "North America Nebula"},
	"POLARIS": {Name: "POLARIS", RAHours: 2.5303, DecDegrees: 89.2641, Description: "Pole star"},
	"VEGA":    {Name: "VEGA", RAHours: 18.6156, DecDegrees: 38.7837, Description: "Alpha Lyrae"},
	"ALBIREO": {Name: "ALBIREO", RAHours: 19.5120, DecDegrees: 27.9597, Description: "Beta Cygni double"},
}
