// Package plots is the field-plot boundary registry. Boundaries arrive as
// WGS84 GeoJSON, live in SQLite with their bounding boxes indexed for
// overlap queries, and come back out as orb polygons.
package plots

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	_ "modernc.org/sqlite" // Pure Go driver

	"github.com/agriscope/gleaner/internal/log"
)

const schemaVersion = 1

// Plot is one named field polygon.
type Plot struct {
	ID            int64
	Name          string
	Slug          string
	Boundary      orb.Polygon
	UpdatedAtUnix int64
}

// Bound returns the polygon's bounding box.
func (p *Plot) Bound() orb.Bound { return p.Boundary.Bound() }

// Registry stores plots in SQLite.
type Registry struct {
	db *sql.DB
}

// Open opens (creating if needed) the registry database and migrates the
// schema. WAL mode and busy_timeout apply to every pooled connection via
// the DSN pragmas.
func Open(path string) (*Registry, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		path, (5 * time.Second).Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("plots: open failed: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(1 * time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("plots: ping failed: %w", err)
	}

	r := &Registry{db: db}
	if err := r.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("plots: migration failed: %w", err)
	}
	return r, nil
}

func (r *Registry) Close() error { return r.db.Close() }

func (r *Registry) migrate() error {
	var currentVersion int
	if err := r.db.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS plots (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		slug TEXT NOT NULL,
		minx REAL NOT NULL,
		miny REAL NOT NULL,
		maxx REAL NOT NULL,
		maxy REAL NOT NULL,
		geojson BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_plots_bbox ON plots(minx, maxx, miny, maxy);
	CREATE INDEX IF NOT EXISTS idx_plots_slug ON plots(slug);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// ImportGeoJSON upserts every named feature of a FeatureCollection and
// returns the number imported. Features without a usable name or polygon
// are skipped with a warning, not an error; a reader that is not a
// FeatureCollection is.
func (r *Registry) ImportGeoJSON(ctx context.Context, reader io.Reader) (int, error) {
	logger := log.WithComponent("plots")

	data, err := io.ReadAll(reader)
	if err != nil {
		return 0, fmt.Errorf("plots: read geojson: %w", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return 0, fmt.Errorf("plots: parse geojson: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	upsert := `
	INSERT INTO plots (name, slug, minx, miny, maxx, maxy, geojson, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET
		slug = excluded.slug,
		minx = excluded.minx,
		miny = excluded.miny,
		maxx = excluded.maxx,
		maxy = excluded.maxy,
		geojson = excluded.geojson,
		updated_at = excluded.updated_at
	`

	imported := 0
	now := time.Now().Unix()
	for i, f := range fc.Features {
		name := featureName(f)
		if name == "" {
			logger.Warn().Int("feature", i).Msg("feature has no name property, skipped")
			continue
		}
		poly, err := featurePolygon(f)
		if err != nil {
			logger.Warn().Int("feature", i).Str(log.FieldPlot, name).Err(err).Msg("invalid boundary, skipped")
			continue
		}

		bound := poly.Bound()
		buf, err := json.Marshal(geojson.NewGeometry(poly))
		if err != nil {
			return imported, fmt.Errorf("plots: encode boundary %q: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, upsert,
			name, Slugify(name), bound.Min.X(), bound.Min.Y(), bound.Max.X(), bound.Max.Y(), buf, now,
		); err != nil {
			return imported, fmt.Errorf("plots: upsert %q: %w", name, err)
		}
		imported++
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return imported, nil
}

// featureName pulls the plot name from properties.name, falling back to
// properties.plot.
func featureName(f *geojson.Feature) string {
	if name, ok := f.Properties["name"].(string); ok && name != "" {
		return name
	}
	if name, ok := f.Properties["plot"].(string); ok && name != "" {
		return name
	}
	return ""
}

// featurePolygon extracts a valid polygon from a feature. MultiPolygons
// collapse to their largest member since plots are single fields in
// practice.
func featurePolygon(f *geojson.Feature) (orb.Polygon, error) {
	var poly orb.Polygon
	switch g := f.Geometry.(type) {
	case orb.Polygon:
		poly = g
	case orb.MultiPolygon:
		if len(g) == 0 {
			return nil, errors.New("empty multipolygon")
		}
		best := 0
		bestArea := 0.0
		for i, p := range g {
			if a := math.Abs(planar.Area(p)); a > bestArea {
				bestArea = a
				best = i
			}
		}
		poly = g[best]
	default:
		return nil, fmt.Errorf("unsupported geometry type %T", f.Geometry)
	}

	if len(poly) == 0 || len(poly[0]) < 4 {
		return nil, errors.New("polygon ring too short")
	}
	if !poly[0].Closed() {
		return nil, errors.New("polygon ring not closed")
	}
	if math.Abs(planar.Area(poly)) == 0 {
		return nil, errors.New("polygon has zero area")
	}
	return poly, nil
}

// Intersecting returns all plots whose boundary intersects b, ordered by
// name. The SQL bbox index prefilters; decoded bounds confirm.
func (r *Registry) Intersecting(ctx context.Context, b orb.Bound) ([]*Plot, error) {
	query := `
	SELECT id, name, slug, geojson, updated_at FROM plots
	WHERE NOT (maxx < ? OR minx > ? OR maxy < ? OR miny > ?)
	`
	rows, err := r.db.QueryContext(ctx, query, b.Min.X(), b.Max.X(), b.Min.Y(), b.Max.Y())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Plot
	for rows.Next() {
		p, err := scanPlot(rows)
		if err != nil {
			return nil, err
		}
		if p.Bound().Intersects(b) {
			result = append(result, p)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// Get returns one plot by name, or (nil, nil) when absent.
func (r *Registry) Get(ctx context.Context, name string) (*Plot, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT id, name, slug, geojson, updated_at FROM plots WHERE name = ?", name)
	p, err := scanPlot(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

// Count returns the number of registered plots.
func (r *Registry) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM plots").Scan(&n)
	return n, err
}

func scanPlot(scanner interface {
	Scan(dest ...interface{}) error
}) (*Plot, error) {
	var p Plot
	var blob []byte
	if err := scanner.Scan(&p.ID, &p.Name, &p.Slug, &blob, &p.UpdatedAtUnix); err != nil {
		return nil, err
	}

	geom, err := geojson.UnmarshalGeometry(blob)
	if err != nil {
		return nil, fmt.Errorf("plots: decode boundary for %q: %w", p.Name, err)
	}
	poly, ok := geom.Geometry().(orb.Polygon)
	if !ok {
		return nil, fmt.Errorf("plots: boundary for %q is %T, not a polygon", p.Name, geom.Geometry())
	}
	p.Boundary = poly
	return &p, nil
}
