package datasource

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/tilecraft/tileserv/internal/tile"
)

// ValidationError pinpoints one invalid field of a descriptor document.
type ValidationError struct {
	Location []string `json:"location"`
	Message  string   `json:"message"`
	Type     string   `json:"type"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", strings.Join(e.Location, "."), e.Message)
}

// SchemaChecker answers whether a spatial table and its columns exist. The
// Postgres implementation consults information_schema; a nil checker skips
// the check (cache-only nodes have no spatial DB).
type SchemaChecker interface {
	TableExists(ctx context.Context, table string) (bool, error)
	ColumnsExist(ctx context.Context, table string, columns []string) ([]string, error)
}

// Validate applies the full rule set to a descriptor document. File and API
// ingress share this validator. A non-empty result means the document is
// rejected.
func Validate(ctx context.Context, d *Descriptor, schema SchemaChecker) []ValidationError {
	var errs []ValidationError
	add := func(loc []string, msg, typ string) {
		errs = append(errs, ValidationError{Location: loc, Message: msg, Type: typ})
	}

	switch d.Kind {
	case KindRaster, KindVector:
	default:
		add([]string{"kind"}, fmt.Sprintf("must be raster or vector, got %q", d.Kind), "enum")
	}

	if !storeModes[d.Store] {
		add([]string{"store"}, fmt.Sprintf("unknown store %q", d.Store), "enum")
	}

	if d.Name == "" {
		add([]string{"name"}, "is required", "required")
	}

	if d.MinZoom < 0 || d.MinZoom > tile.MaxZoom {
		add([]string{"minzoom"}, fmt.Sprintf("must be within 0..%d", tile.MaxZoom), "range")
	}
	if d.MaxZoom < 0 || d.MaxZoom > tile.MaxZoom {
		add([]string{"maxzoom"}, fmt.Sprintf("must be within 0..%d", tile.MaxZoom), "range")
	}
	if d.MinZoom > d.MaxZoom {
		add([]string{"minzoom"}, "must not exceed maxzoom", "range")
	}

	if d.Bounds != [4]float64{} {
		if d.Bounds[0] >= d.Bounds[2] || d.Bounds[1] >= d.Bounds[3] {
			add([]string{"bounds"}, "min corner must be southwest of max corner", "range")
		}
	}

	if d.Host == "" && d.Port != 0 {
		add([]string{"port"}, "port without host", "shape")
	}
	if d.Host != "" && (d.Port < 1 || d.Port > 65535) {
		add([]string{"port"}, "must be within 1..65535", "range")
	}

	switch d.Kind {
	case KindRaster:
		errs = append(errs, validateRaster(d)...)
	case KindVector:
		errs = append(errs, validateVector(ctx, d, schema)...)
	}

	return errs
}

func validateRaster(d *Descriptor) []ValidationError {
	var errs []ValidationError
	add := func(loc []string, msg, typ string) {
		errs = append(errs, ValidationError{Location: loc, Message: msg, Type: typ})
	}

	if d.Vector != nil {
		add([]string{"vector"}, "not allowed on a raster datasource", "shape")
	}
	if d.Raster == nil {
		if d.Store == StoreInternal {
			add([]string{"raster"}, "is required", "required")
		}
		return errs
	}

	r := d.Raster
	if r.Path == "" && len(r.Mosaic) == 0 {
		add([]string{"raster"}, "needs path or mosaic", "shape")
	}
	if r.Path != "" && len(r.Mosaic) > 0 {
		add([]string{"raster"}, "path and mosaic are mutually exclusive", "shape")
	}
	if !rasterEncodings[r.Encoding] {
		add([]string{"raster", "encoding"}, fmt.Sprintf("unknown encoding %q", r.Encoding), "enum")
	}
	if len(r.Mosaic) > 0 && !pixelSelectionMethods[r.PixelSelectionMethod] {
		add([]string{"raster", "pixel_selection_method"},
			fmt.Sprintf("unknown method %q", r.PixelSelectionMethod), "enum")
	}
	return errs
}

func validateVector(ctx context.Context, d *Descriptor, schema SchemaChecker) []ValidationError {
	var errs []ValidationError
	add := func(loc []string, msg, typ string) {
		errs = append(errs, ValidationError{Location: loc, Message: msg, Type: typ})
	}

	if d.Raster != nil {
		add([]string{"raster"}, "not allowed on a vector datasource", "shape")
	}
	if d.Variant() == VariantRemoteTiles {
		// Remote tile stores carry no layer definitions to check.
		return errs
	}
	if d.Vector == nil || len(d.Vector.Layers) == 0 {
		add([]string{"vector", "layers"}, "at least one layer is required", "required")
		return errs
	}

	for i, layer := range d.Vector.Layers {
		loc := []string{"vector", "layers", strconv.Itoa(i)}
		if layer.Name == "" {
			add(append(loc, "name"), "is required", "required")
		}

		hasFilter := layer.Filter != "" || len(layer.Fields) > 0 || layer.GeomField != ""
		hasSQL := len(layer.Queries) > 0
		switch {
		case hasFilter && hasSQL:
			add(loc, "filter form and queries are mutually exclusive", "shape")
			continue
		case !hasFilter && !hasSQL:
			add(loc, "needs either (filter, fields, geomField) or queries", "shape")
			continue
		}

		if hasSQL {
			for j, q := range layer.Queries {
				if strings.TrimSpace(q.SQL) == "" {
					add(append(loc, "queries", strconv.Itoa(j), "sql"), "is required", "required")
				}
			}
			continue
		}

		if layer.GeomField == "" {
			add(append(loc, "geomField"), "is required with filter form", "required")
		}

		if layer.Filter != "" {
			known := make(map[string]bool, len(layer.Fields))
			for _, f := range layer.Fields {
				known[f] = true
			}
			for _, ref := range filterFieldRefs(layer.Filter) {
				if ref == layer.GeomField {
					continue
				}
				if !known[ref] {
					add(append(loc, "filter"),
						fmt.Sprintf("field %q referenced but not listed in fields", ref), "reference")
				}
			}
		}

		if schema != nil && layer.StoreLayer != "" {
			errs = append(errs, checkSchema(ctx, schema, loc, layer)...)
		}
	}

	return errs
}

// checkSchema verifies storeLayer and field names against the spatial DB's
// information schema.
func checkSchema(ctx context.Context, schema SchemaChecker, loc []string, layer VectorLayer) []ValidationError {
	var errs []ValidationError

	ok, err := schema.TableExists(ctx, layer.StoreLayer)
	if err != nil {
		errs = append(errs, ValidationError{
			Location: append(loc, "storeLayer"),
			Message:  fmt.Sprintf("schema check failed: %v", err),
			Type:     "schema",
		})
		return errs
	}
	if !ok {
		errs = append(errs, ValidationError{
			Location: append(loc, "storeLayer"),
			Message:  fmt.Sprintf("table %q does not exist", layer.StoreLayer),
			Type:     "schema",
		})
		return errs
	}

	cols := layer.Fields
	if layer.GeomField != "" {
		cols = append(append([]string{}, cols...), layer.GeomField)
	}
	if len(cols) == 0 {
		return errs
	}
	missing, err := schema.ColumnsExist(ctx, layer.StoreLayer, cols)
	if err != nil {
		errs = append(errs, ValidationError{
			Location: append(loc, "fields"),
			Message:  fmt.Sprintf("schema check failed: %v", err),
			Type:     "schema",
		})
		return errs
	}
	for _, col := range missing {
		errs = append(errs, ValidationError{
			Location: append(loc, "fields"),
			Message:  fmt.Sprintf("column %q not found in %s", col, layer.StoreLayer),
			Type:     "schema",
		})
	}
	return errs
}

// filterKeywords are tokens of the filter grammar itself, never field names.
var filterKeywords = map[string]bool{
	"and": true, "or": true, "not": true, "in": true, "is": true,
	"null": true, "true": true, "false": true, "like": true, "between": true,
}

// filterFieldRefs extracts the bare identifiers a filter expression
// references. String literals (single quotes) and numbers are skipped.
func filterFieldRefs(filter string) []string {
	var refs []string
	seen := make(map[string]bool)

	i := 0
	for i < len(filter) {
		c := filter[i]
		switch {
		case c == '\'':
			// Skip string literal.
			i++
			for i < len(filter) && filter[i] != '\'' {
				i++
			}
			i++
		case isIdentStart(c):
			start := i
			for i < len(filter) && isIdentPart(filter[i]) {
				i++
			}
			word := filter[start:i]
			if !filterKeywords[strings.ToLower(word)] && !seen[word] {
				seen[word] = true
				refs = append(refs, word)
			}
		default:
			i++
		}
	}
	return refs
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
