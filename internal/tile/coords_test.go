package tile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCoord(t *testing.T) {
	c, err := ParseCoord("ds1", "3", "4", "5", "png")
	require.NoError(t, err)
	assert.Equal(t, Coord{DatasourceID: "ds1", Z: 3, X: 4, Y: 5, Ext: ExtPNG}, c)
}

func TestParseCoord_UppercaseExt(t *testing.T) {
	c, err := ParseCoord("ds1", "3", "4", "5", "PNG")
	require.NoError(t, err)
	assert.Equal(t, ExtPNG, c.Ext)
}

func TestParseCoord_Invalid(t *testing.T) {
	cases := []struct {
		name         string
		z, x, y, ext string
	}{
		{"bad z", "a", "0", "0", "png"},
		{"bad x", "3", "a", "0", "png"},
		{"bad y", "3", "0", "a", "png"},
		{"bad ext", "3", "0", "0", "gif"},
		{"z too large", "23", "0", "0", "png"},
		{"negative z", "-1", "0", "0", "png"},
		{"x out of grid", "3", "8", "0", "png"},
		{"y out of grid", "3", "0", "8", "png"},
		{"negative x", "3", "-1", "0", "png"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseCoord("ds1", tc.z, tc.x, tc.y, tc.ext)
			assert.Error(t, err)
		})
	}
}

func TestExt_Kinds(t *testing.T) {
	assert.True(t, ExtPNG.Raster())
	assert.True(t, ExtJPG.Raster())
	assert.True(t, ExtWebP.Raster())
	assert.False(t, ExtMVT.Raster())
	assert.True(t, ExtMVT.Vector())
	assert.True(t, ExtPBF.Vector())
	assert.False(t, ExtPNG.Vector())
}

func TestExt_ContentType(t *testing.T) {
	assert.Equal(t, "image/png", ExtPNG.ContentType())
	assert.Equal(t, "image/jpeg", ExtJPG.ContentType())
	assert.Equal(t, "image/webp", ExtWebP.ContentType())
	assert.Equal(t, "application/vnd.mapbox-vector-tile", ExtMVT.ContentType())
	assert.Equal(t, "application/x-protobuf", ExtPBF.ContentType())
}

func TestFingerprint_Stable(t *testing.T) {
	a := Coord{DatasourceID: "ds1", Z: 3, X: 4, Y: 5, Ext: ExtPNG}
	b := Coord{DatasourceID: "ds1", Z: 3, X: 4, Y: 5, Ext: ExtPNG}
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.Equal(t, "ds1/3/4/5.png", a.Fingerprint())

	c := Coord{DatasourceID: "ds1", Z: 3, X: 4, Y: 5, Ext: ExtMVT}
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}

func TestIntersects(t *testing.T) {
	world := [4]float64{-180, -85, 180, 85}
	c := Coord{Z: 3, X: 4, Y: 5}
	assert.True(t, c.Intersects(world))

	// Tile 10/0/0 sits in the far northwest; a bound around Australia
	// cannot contain it.
	aus := [4]float64{112, -44, 154, -10}
	far := Coord{Z: 10, X: 0, Y: 0}
	assert.False(t, far.Intersects(aus))
}

func TestGridRange_World(t *testing.T) {
	minX, minY, maxX, maxY := GridRange(1, [4]float64{-180, -85, 180, 85})
	assert.Equal(t, 0, minX)
	assert.Equal(t, 0, minY)
	assert.Equal(t, 1, maxX)
	assert.Equal(t, 1, maxY)
}

func TestGridRange_SubsetIsClamped(t *testing.T) {
	minX, minY, maxX, maxY := GridRange(4, [4]float64{-10, -10, 10, 10})
	assert.LessOrEqual(t, minX, maxX)
	assert.LessOrEqual(t, minY, maxY)
	assert.GreaterOrEqual(t, minX, 0)
	assert.Less(t, maxX, 16)
	assert.GreaterOrEqual(t, minY, 0)
	assert.Less(t, maxY, 16)
}
