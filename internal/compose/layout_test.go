package compose

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayoutForSingleSource(t *testing.T) {
	layout, err := layoutFor(1, 1280, 720)
	require.NoError(t, err)

	assert.Equal(t, "full", layout.ID)
	require.Len(t, layout.Tiles, 1)
	assert.Equal(t, Tile{0, 0, 1280, 720}, layout.Tiles[0])
}

func TestLayoutForTwoSources(t *testing.T) {
	layout, err := layoutFor(2, 1280, 720)
	require.NoError(t, err)

	assert.Equal(t, "side_by_side", layout.ID)
	require.Len(t, layout.Tiles, 2)
	assert.Equal(t, Tile{0, 0, 640, 720}, layout.Tiles[0])
	assert.Equal(t, Tile{640, 0, 640, 720}, layout.Tiles[1])
}

func TestLayoutForThreeSources(t *testing.T) {
	layout, err := layoutFor(3, 1280, 720)
	require.NoError(t, err)

	assert.Equal(t, "large_stack", layout.ID)
	require.Len(t, layout.Tiles, 3)

	large := layout.Tiles[0]
	top := layout.Tiles[1]
	bottom := layout.Tiles[2]

	assert.Equal(t, 0, large.X)
	assert.Equal(t, 720, large.Height)

	assert.Equal(t, large.Width, top.X)
	assert.Equal(t, large.Width, bottom.X)
	assert.Equal(t, 0, top.Y)
	assert.Equal(t, top.Height, bottom.Y)

	assert.Equal(t, 1280, large.Width+top.Width)
	assert.Equal(t, 720, top.Height+bottom.Height)
}

func TestLayoutForFourSources(t *testing.T) {
	layout, err := layoutFor(4, 1280, 720)
	require.NoError(t, err)

	assert.Equal(t, "grid", layout.ID)
	require.Len(t, layout.Tiles, 4)
	assert.Equal(t, Tile{0, 0, 640, 360}, layout.Tiles[0])
	assert.Equal(t, Tile{640, 0, 640, 360}, layout.Tiles[1])
	assert.Equal(t, Tile{0, 360, 640, 360}, layout.Tiles[2])
	assert.Equal(t, Tile{640, 360, 640, 360}, layout.Tiles[3])
}

func TestLayoutForTilesCoverCanvas(t *testing.T) {
	for sources := 1; sources <= maxTiles; sources++ {
		layout, err := layoutFor(sources, 1280, 720)
		require.NoError(t, err)

		area := 0
		for _, tile := range layout.Tiles {
			area += tile.Width * tile.Height
		}
		assert.Equal(t, 1280*720, area, "layout %s for %d sources leaves gaps", layout.ID, sources)
	}
}

func TestLayoutForKeepsEverythingEven(t *testing.T) {
	layout, err := layoutFor(3, 853, 481)
	require.NoError(t, err)

	for i, tile := range layout.Tiles {
		assert.Zero(t, tile.X%2, "tile %d x", i)
		assert.Zero(t, tile.Y%2, "tile %d y", i)
		assert.Zero(t, tile.Width%2, "tile %d width", i)
		assert.Zero(t, tile.Height%2, "tile %d height", i)
	}
}

func TestLayoutForIsDeterministic(t *testing.T) {
	first, err := layoutFor(4, 1280, 720)
	require.NoError(t, err)
	second, err := layoutFor(4, 1280, 720)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestLayoutForRejectsUnsupportedCounts(t *testing.T) {
	for _, sources := range []int{-1, 0, 5, 12} {
		_, err := layoutFor(sources, 1280, 720)
		assert.Error(t, err, "sources=%d", sources)
	}
}
