package compose

import "fmt"

// maxTiles is the hard cap on simultaneously composed publishers.
const maxTiles = 4

// Tile is one publisher's rectangle on the composed canvas.
type Tile struct {
	X      int
	Y      int
	Width  int
	Height int
}

// Layout is a deterministic tile arrangement for a given source count.
type Layout struct {
	ID    string
	Tiles []Tile
}

// layoutFor maps a source count onto its canvas arrangement: one full
// frame, two halves side by side, one large tile with two stacked next
// to it, or a two by two grid. All tile dimensions and offsets are kept
// even so chroma subsampling never bites.
func layoutFor(sources, width, height int) (Layout, error) {
	w := even(width)
	h := even(height)

	switch sources {
	case 1:
		return Layout{
			ID:    "full",
			Tiles: []Tile{{0, 0, w, h}},
		}, nil
	case 2:
		half := even(w / 2)
		return Layout{
			ID: "side_by_side",
			Tiles: []Tile{
				{0, 0, half, h},
				{half, 0, w - half, h},
			},
		}, nil
	case 3:
		large := even(w * 2 / 3)
		small := w - large
		halfH := even(h / 2)
		return Layout{
			ID: "large_stack",
			Tiles: []Tile{
				{0, 0, large, h},
				{large, 0, small, halfH},
				{large, halfH, small, h - halfH},
			},
		}, nil
	case 4:
		halfW := even(w / 2)
		halfH := even(h / 2)
		return Layout{
			ID: "grid",
			Tiles: []Tile{
				{0, 0, halfW, halfH},
				{halfW, 0, w - halfW, halfH},
				{0, halfH, halfW, h - halfH},
				{halfW, halfH, w - halfW, h - halfH},
			},
		}, nil
	}

	return Layout{}, fmt.Errorf("no layout for %d sources", sources)
}

func even(v int) int {
	return v - v%2
}
