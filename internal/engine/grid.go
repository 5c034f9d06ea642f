package engine

// GridLayout maps logical display cells to pixel positions on the
// composited output canvas. Column 0 is reserved for the live preview;
// the playback cells fill a Columns×Rows block to its right:
//
//	+--------+--------+--------+--------+
//	| live   | cell 0 | cell 1 | cell 2 |
//	+--------+--------+--------+--------+
//	|        | cell 3 | cell 4 | cell 5 |
//	+--------+--------+--------+--------+
//	|        | cell 6 | cell 7 | cell 8 |
//	+--------+--------+--------+--------+
type GridLayout struct {
	// CellWidth, CellHeight are the fixed pixel dimensions of one cell.
	CellWidth  int
	CellHeight int
	// Columns, Rows describe the playback block (excluding the reserved
	// preview column).
	Columns int
	Rows    int
}

// DefaultGridLayout is the 3×3 playback block of 320×180 cells beside the
// preview column: a 1280×540 canvas.
func DefaultGridLayout() GridLayout {
	return GridLayout{CellWidth: 320, CellHeight: 180, Columns: 3, Rows: 3}
}

// Cells returns the number of playback cells (K).
func (g GridLayout) Cells() int {
	return g.Columns * g.Rows
}

// CellPosition returns the top-left pixel position of a playback cell.
// Column 0 belongs to the live preview, so cell columns start at 1.
func (g GridLayout) CellPosition(cell int) (x, y int) {
	col := cell%g.Columns + 1
	row := cell / g.Columns
	return col * g.CellWidth, row * g.CellHeight
}

// PreviewPosition returns the live preview's pixel position (always the
// top-left corner).
func (g GridLayout) PreviewPosition() (x, y int) {
	return 0, 0
}

// CellZOrder returns the compositor z-order for a playback cell. The live
// preview sits at z-order 0; playback cells stack above it in cell order.
func (g GridLayout) CellZOrder(cell int) int {
	return cell + 1
}

// OutputWidth returns the canvas width: preview column plus the playback
// block.
func (g GridLayout) OutputWidth() int {
	return (g.Columns + 1) * g.CellWidth
}

// OutputHeight returns the canvas height.
func (g GridLayout) OutputHeight() int {
	return g.Rows * g.CellHeight
}
