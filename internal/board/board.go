// Package board lays out mod groups on the authoring canvas. Layout is fully
// deterministic for a fixed id generator: one column of cells per group,
// columns flowing left to right.
package board

import (
	"fmt"

	"github.com/google/uuid"

	"packsmith/internal/types"
)

// Canvas geometry. Each category owns a columnWidth-unit column; mods stack
// inside it on a cellPitch grid.
const (
	columnWidth   = 340.0
	cellPitch     = 60.0
	columnGap     = 40.0
	headerHeight  = 60.0
	cellPaddingX  = 20.0
	categoryPadY  = 20.0
	originX       = 40.0
	originY       = 40.0
	minColumnRows = 1
)

// palette cycles across categories in group order.
var palette = []string{
	"#4f8fea", // blue
	"#4fc06e", // green
	"#e0b44f", // amber
	"#c96ad1", // violet
	"#e06a5a", // coral
	"#48bfc4", // teal
	"#8a7ce0", // indigo
	"#d1744f", // rust
}

// IDGenerator mints node and category ids. Tests inject a sequential one.
type IDGenerator func() string

// Assembler turns mod groups into a board state.
type Assembler struct {
	newID IDGenerator
}

// New builds an assembler using random UUIDs.
func New() *Assembler {
	return NewWithIDs(uuid.NewString)
}

// NewWithIDs builds an assembler with an injected id generator.
func NewWithIDs(gen IDGenerator) *Assembler {
	return &Assembler{newID: gen}
}

// Assemble lays the groups out on a fresh board. Group order is preserved:
// the first group occupies the leftmost column.
func (a *Assembler) Assemble(projectID string, groups []types.ModGroup) *types.BoardState {
	state := &types.BoardState{
		ProjectID: projectID,
		Camera:    types.Camera{Scale: 1},
	}
	onBoard := sourceIDSet(nil, groups)
	for i, g := range groups {
		a.appendColumn(state, i, g, onBoard)
	}
	return state
}

// Append adds new groups to an existing board, continuing to the right of the
// occupied area. The input board is not mutated.
func (a *Assembler) Append(state *types.BoardState, groups []types.ModGroup) *types.BoardState {
	out := state.DeepCopy()
	onBoard := sourceIDSet(out.Mods, groups)
	start := len(out.Categories)
	for i, g := range groups {
		a.appendColumn(out, start+i, g, onBoard)
	}
	return out
}

// sourceIDSet collects every source id that will be present on the board once
// the groups are placed, including mods already on it.
func sourceIDSet(existing []types.BoardMod, groups []types.ModGroup) map[string]bool {
	ids := make(map[string]bool)
	for _, m := range existing {
		ids[m.SourceID] = true
	}
	for _, g := range groups {
		for _, m := range g.Mods {
			ids[m.SourceID] = true
		}
	}
	return ids
}

func (a *Assembler) appendColumn(state *types.BoardState, column int, g types.ModGroup, onBoard map[string]bool) {
	x := originX + float64(column)*(columnWidth+columnGap)

	rows := len(g.Mods)
	if rows < minColumnRows {
		rows = minColumnRows
	}
	cat := types.BoardCategory{
		ID:       a.newID(),
		Title:    g.Name,
		Position: types.Position{X: x, Y: originY},
		Color:    palette[column%len(palette)],
		Width:    columnWidth,
		Height:   headerHeight + float64(rows)*cellPitch + categoryPadY,
	}
	state.Categories = append(state.Categories, cat)

	for row, m := range g.Mods {
		state.Mods = append(state.Mods, types.BoardMod{
			SourceID:           m.SourceID,
			Slug:               m.Slug,
			Title:              m.Name,
			IconURL:            m.IconURL,
			Description:        m.Summary,
			UniqueID:           a.newID(),
			Position:           types.Position{X: x + cellPaddingX, Y: originY + headerHeight + float64(row)*cellPitch},
			CategoryID:         cat.ID,
			CategoryIndex:      row,
			CachedDependencies: resolvedDeps(m, onBoard),
		})
	}
}

// resolvedDeps keeps only required dependencies that resolve to a mod placed
// on the same board.
func resolvedDeps(m *types.Mod, onBoard map[string]bool) []string {
	var deps []string
	for _, id := range m.RequiredDependencyIDs() {
		if onBoard[id] {
			deps = append(deps, id)
		}
	}
	return deps
}

// SequentialIDs returns a deterministic generator for tests and previews.
func SequentialIDs(prefix string) IDGenerator {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%04d", prefix, n)
	}
}
