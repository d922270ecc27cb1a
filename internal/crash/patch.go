package crash

import (
	"time"

	"packsmith/internal/types"
)

// PatchBoard applies the repair plan to a copy of the board and returns it
// with per-operation applied flags set. The input board is never mutated.
//
// Only removals, disables, and updates touch the board. add_mod stays
// intent-only: placing a new mod needs catalog metadata the crash pipeline
// does not have, so the client drives the add through the normal assembly
// flow. clear_loader_cache is a client-side action by nature.
func PatchBoard(board *types.BoardState, ops []types.Operation) (*types.BoardState, []types.Operation) {
	patched := board.DeepCopy()
	out := make([]types.Operation, len(ops))

	for i, op := range ops {
		switch op.Action {
		case types.OpRemoveMod:
			if idx := patched.FindMod(op.Target); idx >= 0 {
				patched.Mods = append(patched.Mods[:idx], patched.Mods[idx+1:]...)
				op.Applied = true
			}
		case types.OpDisableMod:
			if idx := patched.FindMod(op.Target); idx >= 0 {
				patched.Mods[idx].IsDisabled = true
				op.Applied = true
			}
		case types.OpUpdateMod:
			if idx := patched.FindMod(op.Target); idx >= 0 && op.ToVersion != "" {
				patched.Mods[idx].Version = op.ToVersion
				op.Applied = true
			}
		}
		out[i] = op
	}

	patched.UpdatedAt = time.Now().UTC()
	return patched, out
}
