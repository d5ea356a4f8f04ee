package crdt

// BlockChange is one entry of a structural diff between two documents.
type BlockChange struct {
	Kind   string `json:"kind"` // added | removed | changed
	Before string `json:"before,omitempty"`
	After  string `json:"after,omitempty"`
}

// Diff compares two structured trees block by block. It is pure: neither
// argument is modified and no state is consulted.
func Diff(before, after Node) []BlockChange {
	beforeBlocks := blockLines(before)
	afterBlocks := blockLines(after)

	// Longest common subsequence over rendered block text.
	rows := len(beforeBlocks)
	cols := len(afterBlocks)
	lcs := make([][]int, rows+1)
	for i := range lcs {
		lcs[i] = make([]int, cols+1)
	}
	for i := rows - 1; i >= 0; i-- {
		for j := cols - 1; j >= 0; j-- {
			if beforeBlocks[i] == afterBlocks[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else if lcs[i+1][j] >= lcs[i][j+1] {
				lcs[i][j] = lcs[i+1][j]
			} else {
				lcs[i][j] = lcs[i][j+1]
			}
		}
	}

	changes := make([]BlockChange, 0)
	i, j := 0, 0
	for i < rows && j < cols {
		switch {
		case beforeBlocks[i] == afterBlocks[j]:
			i++
			j++
		case lcs[i+1][j] >= lcs[i][j+1]:
			changes = append(changes, BlockChange{Kind: "removed", Before: beforeBlocks[i]})
			i++
		default:
			changes = append(changes, BlockChange{Kind: "added", After: afterBlocks[j]})
			j++
		}
	}
	for ; i < rows; i++ {
		changes = append(changes, BlockChange{Kind: "removed", Before: beforeBlocks[i]})
	}
	for ; j < cols; j++ {
		changes = append(changes, BlockChange{Kind: "added", After: afterBlocks[j]})
	}

	// A removal directly followed by an addition reads better as one change.
	merged := make([]BlockChange, 0, len(changes))
	for k := 0; k < len(changes); k++ {
		if k+1 < len(changes) && changes[k].Kind == "removed" && changes[k+1].Kind == "added" {
			merged = append(merged, BlockChange{
				Kind:   "changed",
				Before: changes[k].Before,
				After:  changes[k+1].After,
			})
			k++
			continue
		}
		merged = append(merged, changes[k])
	}
	return merged
}

func blockLines(doc Node) []string {
	lines := make([]string, 0)
	walkBlocks(doc, func(_ string, _ int, block Node) {
		lines = append(lines, inlinePlain(block))
	})
	return lines
}
