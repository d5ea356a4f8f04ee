package crdt

import "sort"

type textRun struct {
	text  string
	marks []string
}

// walkContentBlocks decomposes a structured tree into the flat block
// sequence the replica stores: one entry per paragraph, heading, or list
// item, preserving mark runs.
func walkContentBlocks(node Node, emit func(blockType string, level int, runs []textRun)) {
	switch node.Type {
	case "doc":
		for _, child := range node.Content {
			walkContentBlocks(child, emit)
		}
	case "bulletList":
		for _, child := range node.Content {
			emit("listItem", 0, inlineRuns(child))
		}
	case "orderedList":
		for _, child := range node.Content {
			emit("orderedItem", 0, inlineRuns(child))
		}
	case "heading":
		level := 1
		if raw, ok := node.Attrs["level"]; ok {
			level = attrInt(raw, 1)
		}
		emit("heading", level, inlineRuns(node))
	case "paragraph", "listItem":
		emit(node.Type, 0, inlineRuns(node))
	default:
		for _, child := range node.Content {
			walkContentBlocks(child, emit)
		}
	}
}

func inlineRuns(node Node) []textRun {
	var runs []textRun
	var collect func(n Node)
	collect = func(n Node) {
		if n.Type == "text" {
			marks := make([]string, 0, len(n.Marks))
			for _, mark := range n.Marks {
				marks = append(marks, mark.Type)
			}
			sort.Strings(marks)
			runs = append(runs, textRun{text: n.Text, marks: marks})
			return
		}
		for _, child := range n.Content {
			collect(child)
		}
	}
	collect(node)
	return runs
}

// StructuredContent renders the visible sequence as a structured tree.
// Consecutive list items collapse into a single list node; text runs with
// identical marks collapse into a single text leaf.
func (s *State) StructuredContent() Node {
	type flatBlock struct {
		blockType string
		level     int
		runs      []textRun
	}

	blocks := make([]flatBlock, 0)
	current := flatBlock{blockType: "paragraph"}
	started := false
	flush := func() {
		if started {
			blocks = append(blocks, current)
		}
	}
	for _, it := range s.visible() {
		if it.kind == kindBlock {
			flush()
			current = flatBlock{blockType: it.block, level: it.level}
			started = true
			continue
		}
		// Text before any block boundary lives in an implicit paragraph.
		started = true
		if n := len(current.runs); n > 0 && sameMarks(current.runs[n-1].marks, it.marks) {
			current.runs[n-1].text += it.text
		} else {
			current.runs = append(current.runs, textRun{text: it.text, marks: append([]string(nil), it.marks...)})
		}
	}
	flush()

	doc := Node{Type: "doc"}
	for i := 0; i < len(blocks); i++ {
		block := blocks[i]
		switch block.blockType {
		case "listItem", "orderedItem":
			listType := "bulletList"
			if block.blockType == "orderedItem" {
				listType = "orderedList"
			}
			list := Node{Type: listType}
			for ; i < len(blocks) && blocks[i].blockType == block.blockType; i++ {
				list.Content = append(list.Content, Node{
					Type:    "listItem",
					Content: []Node{{Type: "paragraph", Content: runNodes(blocks[i].runs)}},
				})
			}
			i--
			doc.Content = append(doc.Content, list)
		case "heading":
			level := block.level
			if level < 1 {
				level = 1
			}
			doc.Content = append(doc.Content, Node{
				Type:    "heading",
				Attrs:   map[string]any{"level": level},
				Content: runNodes(block.runs),
			})
		default:
			doc.Content = append(doc.Content, Node{Type: "paragraph", Content: runNodes(block.runs)})
		}
	}
	return doc
}

// PlainText flattens the visible document to newline-separated block text.
func (s *State) PlainText() string {
	return PlainText(s.StructuredContent())
}

// Markdown renders the visible document as markdown.
func (s *State) Markdown() string {
	return Markdown(s.StructuredContent())
}

func runNodes(runs []textRun) []Node {
	nodes := make([]Node, 0, len(runs))
	for _, run := range runs {
		if run.text == "" {
			continue
		}
		node := Node{Type: "text", Text: run.text}
		for _, mark := range run.marks {
			node.Marks = append(node.Marks, Mark{Type: mark})
		}
		nodes = append(nodes, node)
	}
	return nodes
}

func sameMarks(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
