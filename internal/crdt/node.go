package crdt

import (
	"fmt"
	"strings"
)

// Node is the structured-content tree handed to callers and persisted with
// every snapshot. The shape follows the editor's document model: a "doc" root
// with block children (headings, paragraphs, lists) and "text" leaves
// carrying marks.
type Node struct {
	Type    string         `json:"type"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []Node         `json:"content,omitempty"`
	Text    string         `json:"text,omitempty"`
	Marks   []Mark         `json:"marks,omitempty"`
}

type Mark struct {
	Type string `json:"type"`
}

// PlainText flattens a structured tree into newline-separated block text,
// dropping all formatting.
func PlainText(doc Node) string {
	var blocks []string
	walkBlocks(doc, func(_ string, _ int, block Node) {
		blocks = append(blocks, inlinePlain(block))
	})
	return strings.Join(blocks, "\n")
}

// Markdown renders a structured tree as markdown, one block per line.
func Markdown(doc Node) string {
	var builder strings.Builder
	walkBlocks(doc, func(blockType string, level int, block Node) {
		text := inlineMarkdown(block)
		switch blockType {
		case "heading":
			if level < 1 {
				level = 1
			}
			builder.WriteString(strings.Repeat("#", level) + " " + text + "\n")
		case "listItem":
			builder.WriteString("- " + text + "\n")
		case "orderedItem":
			builder.WriteString("1. " + text + "\n")
		default:
			builder.WriteString(text + "\n")
		}
	})
	return builder.String()
}

// walkBlocks visits each block-level node in document order. List containers
// are unwrapped so each list item is emitted as its own block.
func walkBlocks(node Node, emit func(blockType string, level int, block Node)) {
	switch node.Type {
	case "doc":
		for _, child := range node.Content {
			walkBlocks(child, emit)
		}
	case "bulletList":
		for _, child := range node.Content {
			emit("listItem", 0, child)
		}
	case "orderedList":
		for _, child := range node.Content {
			emit("orderedItem", 0, child)
		}
	case "heading":
		level := 1
		if raw, ok := node.Attrs["level"]; ok {
			level = attrInt(raw, 1)
		}
		emit("heading", level, node)
	case "paragraph", "listItem":
		emit(node.Type, 0, node)
	default:
		for _, child := range node.Content {
			walkBlocks(child, emit)
		}
	}
}

func inlinePlain(node Node) string {
	var builder strings.Builder
	var collect func(n Node)
	collect = func(n Node) {
		if n.Type == "text" {
			builder.WriteString(n.Text)
			return
		}
		for _, child := range n.Content {
			collect(child)
		}
	}
	collect(node)
	return builder.String()
}

func inlineMarkdown(node Node) string {
	var builder strings.Builder
	var collect func(n Node)
	collect = func(n Node) {
		if n.Type == "text" {
			builder.WriteString(markdownMarks(n.Text, n.Marks))
			return
		}
		for _, child := range n.Content {
			collect(child)
		}
	}
	collect(node)
	return builder.String()
}

func markdownMarks(text string, marks []Mark) string {
	if text == "" {
		return ""
	}
	for i := len(marks) - 1; i >= 0; i-- {
		switch marks[i].Type {
		case "bold":
			text = fmt.Sprintf("**%s**", text)
		case "italic":
			text = fmt.Sprintf("*%s*", text)
		case "code":
			text = fmt.Sprintf("`%s`", text)
		case "strike":
			text = fmt.Sprintf("~~%s~~", text)
		}
	}
	return text
}

// IsEmpty reports whether the tree carries no visible text. Whitespace-only
// documents count as empty.
func IsEmpty(doc Node) bool {
	return strings.TrimSpace(PlainText(doc)) == ""
}

func attrInt(raw any, fallback int) int {
	switch value := raw.(type) {
	case int:
		return value
	case int64:
		return int(value)
	case float64:
		return int(value)
	default:
		return fallback
	}
}
