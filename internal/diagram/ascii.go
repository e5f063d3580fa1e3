package diagram

import (
	"fmt"
	"strings"
)

// statusTag returns a short ASCII indicator for an overlay status.
func statusTag(status string) string {
	switch status {
	case StatusCompleted:
		return "[OK]"
	case StatusCompensated:
		return "[UNDONE]"
	case StatusCompensationFailed:
		return "[UNDO FAIL]"
	case StatusRunning:
		return "[RUN]"
	case StatusSuspended:
		return "[WAIT]"
	case StatusFailed:
		return "[FAIL]"
	default:
		return ""
	}
}

// RenderASCII renders a DiagramModel level by level with box-drawing
// characters. Branch and jump edges are listed below the boxes since a
// level layout cannot draw them.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder

	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	for i, level := range model.Levels {
		var boxes []asciiBox
		for _, id := range level {
			if node := model.node(id); node != nil {
				boxes = append(boxes, makeBox(node))
			}
		}
		renderBoxRow(&b, boxes)
		if i < len(model.Levels)-1 && len(boxes) > 0 {
			b.WriteString("       │\n")
			b.WriteString("       ▼\n")
		}
	}

	var labeled []Edge
	for _, e := range model.Edges {
		if e.Label != "" {
			labeled = append(labeled, e)
		}
	}
	if len(labeled) > 0 {
		b.WriteString("\n--- branches ---\n")
		for _, e := range labeled {
			fmt.Fprintf(&b, "  %s --%s--> %s\n", e.From, e.Label, e.To)
		}
	}

	return b.String()
}

type asciiBox struct {
	lines []string
	width int
}

func makeBox(node *Node) asciiBox {
	content := []string{strings.ReplaceAll(node.Label, "\n", " ")}
	if node.Compensable {
		content = append(content, "(undo)")
	}
	if node.Status != nil {
		if tag := statusTag(node.Status.Status); tag != "" {
			content = append(content, tag)
		}
	}

	maxLen := 0
	for _, line := range content {
		if n := len([]rune(line)); n > maxLen {
			maxLen = n
		}
	}
	width := maxLen + 4

	lines := []string{"┌" + strings.Repeat("─", width-2) + "┐"}
	for _, line := range content {
		pad := maxLen - len([]rune(line))
		lines = append(lines, "│ "+line+strings.Repeat(" ", pad)+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", width-2)+"┘")
	return asciiBox{lines: lines, width: width}
}

// renderBoxRow writes boxes side by side.
func renderBoxRow(b *strings.Builder, boxes []asciiBox) {
	height := 0
	for _, box := range boxes {
		height = max(height, len(box.lines))
	}
	for row := 0; row < height; row++ {
		for i, box := range boxes {
			if i > 0 {
				b.WriteString("  ")
			}
			if row < len(box.lines) {
				b.WriteString(box.lines[row])
			} else {
				b.WriteString(strings.Repeat(" ", box.width))
			}
		}
		b.WriteByte('\n')
	}
}
