package mcp

import (
	"context"
	"encoding/base64"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/sagaflow/internal/diagram"
	"github.com/rendis/sagaflow/internal/store"
)

func diagramTool() mcp.Tool {
	return mcp.NewTool("sagaflow.diagram",
		mcp.WithDescription("Draw a workflow as ASCII art, Mermaid flowchart syntax, SVG or a PNG image. With run_id the run's progress and compensation state are overlaid"),
		mcp.WithString("workflow", mcp.Description("Registered workflow to draw")),
		mcp.WithString("run_id", mcp.Description("Run to draw; its workflow is used")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "svg", "png"),
			mcp.Description("Output format"),
		),
	)
}

func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.definitions == nil {
		return mcp.NewToolResultError("diagrams are not available"), nil
	}
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	name := req.GetString("workflow", "")
	runID := req.GetString("run_id", "")

	var run *store.Run
	if runID != "" {
		run, err = s.engine.Status(ctx, runID)
		if err != nil {
			return errorResult("run lookup failed", err), nil
		}
		name = run.Workflow
	}
	if name == "" {
		return mcp.NewToolResultError("workflow or run_id is required"), nil
	}

	def, err := s.definitions(name)
	if err != nil {
		return errorResult("workflow lookup failed", err), nil
	}
	model, err := diagram.Build(def, run)
	if err != nil {
		return errorResult("diagram build failed", err), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "svg":
		svg, err := diagram.RenderImage(ctx, model, diagram.FormatSVG)
		if err != nil {
			return errorResult("image render failed", err), nil
		}
		return mcp.NewToolResultText(string(svg)), nil
	case "png":
		png, err := diagram.RenderImage(ctx, model, diagram.FormatPNG)
		if err != nil {
			return errorResult("image render failed", err), nil
		}
		return mcp.NewToolResultImage(model.Title, base64.StdEncoding.EncodeToString(png), "image/png"), nil
	default:
		return mcp.NewToolResultError("unsupported format: " + format), nil
	}
}
