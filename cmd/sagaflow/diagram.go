package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/rendis/sagaflow/internal/diagram"
	"github.com/rendis/sagaflow/internal/flows"
	"github.com/rendis/sagaflow/pkg/schema"
)

// runDiagram renders a JSON flow file without starting the server:
//
//	sagaflow diagram -format mermaid -o flow.md approval.json
func runDiagram(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("diagram", flag.ContinueOnError)
	format := fs.String("format", "ascii", "output format: ascii, mermaid, svg, png")
	out := fs.String("o", "", "output file (default: stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: sagaflow diagram [-format f] [-o file] <flow.json>")
	}

	raw, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("read flow: %w", err)
	}
	var fd schema.FlowDefinition
	if err := json.Unmarshal(raw, &fd); err != nil {
		return fmt.Errorf("parse flow: %w", err)
	}
	def, err := flows.Compile(&fd)
	if err != nil {
		return err
	}
	model, err := diagram.Build(&def, nil)
	if err != nil {
		return err
	}

	var data []byte
	switch *format {
	case "ascii":
		data = []byte(diagram.RenderASCII(model))
	case "mermaid":
		data = []byte(diagram.RenderMermaid(model))
	case "svg":
		data, err = diagram.RenderImage(ctx, model, diagram.FormatSVG)
	case "png":
		data, err = diagram.RenderImage(ctx, model, diagram.FormatPNG)
	default:
		return fmt.Errorf("unsupported format %q", *format)
	}
	if err != nil {
		return err
	}

	if *out == "" {
		_, err = stdout.Write(data)
		return err
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", *out, err)
	}
	fmt.Fprintf(stdout, "written: %s (%d bytes)\n", *out, len(data))
	return nil
}
