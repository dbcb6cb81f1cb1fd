package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	cli "github.com/urfave/cli/v3"

	"github.com/rendis/flowgate/internal/diagram"
	"github.com/rendis/flowgate/pkg/schema"
)

func diagramCommand() *cli.Command {
	return &cli.Command{
		Name:      "diagram",
		Usage:     "Render a workflow graph, optionally colored by the outcome of one execution",
		ArgsUsage: "<workflow-id | file.json>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "execution", Usage: "Overlay the step results of this execution"},
			&cli.StringFlag{Name: "format", Usage: "Output format (mermaid, png)", Value: "mermaid"},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "Write to a file instead of stdout"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			format := cmd.String("format")
			if format != "mermaid" && format != "png" {
				return fmt.Errorf("unknown format %q", format)
			}
			target := cmd.Args().First()
			execID := cmd.String("execution")
			if target == "" && execID == "" {
				return fmt.Errorf("a workflow id, a definition file or --execution is required")
			}

			var (
				def     *schema.WorkflowDefinition
				results []*schema.StepResult
			)
			if strings.HasSuffix(target, ".json") && execID == "" {
				var err error
				if def, err = readDefinition(target); err != nil {
					return err
				}
			} else {
				err := withRuntime(ctx, cmd, func(ctx context.Context, r *runtime) error {
					var err error
					def, results, err = loadDiagramSource(ctx, r, target, execID)
					return err
				})
				if err != nil {
					return err
				}
			}

			model, err := diagram.Build(def, results)
			if err != nil {
				return err
			}

			var out []byte
			if format == "png" {
				if out, err = diagram.RenderImage(ctx, model); err != nil {
					return err
				}
			} else {
				out = []byte(diagram.RenderMermaid(model))
			}

			if path := cmd.String("output"); path != "" {
				return os.WriteFile(path, out, 0o644)
			}
			_, err = os.Stdout.Write(out)
			return err
		},
	}
}

// loadDiagramSource resolves the definition to draw. An execution is drawn
// against the definition it ran with.
func loadDiagramSource(ctx context.Context, r *runtime, workflowID, execID string) (*schema.WorkflowDefinition, []*schema.StepResult, error) {
	if execID == "" {
		def, err := r.store.GetWorkflow(ctx, workflowID)
		return def, nil, err
	}

	exec, err := r.engine.GetExecution(ctx, execID)
	if err != nil {
		return nil, nil, err
	}
	if workflowID != "" && workflowID != exec.WorkflowID {
		return nil, nil, fmt.Errorf("execution %s belongs to workflow %s", execID, exec.WorkflowID)
	}
	results, err := r.engine.ListStepResults(ctx, execID)
	if err != nil {
		return nil, nil, err
	}
	def := exec.Definition
	if def == nil {
		if def, err = r.store.GetWorkflow(ctx, exec.WorkflowID); err != nil {
			return nil, nil, err
		}
	}
	return def, results, nil
}
