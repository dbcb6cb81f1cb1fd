package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/rendis/flowgate/internal/expressions"
	"github.com/rendis/flowgate/internal/validation"
	"github.com/rendis/flowgate/pkg/schema"
)

func readDefinition(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &def, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Validate workflow definition files",
		ArgsUsage: "<file.json>...",
		Action: func(_ context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() == 0 {
				return fmt.Errorf("at least one definition file is required")
			}
			engines, err := expressions.NewEngines()
			if err != nil {
				return err
			}
			v, err := validation.NewWorkflowValidator(engines)
			if err != nil {
				return err
			}

			failed := 0
			for _, path := range cmd.Args().Slice() {
				def, err := readDefinition(path)
				if err != nil {
					return err
				}
				result := v.Validate(def)
				for _, w := range result.Warnings {
					fmt.Printf("%s: warning: %s: %s\n", path, w.Path, w.Message)
				}
				for _, e := range result.Errors {
					fmt.Printf("%s: error: %s: %s\n", path, e.Path, e.Message)
				}
				if !result.Valid() {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d definitions are invalid", failed, cmd.Args().Len())
			}
			return nil
		},
	}
}

func importCommand() *cli.Command {
	return &cli.Command{
		Name:      "import",
		Usage:     "Validate and store workflow definitions, replacing existing ones with the same id",
		ArgsUsage: "<file.json>...",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "activate", Usage: "Mark the imported workflows active"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withRuntime(ctx, cmd, func(ctx context.Context, r *runtime) error {
				for _, path := range cmd.Args().Slice() {
					def, err := readDefinition(path)
					if err != nil {
						return err
					}
					if err := r.validator.ValidateDefinition(def); err != nil {
						return fmt.Errorf("%s: %w", path, err)
					}
					if cmd.Bool("activate") {
						def.IsActive = true
					}

					_, err = r.store.GetWorkflow(ctx, def.ID)
					switch {
					case schema.IsCode(err, schema.ErrCodeNotFound):
						err = r.store.CreateWorkflow(ctx, def)
					case err == nil:
						err = r.store.UpdateWorkflow(ctx, def)
						if err == nil {
							err = r.store.SetWorkflowActive(ctx, def.ID, def.IsActive)
						}
					}
					if err != nil {
						return fmt.Errorf("%s: %w", path, err)
					}
					fmt.Printf("imported %s (%s)\n", def.ID, def.Name)
				}
				return nil
			})
		},
	}
}

func triggerCommand() *cli.Command {
	return &cli.Command{
		Name:      "trigger",
		Usage:     "Start a manual execution and print where it stopped",
		ArgsUsage: "<workflow-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "payload", Usage: "Trigger payload as JSON", Value: "{}"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			workflowID := cmd.Args().First()
			if workflowID == "" {
				return fmt.Errorf("workflow id is required")
			}
			var payload any
			if err := json.Unmarshal([]byte(cmd.String("payload")), &payload); err != nil {
				return fmt.Errorf("invalid payload: %w", err)
			}
			return withRuntime(ctx, cmd, func(ctx context.Context, r *runtime) error {
				exec, err := r.triggers.Manual(ctx, workflowID, payload)
				if err != nil {
					return err
				}
				return printJSON(exec)
			})
		},
	}
}

func sweepCommand() *cli.Command {
	at := func() cli.Flag {
		return &cli.StringFlag{Name: "at", Usage: "Sweep time in RFC 3339 (default now)"}
	}
	sweepTime := func(cmd *cli.Command) (time.Time, error) {
		if !cmd.IsSet("at") {
			return time.Now(), nil
		}
		return time.Parse(time.RFC3339, cmd.String("at"))
	}

	return &cli.Command{
		Name:  "sweep",
		Usage: "Run one sweep, for use from an external scheduler",
		Commands: []*cli.Command{
			{
				Name:  "schedules",
				Usage: "Start every scheduled workflow that is due",
				Flags: []cli.Flag{at()},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					now, err := sweepTime(cmd)
					if err != nil {
						return err
					}
					return withRuntime(ctx, cmd, func(ctx context.Context, r *runtime) error {
						results, err := r.triggers.RunScheduled(ctx, now)
						if err != nil {
							return err
						}
						r.engine.Wait()
						return printJSON(results)
					})
				},
			},
			{
				Name:  "timeouts",
				Usage: "Expire approval requests past their deadline",
				Flags: []cli.Flag{at()},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					now, err := sweepTime(cmd)
					if err != nil {
						return err
					}
					return withRuntime(ctx, cmd, func(ctx context.Context, r *runtime) error {
						results, err := r.engine.ProcessApprovalTimeouts(ctx, now)
						if err != nil {
							return err
						}
						return printJSON(results)
					})
				},
			},
		},
	}
}
