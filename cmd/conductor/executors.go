package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ShayCichocki/conductor/internal/exec"
	"github.com/ShayCichocki/conductor/internal/orchestrator"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// builtinRegistry returns the actions available to workflow files.
func builtinRegistry() *orchestrator.Registry {
	reg := orchestrator.NewRegistry()
	reg.RegisterFunc("echo", echoAction)
	reg.RegisterFunc("decide", decideAction)
	reg.RegisterFunc("shell", shellAction(exec.NewRunner()))
	return reg
}

// echoAction returns its inputs as outputs.
func echoAction(_ context.Context, inputs map[string]models.Value, _ orchestrator.RunContext) (orchestrator.StepResult, error) {
	return orchestrator.StepResult{Outputs: models.CloneValues(inputs)}, nil
}

// decideAction asks the question input and exposes the answer as the
// decision output. Remaining inputs become decision context.
//
//	inputs: question (required), key (default "answer"), category
func decideAction(_ context.Context, inputs map[string]models.Value, rc orchestrator.RunContext) (orchestrator.StepResult, error) {
	question, ok := inputs["question"].AsString()
	if !ok || strings.TrimSpace(question) == "" {
		return orchestrator.StepResult{}, orchestrator.Permanent(errors.New("decide: input \"question\" must be a non-empty string"))
	}
	key := "answer"
	if k, ok := inputs["key"].AsString(); ok && k != "" {
		key = k
	}

	if v, ok := rc.Decision(key); ok {
		return orchestrator.StepResult{Outputs: map[string]models.Value{"decision": v}}, nil
	}

	dctx := make(map[string]models.Value)
	for name, v := range inputs {
		switch name {
		case "question", "key", "category":
			continue
		}
		dctx[name] = v
	}
	res := orchestrator.NeedDecision(key, question, dctx)
	if c, ok := inputs["category"].AsString(); ok {
		res.NeedsDecision.Category = c
	}
	return res, nil
}

// shellAction runs the command input with sh in the run workspace.
// Exit code 75 (EX_TEMPFAIL) is reported as a transient failure.
//
//	inputs: command (required)
//	outputs: stdout, exit_code
func shellAction(runner exec.CommandRunner) orchestrator.StepFunc {
	return func(ctx context.Context, inputs map[string]models.Value, rc orchestrator.RunContext) (orchestrator.StepResult, error) {
		command, ok := inputs["command"].AsString()
		if !ok || command == "" {
			return orchestrator.StepResult{}, orchestrator.Permanent(errors.New("shell: input \"command\" must be a non-empty string"))
		}

		res, err := runner.RunShell(ctx, exec.Command{
			Script: command,
			Dir:    rc.Workspace.Path,
			Env: []string{
				"CONDUCTOR_RUN_ID=" + rc.RunID,
				"CONDUCTOR_STEP_ID=" + rc.StepID,
				fmt.Sprintf("CONDUCTOR_ATTEMPT=%d", rc.Attempt),
			},
		})
		if err != nil {
			if ctx.Err() != nil {
				return orchestrator.StepResult{}, ctx.Err()
			}
			return orchestrator.StepResult{}, fmt.Errorf("shell: %w", err)
		}
		if res.ExitCode != 0 {
			msg := fmt.Errorf("shell: exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
			if res.ExitCode == 75 {
				return orchestrator.StepResult{}, orchestrator.Transient(msg)
			}
			return orchestrator.StepResult{}, orchestrator.Permanent(msg)
		}

		return orchestrator.StepResult{Outputs: map[string]models.Value{
			"stdout":    models.StringValue(strings.TrimRight(res.Stdout, "\n")),
			"exit_code": models.NumberValue(0),
		}}, nil
	}
}
