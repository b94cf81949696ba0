// Package orchestrator drives workflow runs through their state machine.
//
// The Engine executes the steps of an ExecutionPlan batch by batch:
//   - Checkpoints are written before and after every step
//   - Transient step errors are retried with exponential backoff
//   - Decisions a step needs are delegated to a Decider, and questions it
//     cannot answer confidently are escalated and the run is parked
//
// A parked run does not hold a goroutine. It continues when Resume is
// called or when the escalation coordinator signals ResumeEscalation.
//
// Example usage:
//
//	reg := orchestrator.NewRegistry()
//	reg.RegisterFunc("echo", echoStep)
//	eng, err := orchestrator.New(orchestrator.RequiredConfig{Store: db, Registry: reg},
//		orchestrator.WithDecider(decider),
//		orchestrator.WithEscalator(coord))
//	res, err := eng.Start(ctx, def, orchestrator.StartOptions{})
package orchestrator
