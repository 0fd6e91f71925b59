// Package orchestrator runs a team of role-bound workers against one goal.
//
// A run plans the goal into a roster and an ordered list of steps, spawns one
// worker per roster role, waits for the workers to report ready, then
// dispatches the steps one at a time through the mailbox. Each step goes to
// the first worker whose role matches the step's agent. Steps without a
// matching worker are skipped. Workers are always terminated before Run
// returns, including when the context is canceled.
//
// Example usage:
//
//	spawner, err := orchestrator.NewExecSpawner(logDir, logger)
//	orch, err := orchestrator.New(orchestrator.RequiredConfig{
//		Mailbox: mb,
//		Spawner: spawner,
//		Planner: planner.New(client, logger),
//	}, orchestrator.WithStepTimeout(5*time.Minute))
//	report, err := orch.Run(ctx, "Build a landing page")
package orchestrator
