// Package chain creates pipelines through an ordered chain of steps.
//
// Every step receives the in-progress pipeline and the creation Command and
// may stop the chain. Steps never run concurrently and never retry.
//
// # Failures
//
// A step reports a validation failure by recording a message on the
// pipeline and marking it failed:
//
//	Perform -> fail(ctx, pipeline, cmd, "Reference not found", "")
//	Break   -> pipeline.HasErrors()
//
// Whether the failed pipeline is written to storage depends on the failure
// reason and Command.SaveIncompleted. Pipelines filtered out by rules or
// workflow rules are never written.
//
// A Go error returned by Perform means the chain could not run at all (for
// example the store is unreachable) and is returned by Sequence.Build.
//
// # Order
//
//	Build, Validate::Abilities, Validate::Repository, Limit::RateLimit,
//	AssignPartition, Skip, Config::Content, Config::Process,
//	RemoveUnwantedChatJobs, SeedBlock, EvaluateWorkflowRules, Seed,
//	Limit::Size, Limit::ActiveJobs, Limit::Deployments, Validate::External,
//	Populate, PopulateMetadata, StopDryRun, EnsureEnvironments,
//	EnsureResourceGroups, Create, Limit::Activity, CancelPendingPipelines,
//	Metrics, Pipeline::Process
package chain
