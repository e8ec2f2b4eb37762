package chain

// CreationSteps returns the pipeline creation chain in execution order.
func CreationSteps() []Step {
	return []Step{
		Build{},
		ValidateAbilities{},
		ValidateRepository{},
		LimitRateLimit{},
		AssignPartition{},
		Skip{},
		ConfigContent{},
		ConfigProcess{},
		RemoveUnwantedChatJobs{},
		SeedBlock{},
		EvaluateWorkflowRules{},
		Seed{},
		LimitSize{},
		LimitActiveJobs{},
		LimitDeployments{},
		ValidateExternal{},
		Populate{},
		PopulateMetadata{},
		StopDryRun{},
		EnsureEnvironments{},
		EnsureResourceGroups{},
		Create{},
		LimitActivity{},
		CancelPendingPipelines{},
		Metrics{},
		PipelineProcess{},
	}
}

// NewCreationSequence creates the sequence used to create pipelines.
func NewCreationSequence() *Sequence {
	return NewSequence(CreationSteps()...)
}
