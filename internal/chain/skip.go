package chain

import (
	"context"
	"regexp"

	"github.com/jackvz/gitlab-foss/internal/core/domain"
)

// DefaultPartitionID is the partition new pipelines land in when nothing
// else is configured.
const DefaultPartitionID int64 = 100

// AssignPartition picks the storage partition of the pipeline. Child
// pipelines stay in the partition of their parent.
type AssignPartition struct{ neverBreak }

func (AssignPartition) Name() string { return "AssignPartition" }

func (AssignPartition) Perform(_ context.Context, p *domain.Pipeline, cmd *Command) error {
	switch {
	case cmd.ParentPipeline != nil:
		cmd.PartitionID = cmd.ParentPipeline.PartitionID
	case cmd.PartitionID == 0:
		cmd.PartitionID = DefaultPartitionID
	}
	p.PartitionID = cmd.PartitionID
	return nil
}

var skipPattern = regexp.MustCompile(`(?i)\[(ci[ _-]skip|skip[ _-]ci)\]`)

// Skip stops the chain for commits that ask CI to be skipped.
type Skip struct{}

func (Skip) Name() string { return "Skip" }

func (s Skip) Perform(ctx context.Context, p *domain.Pipeline, cmd *Command) error {
	skipped, err := s.skipped(ctx, cmd)
	if err != nil || !skipped {
		return err
	}
	if cmd.SaveIncompleted {
		p.Skip(cmd.now())
		return save(ctx, p, cmd)
	}
	return nil
}

func (s Skip) Break(p *domain.Pipeline, cmd *Command) bool {
	skipped, _ := s.skipped(context.Background(), cmd)
	return skipped
}

func (Skip) skipped(ctx context.Context, cmd *Command) (bool, error) {
	if cmd.IgnoreSkipCI {
		return false, nil
	}
	for _, opt := range cmd.PushOptions {
		if opt == "ci.skip" {
			return true, nil
		}
	}
	commit, err := cmd.Commit(ctx)
	if err != nil || commit == nil {
		return false, err
	}
	return skipPattern.MatchString(commit.Message), nil
}
