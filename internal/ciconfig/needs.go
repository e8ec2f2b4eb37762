package ciconfig

import (
	"errors"

	"github.com/dominikbraun/graph"
)

// validateNeeds checks that every need names a job of the configuration
// and that the needs graph has no cycles.
func (l *loader) validateNeeds(cfg *Config) {
	g := graph.New(graph.StringHash, graph.Directed(), graph.PreventCycles())
	for _, job := range cfg.Jobs {
		_ = g.AddVertex(job.Name)
	}

	cyclic := false
	for _, job := range cfg.Jobs {
		for _, need := range job.Needs {
			needed := cfg.Job(need.Job)
			if needed == nil {
				if !need.Optional {
					l.errorf("jobs:%s:needs undefined need: %s", job.Name, need.Job)
				}
				continue
			}
			if cfg.StageIndex(needed.Stage) > cfg.StageIndex(job.Stage) {
				l.errorf("jobs:%s:needs need %s must be in the same or an earlier stage", job.Name, need.Job)
				continue
			}
			err := g.AddEdge(need.Job, job.Name)
			if errors.Is(err, graph.ErrEdgeCreatesCycle) {
				cyclic = true
			}
		}
	}
	if cyclic {
		l.errorf("The pipeline has circular dependencies")
	}
}
