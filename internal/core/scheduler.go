package core

// Scheduler expands the declared matrix into independent job
// instances. Expansion is static: a validated matrix cannot fail to
// expand, and the resulting instances have no data dependency on one
// another, so they are safe to run fully in parallel.
type Scheduler struct{}

// NewScheduler creates a new scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Expand maps every matrix entry to a fresh job instance.
func (s *Scheduler) Expand(pipeline *Pipeline) []*JobInstance {
	instances := make([]*JobInstance, 0, len(pipeline.Matrix))
	for _, entry := range pipeline.Matrix {
		instances = append(instances, newJobInstance(entry))
	}
	return instances
}
