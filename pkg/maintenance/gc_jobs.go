package maintenance

import (
	"context"
	"time"
)

// GCStore is any component that needs its own periodic sweep: the
// challenge/verification token stores trim expired entries this way instead
// of relying on a TTL index like a durable store would have.
type GCStore interface {
	GC(ctx context.Context)
}

// GCJob adapts a GCStore into a common.PeriodicJob so it can run alongside
// the other maintenance jobs without its own locking: these sweeps are cheap
// and idempotent, so running them redundantly across instances is harmless,
// unlike the locked jobs in jobs.go that touch shared Postgres state.
type GCJob struct {
	Store       GCStore
	JobName     string
	RunInterval time.Duration
}

func (j *GCJob) Interval() time.Duration { return j.RunInterval }
func (j *GCJob) Jitter() time.Duration   { return j.RunInterval / 4 }
func (j *GCJob) Name() string            { return j.JobName }
func (j *GCJob) NewParams() any          { return struct{}{} }

func (j *GCJob) RunOnce(ctx context.Context, _ any) error {
	j.Store.GC(ctx)
	return nil
}

// FuncGCJob adapts stores whose GC signature carries extra arguments the
// generic GCStore interface doesn't (the session store and the policy
// filter): each is wrapped in a closure rather than changing its signature
// to fit.
type FuncGCJob struct {
	Fn          func(ctx context.Context)
	JobName     string
	RunInterval time.Duration
}

func (j *FuncGCJob) Interval() time.Duration { return j.RunInterval }
func (j *FuncGCJob) Jitter() time.Duration   { return j.RunInterval / 4 }
func (j *FuncGCJob) Name() string            { return j.JobName }
func (j *FuncGCJob) NewParams() any          { return struct{}{} }

func (j *FuncGCJob) RunOnce(ctx context.Context, _ any) error {
	j.Fn(ctx)
	return nil
}
