package engine

import "context"

// supervisor carries the stop signal of one actor. Stopping is idempotent;
// the actor observes Done at its next suspension point, and the on-exit
// callback runs exactly once after the actor goroutine returns.
type supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func newSupervisor() *supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &supervisor{ctx: ctx, cancel: cancel}
}

func (s *supervisor) Stop() {
	s.cancel()
}

func (s *supervisor) Done() <-chan struct{} {
	return s.ctx.Done()
}

func (s *supervisor) Context() context.Context {
	return s.ctx
}

// spawn runs the actor body on its own goroutine. The supervisor is stopped
// when the body returns so that handle holders see the actor as gone.
func (s *supervisor) spawn(run func(), onExit func()) {
	go func() {
		run()
		s.Stop()
		if onExit != nil {
			onExit()
		}
	}()
}
