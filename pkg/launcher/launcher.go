// Package launcher runs a fixed set of long-lived components together and
// reports the failure of the lowest-indexed component that failed.
package launcher

import (
	"context"
	"sync"
)

// Runner is one long-lived component. Run blocks until the component
// stops, returning why.
type Runner interface {
	Run() error
}

// RunAll runs all runners concurrently and blocks until every one of them
// has returned. If more than one fails, the error from the
// lowest-indexed runner wins, deterministic by position rather than by
// whichever happens to finish first.
func RunAll(runners ...Runner) error {
	results := make([]error, len(runners))

	var wg sync.WaitGroup
	wg.Add(len(runners))
	for i, r := range runners {
		i, r := i, r
		go func() {
			defer wg.Done()
			results[i] = r.Run()
		}()
	}
	wg.Wait()

	for _, err := range results {
		if err != nil {
			return err
		}
	}
	return nil
}

// RunnerFunc adapts a plain func() error into a Runner, the same way
// http.HandlerFunc adapts a plain func into an http.Handler.
type RunnerFunc func() error

func (f RunnerFunc) Run() error {
	return f()
}

// AsRunner converts a lambda func into a Runner.
func AsRunner(f func() error) Runner {
	return RunnerFunc(f)
}

// StartStopper is satisfied by every Start/Stop lifecycle component in
// this module: reporter.Reporter, hostsmanager.Manager, and the like.
type StartStopper interface {
	Start()
	Stop()
}

// FromStartStopper adapts a Start/Stop component into a Runner: it starts
// the component, blocks until ctx is cancelled, stops the component, and
// returns ctx.Err(). This is what lets reporters and the hosts manager —
// none of which have a blocking Run of their own — sit in the same
// RunAll call as anything that does.
func FromStartStopper(ctx context.Context, s StartStopper) Runner {
	return AsRunner(func() error {
		s.Start()
		<-ctx.Done()
		s.Stop()
		return ctx.Err()
	})
}
