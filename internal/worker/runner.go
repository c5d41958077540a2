package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Runner runs a named set of workers concurrently and shuts them down
// cooperatively when ctx is canceled.
type Runner struct {
	log     *zerolog.Logger
	workers []Worker
}

// NewRunner builds a runner over the registered workers.
func NewRunner(logger *zerolog.Logger, workers ...Worker) *Runner {
	return &Runner{log: logger, workers: workers}
}

// resolve maps requested names to workers. Unknown names are warned about
// and skipped; "all" selects every registered worker.
func (r *Runner) resolve(names []string) []Worker {
	byName := make(map[string]Worker, len(r.workers))
	for _, w := range r.workers {
		byName[w.Name()] = w
	}

	var selected []Worker
	seen := make(map[string]bool)
	for _, name := range names {
		if name == "all" {
			return r.workers
		}
		w, ok := byName[name]
		if !ok {
			r.log.Warn().Str("worker", name).Msg("unknown worker, skipping")
			continue
		}
		if !seen[name] {
			selected = append(selected, w)
			seen[name] = true
		}
	}
	return selected
}

// Run starts the selected workers and blocks until all have stopped. An
// Init failure is unrecoverable: it cancels the whole run rather than
// leaving a half-initialized worker fleet behind.
func (r *Runner) Run(ctx context.Context, names []string) error {
	selected := r.resolve(names)
	if len(selected) == 0 {
		return fmt.Errorf("no valid workers selected from %v", names)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, len(selected))

	for _, w := range selected {
		wg.Add(1)
		go func(w Worker) {
			defer wg.Done()
			if err := r.runOne(ctx, w); err != nil {
				errs <- fmt.Errorf("worker %s: %w", w.Name(), err)
				cancel()
			}
		}(w)
	}

	wg.Wait()
	close(errs)
	return <-errs
}

func (r *Runner) runOne(ctx context.Context, w Worker) error {
	st, _ := w.(stateful)

	if st != nil {
		st.transition(StateInitializing)
	}
	r.log.Info().Str("worker", w.Name()).Msg("worker initializing")

	if err := w.Init(ctx); err != nil {
		if st != nil {
			st.transition(StateStopped)
		}
		return fmt.Errorf("init: %w", err)
	}

	if st != nil {
		st.transition(StateRunning)
		go func() {
			<-ctx.Done()
			if st.State() == StateRunning {
				st.transition(StateShuttingDown)
			}
		}()
	}
	r.log.Info().Str("worker", w.Name()).Msg("worker running")

	err := w.Process(ctx)

	if closeErr := w.Close(); closeErr != nil {
		r.log.Warn().Err(closeErr).Str("worker", w.Name()).Msg("worker close failed")
	}
	if st != nil {
		st.transition(StateStopped)
	}
	r.log.Info().Str("worker", w.Name()).Msg("worker stopped")

	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
