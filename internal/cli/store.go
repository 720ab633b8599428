package cli

import (
	"github.com/roach88/transformflow/internal/config"
	"github.com/roach88/transformflow/internal/engine"
	"github.com/roach88/transformflow/internal/store"
)

// openStore opens the instance store named by cfg.
func openStore(cfg *config.Config) (*store.Store, error) {
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

// policy returns the engine policy configured by cfg.
func policy(cfg *config.Config) engine.Policy {
	return engine.Policy{
		MaxAttempts:         cfg.Engine.MaxAttempts,
		MaxPlanRevisions:    cfg.Review.MaxPlanRevisions,
		MaxOutputRejections: cfg.Review.MaxOutputRejections,
	}
}

// readOnlyEngine opens an engine that answers queries and replays but
// never runs activities.
func readOnlyEngine(opts *RootOptions) (*engine.Engine, func(), error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	st, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	e := engine.New(st, nil, engine.WithPolicy(policy(cfg)))
	return e, func() { _ = st.Close() }, nil
}
