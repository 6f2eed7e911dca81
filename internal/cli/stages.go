package cli

import (
	"context"
	"time"

	"github.com/roach88/stravasync/internal/compact"
	"github.com/roach88/stravasync/internal/pull"
	"github.com/roach88/stravasync/internal/reconcile"
	"github.com/roach88/stravasync/internal/upstream"
	"github.com/roach88/stravasync/internal/warehouse"
)

// Stage runners shared by the single-stage commands and flow.

// compactOnce runs one compaction. A zero lockTTL keeps the configured one.
func compactOnce(ctx context.Context, env *environment, wh *warehouse.Store, lockTTL time.Duration) (compact.Result, error) {
	ttl := env.cfg.LockTTL
	if lockTTL > 0 {
		ttl = lockTTL
	}
	engineOpts := []compact.Option{
		compact.WithLogger(env.logger),
		compact.WithClock(env.now),
		compact.WithLockTTL(ttl),
	}
	if env.opts.RunIDs != nil {
		engineOpts = append(engineOpts, compact.WithRunIDGenerator(env.opts.RunIDs))
	}
	return compact.NewEngine(env.shards, wh, engineOpts...).Compact(ctx)
}

func pullOnce(ctx context.Context, env *environment, client Upstream, budget *upstream.Budget, popts pull.Options) (pull.Result, error) {
	puller := pull.NewPuller(env.shards, env.selector(), upstream.ListWithBudget(client, budget),
		pull.WithLogger(env.logger),
		pull.WithClock(env.now),
		pull.WithFormat(env.cfg.ShardFormat),
		pull.WithOwnerResolver(client),
	)
	return puller.Pull(ctx, popts)
}

func reconcileOnce(ctx context.Context, env *environment, wh *warehouse.Store, client Upstream, budget *upstream.Budget, includeEfforts bool, ropts reconcile.Options) (reconcile.Result, error) {
	eng := reconcile.NewEngine(wh, upstream.WithBudget(client, budget),
		reconcile.WithLogger(env.logger),
		reconcile.WithClock(env.now),
		reconcile.WithEfforts(includeEfforts),
		reconcile.WithBronzeDir(env.cfg.DetailBronzeDir),
	)
	return eng.Reconcile(ctx, ropts)
}
