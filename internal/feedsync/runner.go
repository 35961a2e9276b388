package feedsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/bookerly/recsync/internal/recsync"
)

type RunnerOptions struct {
	Scopes    []recsync.Scope
	PageLimit int
	Push      *PushConsumer
	Logger    Logger
}

// Runner drives the engine from the two network input sources: it hydrates
// the configured scopes from the paginated retrieval endpoint and pumps the
// push channel into the engine. The two sources stay independent; a slow
// hydration never blocks push deltas, the reconciler's version comparison
// resolves whatever order responses land in.
type Runner struct {
	client    RemoteClient
	engine    *recsync.Engine
	scopes    []recsync.Scope
	pageLimit int
	push      *PushConsumer
	logger    Logger
}

func NewRunner(client RemoteClient, engine *recsync.Engine, opts RunnerOptions) (*Runner, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	scopes := opts.Scopes
	if len(scopes) == 0 {
		for _, category := range recsync.Categories() {
			for _, filter := range recsync.Filters() {
				scopes = append(scopes, recsync.Scope{Category: category, Filter: filter})
			}
		}
	}
	pageLimit := opts.PageLimit
	if pageLimit <= 0 {
		pageLimit = 20
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	return &Runner{
		client:    client,
		engine:    engine,
		scopes:    scopes,
		pageLimit: pageLimit,
		push:      opts.Push,
		logger:    logger,
	}, nil
}

// HydrateScope retrieves every page for one scope and feeds it to the
// engine. Each request carries a fresh token, so a response superseded by a
// later view switch is discarded on arrival rather than applied stale.
func (r *Runner) HydrateScope(ctx context.Context, scope recsync.Scope) error {
	page := 1
	for {
		token := r.engine.NextToken(scope)
		resp, err := r.client.ListPage(ctx, scope.Category, scope.Filter, page, r.pageLimit)
		if err != nil {
			return fmt.Errorf("hydrate %s page %d: %w", scope.Key(), page, err)
		}
		if err := r.engine.OnHydrate(scope.Category, scope.Filter, page, token, resp); err != nil {
			if errors.Is(err, recsync.ErrStaleResponse) {
				return nil
			}
			return err
		}
		if !r.engine.Cursor(scope).HasMore {
			return nil
		}
		page++
	}
}

func (r *Runner) HydrateAll(ctx context.Context) error {
	for _, scope := range r.scopes {
		if err := r.HydrateScope(ctx, scope); err != nil {
			return err
		}
	}
	return nil
}

// Run performs the initial hydration and then blocks consuming the push
// channel until ctx is cancelled. Hydration failures are logged, not fatal:
// the push channel still converges the store once connectivity returns.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.HydrateAll(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.logger.Printf("initial hydration incomplete: %v", err)
	}
	if r.push == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return r.push.Run(ctx)
}

// AckSender adapts the remote client into the engine's ack delivery hook.
func (r *Runner) AckSender() recsync.AckSenderFunc {
	return func(ctx context.Context, ack recsync.SeenAck) error {
		return r.client.AckSeen(ctx, ack)
	}
}

// AckSenderFor exposes ack delivery without constructing a Runner, for
// wiring the engine before the runner exists.
func AckSenderFor(client RemoteClient) recsync.AckSenderFunc {
	return func(ctx context.Context, ack recsync.SeenAck) error {
		return client.AckSeen(ctx, ack)
	}
}
