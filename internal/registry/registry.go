package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/nguyentranbao-ct/chat-client/pkg/logger"
	"github.com/nguyentranbao-ct/chat-client/pkg/util"
)

var (
	callsTotal   = util.MustCounterVec("registry_calls_total", "outcome")
	callDuration = util.MustHistogramVec("registry_call_duration_seconds", "kind")
	retriesTotal = util.MustCounterVec("registry_retries_total", "kind")
)

// Registry deduplicates concurrent request/response calls by key. At most
// one underlying call per key runs at any instant; the key is forgotten as
// soon as that call settles, nothing is cached afterwards.
type Registry struct {
	group singleflight.Group
	log   *zap.SugaredLogger

	mu     sync.Mutex
	latest map[string]*supersedeEntry
	seq    uint64
}

type supersedeEntry struct {
	id     uint64
	cancel context.CancelCauseFunc
}

func New() *Registry {
	return &Registry{
		log:    logger.MustNamed("registry"),
		latest: make(map[string]*supersedeEntry),
	}
}

// Do runs fn under key, or joins the call already outstanding for key.
//
// The initiating caller's ctx is the cancellation token of the underlying
// call: when it ends, every caller observes ErrCancelled. A joining caller
// whose own ctx ends stops waiting with ErrCancelled and leaves the call
// running for the others.
func (r *Registry) Do(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (any, error) {
	if err := ctx.Err(); err != nil {
		callsTotal.WithLabelValues("cancelled").Inc()
		return nil, cancelled(err)
	}

	ch := r.group.DoChan(key, func() (any, error) {
		callsTotal.WithLabelValues("started").Inc()
		start := time.Now()
		v, err := fn(ctx)
		if err != nil && ctx.Err() != nil {
			err = cancelled(ctx.Err())
		}
		kind := "ok"
		if err != nil {
			kind = Classify(err).String()
		}
		callDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
		return v, err
	})

	select {
	case res := <-ch:
		if res.Shared {
			callsTotal.WithLabelValues("shared").Inc()
		}
		if res.Err != nil {
			if IsCancelled(res.Err) {
				callsTotal.WithLabelValues("cancelled").Inc()
			}
			return nil, res.Err
		}
		return res.Val, nil
	case <-ctx.Done():
		callsTotal.WithLabelValues("cancelled").Inc()
		r.log.Debugw("caller stopped waiting", "key", key)
		return nil, cancelled(ctx.Err())
	}
}

// Supersede runs fn under key after cancelling the previous Supersede call
// for the same key, so a stale request never races a fresher one. The
// superseded caller gets ErrSuperseded.
func (r *Registry) Supersede(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (any, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	r.mu.Lock()
	if prev, ok := r.latest[key]; ok {
		prev.cancel(ErrSuperseded)
		r.log.Debugw("superseded in-flight request", "key", key)
	}
	r.seq++
	entry := &supersedeEntry{id: r.seq, cancel: cancel}
	r.latest[key] = entry
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		if cur, ok := r.latest[key]; ok && cur.id == entry.id {
			delete(r.latest, key)
		}
		r.mu.Unlock()
	}()

	v, err := fn(ctx)
	if err != nil && ctx.Err() != nil {
		if errors.Is(context.Cause(ctx), ErrSuperseded) {
			return nil, ErrSuperseded
		}
		return nil, cancelled(ctx.Err())
	}
	return v, err
}

// Deduped is the typed form of Registry.Do. Callers sharing a call receive
// the same value and must not mutate it.
func Deduped[T any](ctx context.Context, r *Registry, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	v, err := r.Do(ctx, key, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	t, _ := v.(T)
	return t, nil
}

// Latest is the typed form of Registry.Supersede.
func Latest[T any](ctx context.Context, r *Registry, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	v, err := r.Supersede(ctx, key, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	t, _ := v.(T)
	return t, nil
}
