package media

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"harei/backend"
	"harei/models"
)

// Stage is one progressive loading lifecycle. Starting a stage again cancels
// the fetches of its previous run.
type Stage int

const (
	StageThumbs Stage = iota
	StageMedium
	StageOriginal
)

func (s Stage) String() string {
	switch s {
	case StageThumbs:
		return "thumbs"
	case StageMedium:
		return "medium"
	case StageOriginal:
		return "original"
	}
	return "unknown"
}

// Result is reported once per attempted ref.
type Result struct {
	Stage Stage
	Ref   Ref
	Blob  *Blob
	Err   error
}

// Loader feeds a Cache: thumbnails eagerly for every record, the medium
// rendition for the selected record and originals only on request.
type Loader struct {
	cache       *Cache
	logger      *zap.Logger
	base        context.Context
	concurrency int
	notify      func(Result)

	mu      sync.Mutex
	cancels map[Stage]context.CancelFunc
	wg      sync.WaitGroup
}

// NewLoader binds a loader to ctx; cancelling ctx aborts every stage.
// notify, if set, is called from loader goroutines after each attempt.
func NewLoader(ctx context.Context, cache *Cache, notify func(Result), logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		cache:       cache,
		logger:      logger,
		base:        ctx,
		concurrency: 4,
		notify:      notify,
		cancels:     make(map[Stage]context.CancelFunc),
	}
}

// Thumbs starts loading every thumbnail of records.
func (l *Loader) Thumbs(records []models.Record) {
	var refs []Ref
	for _, r := range records {
		for _, path := range r.Thumbs {
			refs = append(refs, Ref{Fidelity: backend.Thumb, Path: path})
		}
	}
	l.run(StageThumbs, refs)
}

// Medium starts loading the medium renditions of record.
func (l *Loader) Medium(record models.Record) {
	refs := make([]Ref, 0, len(record.Medium))
	for _, path := range record.Medium {
		refs = append(refs, Ref{Fidelity: backend.Medium, Path: path})
	}
	l.run(StageMedium, refs)
}

// Original starts loading one original rendition.
func (l *Loader) Original(path string) {
	l.run(StageOriginal, []Ref{{Fidelity: backend.Original, Path: path}})
}

// Cancel aborts the current run of a stage.
func (l *Loader) Cancel(s Stage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cancel := l.cancels[s]; cancel != nil {
		cancel()
		delete(l.cancels, s)
	}
}

// Stop aborts every stage and waits for their goroutines to exit.
func (l *Loader) Stop() {
	l.mu.Lock()
	for s, cancel := range l.cancels {
		cancel()
		delete(l.cancels, s)
	}
	l.mu.Unlock()
	l.wg.Wait()
}

// Wait blocks until every started run has finished.
func (l *Loader) Wait() {
	l.wg.Wait()
}

func (l *Loader) begin(s Stage) context.Context {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cancel := l.cancels[s]; cancel != nil {
		cancel()
	}
	ctx, cancel := context.WithCancel(l.base)
	l.cancels[s] = cancel
	return ctx
}

func (l *Loader) run(s Stage, refs []Ref) {
	ctx := l.begin(s)
	var pending []Ref
	for _, ref := range refs {
		if _, ok := l.cache.Lookup(ref); !ok {
			pending = append(pending, ref)
		}
	}
	if len(pending) == 0 {
		return
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		var g errgroup.Group
		g.SetLimit(l.concurrency)
		for _, ref := range pending {
			g.Go(func() error {
				blob, err := l.cache.Get(ctx, ref)
				if err != nil {
					if ctx.Err() != nil || errors.Is(err, ErrReleased) {
						return nil
					}
					l.logger.Warn("Image unavailable", zap.Stringer("stage", s), zap.Stringer("ref", ref), zap.Error(err))
				}
				if l.notify != nil {
					l.notify(Result{Stage: s, Ref: ref, Blob: blob, Err: err})
				}
				return nil
			})
		}
		_ = g.Wait()
	}()
}
