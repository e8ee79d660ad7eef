package scanner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ariefcatur/go-rental-cart/internal/logx"
	"go.uber.org/zap"
)

var ErrAlreadyStarted = errors.New("scanner already started")

// Listener runs a Decoder over a key stream and fans tokens out to
// subscribers. Its lifetime is Start..Stop, owned by whoever needs scanning.
type Listener struct {
	cfg Config
	log *zap.Logger

	mu      sync.Mutex
	subs    map[int]func(Token)
	nextSub int
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewListener(cfg Config, log *zap.Logger) *Listener {
	return &Listener{cfg: cfg.withDefaults(), log: logx.OrNop(log), subs: make(map[int]func(Token))}
}

func (l *Listener) Subscribe(fn func(Token)) (unsubscribe func()) {
	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = fn
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
	}
}

// Start consumes events until ctx ends, Stop is called or events is closed.
func (l *Listener) Start(ctx context.Context, events <-chan KeyEvent) error {
	l.mu.Lock()
	if l.done != nil {
		l.mu.Unlock()
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	done := l.done
	l.mu.Unlock()

	go l.run(ctx, events, done)
	return nil
}

// Stop ends the loop and waits for it. A pending burst is dropped.
func (l *Listener) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (l *Listener) run(ctx context.Context, events <-chan KeyEvent, done chan struct{}) {
	defer close(done)
	dec := NewDecoder(l.cfg)
	idle := time.NewTimer(time.Hour)
	idle.Stop()
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				if t, ok := dec.Flush(); ok {
					l.emit(t)
				}
				return
			}
			if ev.At.IsZero() {
				ev.At = time.Now()
			}
			for _, t := range dec.Feed(ev) {
				l.emit(t)
			}
			if dec.Pending() > 0 {
				idle.Reset(l.cfg.Gap)
			} else {
				idle.Stop()
			}
		case <-idle.C:
			if t, ok := dec.Flush(); ok {
				l.emit(t)
			}
		}
	}
}

func (l *Listener) emit(t Token) {
	l.mu.Lock()
	fns := make([]func(Token), 0, len(l.subs))
	for _, fn := range l.subs {
		fns = append(fns, fn)
	}
	l.mu.Unlock()

	l.log.Debug("scan", zap.String("token", t.Value))
	for _, fn := range fns {
		fn(t)
	}
}
