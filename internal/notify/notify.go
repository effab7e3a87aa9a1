// Package notify delivers approval notifications over named channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/msageha/taskvault/internal/logging"
)

var ErrUnknownChannel = errors.New("unknown notification channel")

// Notifier sends one message on one channel. Failures are returned, never retried
// by the caller's timers.
type Notifier interface {
	Notify(ctx context.Context, channel, message string) error
}

// Router dispatches to the transport registered under each channel name.
type Router struct {
	mu         sync.RWMutex
	transports map[string]Notifier
}

func NewRouter() *Router {
	return &Router{transports: make(map[string]Notifier)}
}

func (r *Router) Register(channel string, n Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[channel] = n
}

func (r *Router) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.transports))
	for c := range r.transports {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func (r *Router) Has(channel string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.transports[channel]
	return ok
}

func (r *Router) Notify(ctx context.Context, channel, message string) error {
	r.mu.RLock()
	n, ok := r.transports[channel]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}
	return n.Notify(ctx, channel, message)
}

// Log writes notifications to the component log; always available.
type Log struct {
	logger *logging.Logger
}

func NewLog(logger *logging.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Notify(_ context.Context, channel, message string) error {
	l.logger.Infof("notify channel=%s message=%q", channel, message)
	return nil
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, channel, message string) error

func (f Func) Notify(ctx context.Context, channel, message string) error {
	return f(ctx, channel, message)
}
