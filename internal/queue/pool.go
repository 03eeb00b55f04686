package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrBackendUnavailable is returned whenever the queue backend cannot be reached. Callers fall
// back to synchronous execution instead of failing the request.
var ErrBackendUnavailable = errors.New("queue backend unavailable")

// Pool owns the single Redis connection pool of a process. It dials lazily on first use and
// makes exactly one connect attempt; after a failed attempt every call short-circuits. Outages
// after a successful connect are reported per call as ErrBackendUnavailable but do not trip the
// breaker, since the client redials on its own once Redis is back.
type Pool struct {
	url            string
	connectTimeout time.Duration

	mu      sync.Mutex
	client  *redis.Client
	tripped bool
	cause   error
}

// NewPool builds a pool for url. An empty url disables the backend.
func NewPool(url string, connectTimeout time.Duration) *Pool {
	if connectTimeout <= 0 {
		connectTimeout = 3 * time.Second
	}
	return &Pool{url: url, connectTimeout: connectTimeout}
}

// Client returns the shared client, connecting on the first call.
func (p *Pool) Client(ctx context.Context) (*redis.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		return p.client, nil
	}
	if p.tripped {
		return nil, ErrBackendUnavailable
	}
	if p.url == "" {
		p.trip(errors.New("REDIS_URL not configured"))
		return nil, ErrBackendUnavailable
	}

	opts, err := redis.ParseURL(p.url)
	if err != nil {
		p.trip(fmt.Errorf("parse redis url: %w", err))
		return nil, ErrBackendUnavailable
	}
	opts.DialTimeout = p.connectTimeout
	opts.MaxRetries = -1
	client := redis.NewClient(opts)

	// The one attempt must not be spent on a caller that already gave up.
	pingCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		p.trip(fmt.Errorf("ping redis: %w", err))
		return nil, ErrBackendUnavailable
	}
	p.client = client
	return client, nil
}

func (p *Pool) trip(cause error) {
	p.tripped = true
	p.cause = cause
	slog.Warn("queue backend unavailable, falling back to synchronous execution", "error", cause)
}

// wrap maps connectivity failures of a connected client to ErrBackendUnavailable. Other errors,
// including the caller's own cancellation, pass through unchanged.
func (p *Pool) wrap(err error) error {
	if err == nil || errors.Is(err, ErrBackendUnavailable) || !isConnError(err) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}

func isConnError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, redis.ErrClosed) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// go-redis reports an exhausted pool with a plain error value.
	return strings.Contains(err.Error(), "connection pool timeout")
}

// Available reports whether the backend is connected or not yet tried.
func (p *Pool) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.tripped && p.url != ""
}

// Cause returns the error that tripped the breaker, if any.
func (p *Pool) Cause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cause
}

// Close releases the underlying client.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return nil
	}
	err := p.client.Close()
	p.client = nil
	return err
}
