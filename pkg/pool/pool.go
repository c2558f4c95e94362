// Package pool shares broker connections and channels between the publishers
// and consumers of a service.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-rabbitflow/pkg/config"
)

var (
	// ErrPoolShutdown is returned by lease operations once Shutdown has begun.
	ErrPoolShutdown = errors.New("rabbitflow/pool: pool is shut down")
	// ErrDrainTimeout is returned by Shutdown when leases are still outstanding.
	ErrDrainTimeout = errors.New("rabbitflow/pool: timed out waiting for leased channels")
	// ErrForeignHost is returned when a host not leased from this pool is returned.
	ErrForeignHost = errors.New("rabbitflow/pool: host does not belong to this pool")
)

// Option customises a ChannelPool.
type Option func(*ChannelPool)

// WithBackOff replaces the exponential backoff used between dial attempts.
func WithBackOff(factory func() backoff.BackOff) Option {
	return func(p *ChannelPool) {
		p.newBackOff = factory
	}
}

// kindPool is the idle set and capacity semaphore for one channel kind.
type kindPool struct {
	ackable bool
	sem     chan struct{}
	idle    []*ChannelHost
}

// ChannelPool leases plain and confirm-mode channels over a bounded set of
// connections. Callers only wait when every channel of the kind is leased.
type ChannelPool struct {
	cfg        config.PoolConfig
	dialer     Dialer
	logger     zerolog.Logger
	newBackOff func() backoff.BackOff

	mu       sync.Mutex
	conns    []*connectionHost
	nextConn int
	plain    *kindPool
	ack      *kindPool
	leases   map[uint64]*ChannelHost
	shutdown bool

	nextID       atomic.Uint64
	done         chan struct{}
	drained      chan struct{}
	drainOnce    sync.Once
	replacements sync.WaitGroup
}

// New creates a pool and dials its first connection.
func New(ctx context.Context, cfg config.PoolConfig, dialer Dialer, logger zerolog.Logger, opts ...Option) (*ChannelPool, error) {
	if dialer == nil {
		return nil, errors.New("dialer cannot be nil")
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1
	}
	if cfg.MaxChannels <= 0 {
		cfg.MaxChannels = 10
	}
	if cfg.MaxAckChannels <= 0 {
		cfg.MaxAckChannels = cfg.MaxChannels
	}
	if cfg.DialRetries == 0 {
		cfg.DialRetries = 5
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}

	p := &ChannelPool{
		cfg:    cfg,
		dialer: dialer,
		logger: logger.With().Str("component", "ChannelPool").Logger(),
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
		conns:   make([]*connectionHost, cfg.MaxConnections),
		plain:   &kindPool{sem: make(chan struct{}, cfg.MaxChannels)},
		ack:     &kindPool{ackable: true, sem: make(chan struct{}, cfg.MaxAckChannels)},
		leases:  make(map[uint64]*ChannelHost),
		done:    make(chan struct{}),
		drained: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	if _, err := p.connection(ctx); err != nil {
		return nil, fmt.Errorf("failed to establish initial connection: %w", err)
	}
	p.logger.Info().
		Int("max_connections", cfg.MaxConnections).
		Int("max_channels", cfg.MaxChannels).
		Int("max_ack_channels", cfg.MaxAckChannels).
		Msg("Channel pool created.")
	return p, nil
}

// GetChannel leases a plain channel.
func (p *ChannelPool) GetChannel(ctx context.Context) (*ChannelHost, error) {
	return p.lease(ctx, p.plain)
}

// GetAckChannel leases a confirm-mode channel.
func (p *ChannelPool) GetAckChannel(ctx context.Context) (*ChannelHost, error) {
	return p.lease(ctx, p.ack)
}

// GetTransientChannel opens a channel outside the pool's accounting. The
// caller owns it and must Close it.
func (p *ChannelPool) GetTransientChannel(ctx context.Context, ackable bool) (*ChannelHost, error) {
	if p.isShutdown() {
		return nil, ErrPoolShutdown
	}
	return p.createHost(ctx, ackable, true)
}

func (p *ChannelPool) lease(ctx context.Context, kind *kindPool) (*ChannelHost, error) {
	select {
	case kind.sem <- struct{}{}:
	case <-p.done:
		return nil, ErrPoolShutdown
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	host, err := p.acquire(ctx, kind)
	if err != nil {
		<-kind.sem
		return nil, err
	}
	return host, nil
}

// acquire takes a healthy idle host or creates one. The caller holds a token.
func (p *ChannelPool) acquire(ctx context.Context, kind *kindPool) (*ChannelHost, error) {
	for {
		p.mu.Lock()
		if p.shutdown {
			p.mu.Unlock()
			return nil, ErrPoolShutdown
		}
		var host *ChannelHost
		if n := len(kind.idle); n > 0 {
			host = kind.idle[n-1]
			kind.idle = kind.idle[:n-1]
		}
		p.mu.Unlock()

		if host == nil {
			break
		}
		if host.Healthy() {
			if p.register(host) {
				return host, nil
			}
			_ = host.Close()
			return nil, ErrPoolShutdown
		}
		p.logger.Debug().Uint64("channel_id", host.ID).Msg("Discarding unhealthy idle channel.")
		_ = host.Close()
	}

	host, err := p.createHost(ctx, kind.ackable, false)
	if err != nil {
		return nil, err
	}
	if !p.register(host) {
		_ = host.Close()
		return nil, ErrPoolShutdown
	}
	return host, nil
}

// register records a lease; it fails once shutdown has begun.
func (p *ChannelPool) register(host *ChannelHost) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutdown {
		return false
	}
	host.leased.Store(true)
	p.leases[host.ID] = host
	return true
}

// ReturnChannel hands a leased host back. Broken hosts are closed and replaced
// in the background. A host is accepted back once per lease.
func (p *ChannelPool) ReturnChannel(host *ChannelHost, broken bool) error {
	if host == nil {
		return nil
	}
	if host.transient {
		return ErrForeignHost
	}
	if !host.leased.CompareAndSwap(true, false) {
		p.logger.Warn().Uint64("channel_id", host.ID).Msg("Ignoring channel returned more than once.")
		return nil
	}
	kind := p.plain
	if host.Ackable {
		kind = p.ack
	}
	if broken {
		host.MarkBroken()
	}
	healthy := host.Healthy()

	p.mu.Lock()
	if _, ok := p.leases[host.ID]; !ok {
		p.mu.Unlock()
		return ErrForeignHost
	}
	delete(p.leases, host.ID)
	shuttingDown := p.shutdown
	switch {
	case shuttingDown:
	case healthy:
		kind.idle = append(kind.idle, host)
	default:
		p.replacements.Add(1)
	}
	remaining := len(p.leases)
	p.mu.Unlock()

	<-kind.sem

	if shuttingDown || !healthy {
		_ = host.Close()
	}
	if !healthy && !shuttingDown {
		p.logger.Warn().Uint64("channel_id", host.ID).Bool("ackable", host.Ackable).Msg("Channel returned broken, replacing.")
		go p.replace(kind)
	}
	if shuttingDown && remaining == 0 {
		p.drainOnce.Do(func() { close(p.drained) })
	}
	return nil
}

// replace creates a fresh idle host to keep the pool at its previous size.
func (p *ChannelPool) replace(kind *kindPool) {
	defer p.replacements.Done()

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.DrainTimeout)
	defer cancel()
	go func() {
		select {
		case <-p.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	host, err := p.createHost(ctx, kind.ackable, false)
	if err != nil {
		p.logger.Error().Err(err).Bool("ackable", kind.ackable).Msg("Failed to replace broken channel.")
		return
	}
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		_ = host.Close()
		return
	}
	kind.idle = append(kind.idle, host)
	p.mu.Unlock()
	p.logger.Debug().Uint64("channel_id", host.ID).Msg("Replacement channel ready.")
}

func (p *ChannelPool) createHost(ctx context.Context, ackable, transient bool) (*ChannelHost, error) {
	conn, err := p.connection(ctx)
	if err != nil {
		return nil, err
	}
	id := p.nextID.Add(1)
	host, err := newChannelHost(id, conn, ackable, transient)
	if err != nil && !conn.alive() {
		// The connection died under us; redial once and retry.
		conn.dead.Store(true)
		if conn, err = p.connection(ctx); err != nil {
			return nil, err
		}
		host, err = newChannelHost(id, conn, ackable, transient)
	}
	if err != nil {
		return nil, err
	}
	p.logger.Debug().Uint64("channel_id", id).Int("connection_id", conn.id).Bool("ackable", ackable).Bool("transient", transient).Msg("Channel opened.")
	return host, nil
}

// connection picks the next connection slot round-robin, dialing it if it is
// empty or dead. Dialing happens without holding the pool lock.
func (p *ChannelPool) connection(ctx context.Context) (*connectionHost, error) {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil, ErrPoolShutdown
	}
	slot := p.nextConn
	p.nextConn = (p.nextConn + 1) % len(p.conns)
	existing := p.conns[slot]
	p.mu.Unlock()

	if existing != nil && existing.alive() {
		return existing, nil
	}

	conn, err := backoff.Retry(ctx, func() (Connection, error) {
		c, err := p.dialer(ctx)
		if err != nil {
			p.logger.Warn().Err(err).Int("connection_id", slot).Msg("Dial attempt failed.")
			return nil, err
		}
		return c, nil
	}, backoff.WithBackOff(p.newBackOff()), backoff.WithMaxTries(p.cfg.DialRetries))
	if err != nil {
		return nil, fmt.Errorf("failed to dial connection %d: %w", slot, err)
	}

	host := &connectionHost{id: slot, conn: conn}
	p.mu.Lock()
	current := p.conns[slot]
	if p.shutdown || (current != nil && current != existing && current.alive()) {
		p.mu.Unlock()
		_ = conn.Close()
		if p.isShutdown() {
			return nil, ErrPoolShutdown
		}
		return current, nil
	}
	p.conns[slot] = host
	p.mu.Unlock()

	if existing != nil {
		_ = existing.conn.Close()
	}
	p.watch(host)
	p.logger.Info().Int("connection_id", slot).Msg("Connection established.")
	return host, nil
}

func (p *ChannelPool) watch(host *connectionHost) {
	closed := host.conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		err, ok := <-closed
		host.dead.Store(true)
		if ok && err != nil {
			p.logger.Warn().Str("reason", err.Reason).Int("code", err.Code).Int("connection_id", host.id).Msg("Connection closed by broker.")
		}
	}()
}

func (p *ChannelPool) isShutdown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shutdown
}

// Stats reports the current lease and idle counts.
type Stats struct {
	Leased    int
	IdlePlain int
	IdleAck   int
}

// Stats reports current lease and idle counts.
func (p *ChannelPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Leased: len(p.leases), IdlePlain: len(p.plain.idle), IdleAck: len(p.ack.idle)}
}

// Shutdown stops leasing, waits for outstanding leases up to the drain timeout
// and closes every channel and connection. It is idempotent.
func (p *ChannelPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil
	}
	p.shutdown = true
	close(p.done)
	outstanding := len(p.leases)
	p.mu.Unlock()

	p.logger.Info().Int("outstanding_leases", outstanding).Msg("Shutting down channel pool...")
	if outstanding == 0 {
		p.drainOnce.Do(func() { close(p.drained) })
	}

	var drainErr error
	timer := time.NewTimer(p.cfg.DrainTimeout)
	defer timer.Stop()
	select {
	case <-p.drained:
	case <-timer.C:
		drainErr = ErrDrainTimeout
	case <-ctx.Done():
		drainErr = fmt.Errorf("%w: %w", ErrDrainTimeout, ctx.Err())
	}
	if drainErr != nil {
		p.logger.Warn().Err(drainErr).Msg("Closing channel pool with leases outstanding.")
	}

	p.replacements.Wait()

	p.mu.Lock()
	hosts := append(append([]*ChannelHost{}, p.plain.idle...), p.ack.idle...)
	for _, h := range p.leases {
		hosts = append(hosts, h)
	}
	p.plain.idle, p.ack.idle = nil, nil
	conns := append([]*connectionHost{}, p.conns...)
	p.mu.Unlock()

	for _, h := range hosts {
		_ = h.Close()
	}
	for _, c := range conns {
		if c != nil && !c.conn.IsClosed() {
			if err := c.conn.Close(); err != nil {
				p.logger.Warn().Err(err).Int("connection_id", c.id).Msg("Error closing connection.")
			}
		}
	}
	p.logger.Info().Msg("Channel pool shut down.")
	return drainErr
}
