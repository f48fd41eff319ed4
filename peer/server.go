package peer

import (
	"context"
	"fmt"
	"net"
	"time"
)

// announceTTL is the registry lease in seconds; KeepAlive renews it.
const announceTTL = 10

// ListenAndServe listens on addr and serves connections until ctx is done
// or Shutdown is called.
func (p *Peer) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return p.Serve(ctx, l)
}

// Serve accepts connections on l, each served by ServeConn in its own
// goroutine, and announces l in the registry when one is configured.
func (p *Peer) Serve(ctx context.Context, l net.Listener) error {
	p.listenerMu.Lock()
	p.listener = l
	p.listenerMu.Unlock()

	if p.registry != nil {
		if p.instance.Addr == "" {
			p.instance.Addr = l.Addr().String()
		}
		if err := p.registry.Register(ctx, p.target, p.instance, announceTTL); err != nil {
			l.Close()
			return fmt.Errorf("peer: announcing %s: %w", p.instance.Addr, err)
		}
		p.logger.Info().Str("target", p.target).Str("addr", p.instance.Addr).Msg("announced")
	}

	// ctx ending stops Accept the same way Shutdown does
	stop := context.AfterFunc(ctx, func() {
		p.shutdown.Store(true)
		l.Close()
	})
	defer stop()

	p.logger.Info().Str("addr", l.Addr().String()).Msg("serving")
	for {
		conn, err := l.Accept()
		if err != nil {
			// Set before the listener is closed, so a closed listener here
			// means an intentional stop
			if p.shutdown.Load() {
				return nil
			}
			return err
		}

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			remote := conn.RemoteAddr().String()
			p.logger.Info().Str("remote", remote).Msg("host connected")
			if err := p.ServeConn(ctx, conn); err != nil {
				p.logger.Warn().Str("remote", remote).Err(err).Msg("connection ended")
				return
			}
			p.logger.Info().Str("remote", remote).Msg("host disconnected")
		}()
	}
}

// Addr returns the listening address, or nil before Serve.
func (p *Peer) Addr() net.Addr {
	p.listenerMu.Lock()
	defer p.listenerMu.Unlock()
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Shutdown stops serving:
//  1. Deregister from the registry so hosts stop picking this instance
//  2. Set the shutdown flag, then close the listener
//  3. Close every connection and wait for their goroutines (with timeout)
func (p *Peer) Shutdown(timeout time.Duration) error {
	if p.registry != nil && p.instance.Addr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := p.registry.Deregister(ctx, p.target, p.instance.Addr); err != nil {
			p.logger.Warn().Err(err).Msg("deregister failed")
		}
		cancel()
	}

	p.shutdown.Store(true)
	p.listenerMu.Lock()
	if p.listener != nil {
		p.listener.Close()
	}
	p.listenerMu.Unlock()

	p.connsMu.Lock()
	for t := range p.conns {
		t.Close()
	}
	p.connsMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("peer: timeout waiting for connections to close")
	}
}
