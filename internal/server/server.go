// Package server runs the accept loop on top of a bounded pool of session
// workers, one worker per connected client.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"

	"kestrel/internal/book"
	"kestrel/internal/config"
	"kestrel/internal/directory"
	"kestrel/internal/session"
)

type Server struct {
	cfg  config.Config
	book *book.Book
	dir  *directory.Directory
	tape *book.Tape

	cancel context.CancelFunc
	addr   atomic.Value // string, set once the listener is bound
}

func New(cfg config.Config, bk *book.Book, dir *directory.Directory, tape *book.Tape) *Server {
	return &Server{cfg: cfg, book: bk, dir: dir, tape: tape}
}

// Shutdown requests a cooperative stop. Safe to call more than once.
func (s *Server) Shutdown() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Addr is the bound listen address, empty until Run has bound it. Useful
// when the configured port is 0.
func (s *Server) Addr() string {
	v, _ := s.addr.Load().(string)
	return v
}

// Run accepts connections until the context is cancelled, then drains
// outstanding sessions for the configured grace period. Sessions still
// running after the grace period are abandoned, not forcibly killed.
func (s *Server) Run(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()
	t, ctx := tomb.WithContext(ctx)

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port))
	if err != nil {
		return fmt.Errorf("starting listener: %w", err)
	}
	defer func() {
		if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Error().Err(err).Msg("closing listener")
		}
	}()

	tcp := listener.(*net.TCPListener)
	s.addr.Store(tcp.Addr().String())

	conns := make(chan net.Conn, s.cfg.MaxClients)
	for i := 0; i < s.cfg.MaxClients; i++ {
		t.Go(func() error {
			s.worker(ctx, conns)
			return nil
		})
	}

	log.Info().
		Str("address", tcp.Addr().String()).
		Int("workers", s.cfg.MaxClients).
		Msg("listener running")

	// Accept with a bounded wait so the stop request is observed without
	// blocking indefinitely.
	for ctx.Err() == nil {
		if err := tcp.SetDeadline(time.Now().Add(s.cfg.AcceptWait)); err != nil {
			log.Error().Err(err).Msg("setting accept deadline")
			break
		}
		conn, err := tcp.Accept()
		if err != nil {
			if isTimeout(err) || ctx.Err() != nil {
				continue
			}
			log.Error().Err(err).Msg("accepting client")
			continue
		}

		log.Info().Str("remote", conn.RemoteAddr().String()).Msg("client accepted")
		select {
		case conns <- conn:
		case <-ctx.Done():
			_ = conn.Close()
		}
	}
	close(conns)

	log.Info().Msg("listener stopping")
	t.Kill(nil)

	done := make(chan struct{})
	go func() {
		_ = t.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all sessions drained")
	case <-time.After(s.cfg.ShutdownGrace):
		log.Warn().Msg("grace period elapsed, abandoning outstanding sessions")
	}
	return nil
}

// worker serves one connected client at a time until the conns channel is
// closed and drained.
func (s *Server) worker(ctx context.Context, conns <-chan net.Conn) {
	for conn := range conns {
		sess := session.New(conn, s.book, s.dir, s.tape, s.cfg.PollInterval, s.cfg.IdleTimeout)
		sess.Run(ctx)
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
