package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/spihd/util"
	"tinygo.org/x/drivers"
)

// Server runs bridged transactions on a local [drivers.SPI].
type Server struct {
	l      *logrus.Logger
	target drivers.SPI

	// mu serializes transactions of concurrent connections, the target is
	// one bus.
	mu sync.Mutex

	frames    metrics.Counter
	badFrames metrics.Counter
}

// NewServer returns a server for target.
func NewServer(l *logrus.Logger, target drivers.SPI) *Server {
	return &Server{
		l:         l,
		target:    target,
		frames:    metrics.GetOrRegisterCounter("bridge.server.frames", nil),
		badFrames: metrics.GetOrRegisterCounter("bridge.server.bad_frames", nil),
	}
}

// Serve answers requests on conn until it is closed or ctx is done.
func (s *Server) Serve(ctx context.Context, conn io.ReadWriteCloser) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		req, err := ReadFrame(conn)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if errors.Is(err, ErrBadCRC) {
				// The stream is out of sync, there is no way to find the
				// next frame boundary.
				s.badFrames.Inc(1)
			}
			return fmt.Errorf("read request: %w", err)
		}
		s.frames.Inc(1)

		if err := WriteFrame(conn, s.handle(req)); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("write response: %w", err)
		}
	}
}

func (s *Server) handle(req []byte) []byte {
	if len(req) == 0 {
		return errorResponse(fmt.Errorf("%w: empty request", util.ErrInvalidArg))
	}

	w := req[1:]
	var r []byte
	if req[0]&flagRead != 0 {
		r = make([]byte, len(w))
	}

	s.mu.Lock()
	err := s.target.Tx(w, r)
	s.mu.Unlock()
	if err != nil {
		if s.l.Level >= logrus.DebugLevel {
			s.l.WithError(err).Debug("Bridged transaction failed")
		}
		return errorResponse(err)
	}

	resp := make([]byte, 1+len(r))
	resp[0] = byte(util.StatusOK)
	copy(resp[1:], r)
	return resp
}

func errorResponse(err error) []byte {
	msg := err.Error()
	resp := make([]byte, 1+len(msg))
	resp[0] = byte(util.StatusOf(err))
	copy(resp[1:], msg)
	return resp
}

// Listen accepts connections on ln and serves each of them until ctx is
// done.
func (s *Server) Listen(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.l.WithField("remote", conn.RemoteAddr()).Info("Bridge client connected")
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Serve(ctx, conn); err != nil {
				s.l.WithError(err).WithField("remote", conn.RemoteAddr()).Warn("Bridge connection failed")
			}
			conn.Close()
			s.l.WithField("remote", conn.RemoteAddr()).Info("Bridge client disconnected")
		}()
	}
}
