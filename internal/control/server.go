package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/agentsh/loadguard/internal/guard"
)

// Backend is what the control channel operates on. *guard.Guard implements it.
type Backend interface {
	SetPolicy(names []string) (int, error)
	Status() guard.Status
	WriteStats(w io.Writer) error
}

// Server answers control requests on accepted connections.
type Server struct {
	backend Backend
	logger  *slog.Logger

	// IdleTimeout closes connections that send nothing for this long.
	// Zero disables it.
	IdleTimeout time.Duration

	wg sync.WaitGroup
}

// NewServer returns a server for b. A nil logger discards output.
func NewServer(b Backend, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{backend: b, logger: logger, IdleTimeout: 30 * time.Second}
}

// Serve accepts connections until ctx is cancelled or the listener fails.
// It closes ln and waits for open connections before returning.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer s.wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		if s.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.IdleTimeout))
		}
		msgType, payload, err := ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.logger.Debug("control connection closed", "error", err)
			}
			return
		}
		replyType, reply, err := s.handle(msgType, payload)
		if err != nil {
			s.logger.Warn("control request failed", "type", fmt.Sprintf("0x%02x", msgType), "error", err)
			replyType, reply = MsgError, []byte(err.Error())
		}
		if err := WriteFrame(conn, replyType, reply); err != nil {
			s.logger.Debug("control reply failed", "error", err)
			return
		}
	}
}

func (s *Server) handle(msgType byte, payload []byte) (byte, []byte, error) {
	switch msgType {
	case MsgSetPolicy:
		var req policyRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return 0, nil, fmt.Errorf("decode policy: %w", err)
		}
		n, err := s.backend.SetPolicy(req.Names)
		if err != nil {
			return 0, nil, err
		}
		s.logger.Info("blacklist replaced via control channel", "names", n)
		out, err := json.Marshal(policyReply{Count: n})
		return MsgOK, out, err

	case MsgStatus:
		out, err := json.Marshal(s.backend.Status())
		return MsgStatusReply, out, err

	case MsgStats:
		var buf bytes.Buffer
		if err := s.backend.WriteStats(&buf); err != nil {
			return 0, nil, err
		}
		return MsgStatsReply, buf.Bytes(), nil

	default:
		return 0, nil, fmt.Errorf("%w: 0x%02x", ErrUnknownMessage, msgType)
	}
}
