package ingest

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"

	"clicktrail/internal/model"
)

// ReadStream emits one interaction per line of r until EOF or ctx is done. Lines are
// delivered with a blocking send so a finite input is never dropped.
func ReadStream(ctx context.Context, r io.Reader, source string, parser *Parser, out chan<- model.Interaction, logger *slog.Logger) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 8192), 1024*1024)
	for scanner.Scan() {
		ev, err := parser.ParseLine(scanner.Text())
		if err != nil {
			if logger != nil {
				logger.Warn("interaction parse error", "source", source, "err", err)
			}
			continue
		}
		if ev == nil {
			continue
		}
		ev.Source = source
		select {
		case out <- *ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return scanner.Err()
}

// StartTCPStream accepts newline-delimited interactions on addr. It returns the listener
// so callers can learn the bound address.
func StartTCPStream(ctx context.Context, addr string, parser *Parser, out chan<- model.Interaction, logger *slog.Logger) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("tcp stream ingest enabled", "addr", ln.Addr().String())
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				if logger != nil {
					logger.Warn("tcp stream accept error", "err", err)
				}
				continue
			}
			go handleConn(ctx, conn, parser, out, logger)
		}
	}()
	return ln, nil
}

func handleConn(ctx context.Context, conn net.Conn, parser *Parser, out chan<- model.Interaction, logger *slog.Logger) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	if err := ReadStream(ctx, conn, "tcp_stream", parser, out, logger); err != nil && ctx.Err() == nil && logger != nil {
		logger.Warn("tcp stream read error", "remote", conn.RemoteAddr().String(), "err", err)
	}
}
