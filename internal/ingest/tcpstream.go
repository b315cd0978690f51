package ingest

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"

	"examguard/internal/config"
	"examguard/internal/model"
)

// StartTCPStream accepts newline-delimited JSON frames.
func StartTCPStream(ctx context.Context, cfg *config.Manager, out chan<- model.Frame, logger *slog.Logger) {
	current := cfg.Get().Ingest.TCPStream
	if !current.Enabled {
		if logger != nil {
			logger.Info("tcp stream ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("tcp stream ingest enabled", "addr", current.Addr)
	}
	ln, err := net.Listen("tcp", current.Addr)
	if err != nil {
		if logger != nil {
			logger.Error("tcp stream listen error", "err", err)
		}
		return
	}
	go serveTCP(ctx, ln, out, logger)
}

func serveTCP(ctx context.Context, ln net.Listener, out chan<- model.Frame, logger *slog.Logger) {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
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
		go handleTCPStreamConn(ctx, conn, out, logger)
	}
}

func handleTCPStreamConn(ctx context.Context, conn net.Conn, out chan<- model.Frame, logger *slog.Logger) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameBody)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		f, err := DecodeFrame(line, "tcp_stream")
		if err != nil {
			if logger != nil {
				logger.Warn("tcp stream frame rejected", "remote", conn.RemoteAddr().String(), "err", err)
			}
			continue
		}
		// A connection is one ordered stream, so it waits rather than drops.
		if !Send(ctx, out, f) {
			return
		}
	}
	if err := scanner.Err(); err != nil && logger != nil {
		logger.Warn("tcp stream scanner error", "err", err)
	}
}
