package ingest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"examguard/internal/model"
)

type ReplayStats struct {
	Lines    int
	Frames   int
	Rejected int
}

// Replay feeds a recorded JSONL frame stream into out, one frame per line, in file
// order. It blocks on a full queue so no frame is lost.
func Replay(ctx context.Context, r io.Reader, out chan<- model.Frame, logger *slog.Logger) (ReplayStats, error) {
	var stats ReplayStats
	reader := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			stats.Lines++
			if trimmed := trimNewline(line); len(trimmed) > 0 {
				f, derr := DecodeFrame(trimmed, "replay")
				if derr != nil {
					stats.Rejected++
					if logger != nil {
						logger.Warn("replay frame rejected", "line", stats.Lines, "err", derr)
					}
				} else if !Send(ctx, out, f) {
					return stats, ctx.Err()
				} else {
					stats.Frames++
				}
			}
		}
		if err == io.EOF {
			return stats, nil
		}
		if err != nil {
			return stats, fmt.Errorf("read line %d: %w", stats.Lines+1, err)
		}
	}
}

func ReplayFile(ctx context.Context, path string, out chan<- model.Frame, logger *slog.Logger) (ReplayStats, error) {
	file, err := os.Open(path)
	if err != nil {
		return ReplayStats{}, err
	}
	defer file.Close()
	if logger != nil {
		logger.Info("replaying frames", "path", path)
	}
	return Replay(ctx, file, out, logger)
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r' || b[len(b)-1] == ' ' || b[len(b)-1] == '\t') {
		b = b[:len(b)-1]
	}
	return b
}
