package ingest

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"clicktrail/internal/config"
	"clicktrail/internal/model"
)

// StartFileTail follows cfg.File and emits one interaction per appended line. A truncated
// file is reopened from the start.
func StartFileTail(ctx context.Context, cfg config.IngestConfig, parser *Parser, out chan<- model.Interaction, logger *slog.Logger) {
	if cfg.File == "" {
		if logger != nil {
			logger.Info("file tail ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("file tail ingest enabled", "path", cfg.File, "start_at_end", cfg.StartAtEnd)
	}
	go tailFile(ctx, cfg.File, cfg.StartAtEnd, parser, out, logger)
}

func tailFile(ctx context.Context, path string, startAtEnd bool, parser *Parser, out chan<- model.Interaction, logger *slog.Logger) {
	var file *os.File
	var offset int64
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if file == nil {
			f, err := os.Open(path)
			if err != nil {
				if logger != nil {
					logger.Warn("tail open failed", "path", path, "err", err)
				}
				if !BackoffSleep(ctx, 500*time.Millisecond) {
					return
				}
				continue
			}
			file = f
			offset = 0
			if startAtEnd {
				if pos, err := file.Seek(0, io.SeekEnd); err == nil {
					offset = pos
				}
				startAtEnd = false
			}
		}

		reader := bufio.NewReader(file)
		var partial string
		for {
			chunk, err := reader.ReadString('\n')
			if err != nil {
				partial += chunk
				if err == io.EOF {
					if !BackoffSleep(ctx, 200*time.Millisecond) {
						_ = file.Close()
						return
					}
					info, statErr := os.Stat(path)
					if statErr == nil && info.Size() < offset {
						_ = file.Close()
						file = nil
						break
					}
					continue
				}
				if logger != nil {
					logger.Warn("tail read error", "path", path, "err", err)
				}
				_ = file.Close()
				file = nil
				break
			}
			line := partial + chunk
			partial = ""
			offset += int64(len(line))
			emitLine(ctx, line, "file_tail", parser, out, logger)
		}
	}
}

func emitLine(ctx context.Context, line, source string, parser *Parser, out chan<- model.Interaction, logger *slog.Logger) {
	ev, err := parser.ParseLine(line)
	if err != nil {
		if logger != nil {
			logger.Warn("interaction parse error", "source", source, "err", err)
		}
		return
	}
	if ev == nil {
		return
	}
	ev.Source = source
	SendNonBlocking(ctx, out, *ev, logger)
}
