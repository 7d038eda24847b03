package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/chainguard-dev/clog"
	"github.com/gosimple/slug"
	slogmulti "github.com/samber/slog-multi"
)

// RemoteOutputKey marks records carrying output captured from a remote
// machine. Only those values reach the run's output file.
const RemoteOutputKey = "remote_output"

// SetupRunLogging tees the context's logger to files under
// 'logsDirectory/runID': a JSON log of every record and an output file with
// the 'RemoteOutputKey' values only. The returned func closes both.
func SetupRunLogging(ctx context.Context, logsDirectory, runID, runName string) (context.Context, func()) {
	if logsDirectory == "" {
		return ctx, func() {}
	}

	runDir := filepath.Join(logsDirectory, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		clog.WarnContext(ctx, "failed to create run directory", "path", runDir, "error", err.Error())
		return ctx, func() {}
	}

	base := slug.Make(runName)
	logPath := filepath.Join(runDir, base+".log")
	outPath := filepath.Join(runDir, base+".out")

	logFile, err := os.Create(logPath)
	if err != nil {
		clog.WarnContext(ctx, "failed to create run log file", "path", logPath, "error", err.Error())
		return ctx, func() {}
	}
	outFile, err := os.Create(outPath)
	if err != nil {
		clog.WarnContext(ctx, "failed to create run output file", "path", outPath, "error", err.Error())
		_ = logFile.Close()
		return ctx, func() {}
	}

	handler := slogmulti.Fanout(
		clog.FromContext(ctx).Handler(),
		slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug}),
		&outputHandler{w: outFile},
	)

	clog.InfoContext(ctx, "logging run to files", "log", logPath, "output", outPath)
	ctx = clog.WithLogger(ctx, clog.New(handler))

	return ctx, func() {
		for _, f := range []*os.File{logFile, outFile} {
			if err := f.Close(); err != nil {
				clog.WarnContext(ctx, "failed to close run file", "path", f.Name(), "error", err.Error())
			}
		}
	}
}

// outputHandler writes the 'RemoteOutputKey' value of each record, verbatim.
type outputHandler struct {
	w io.Writer
}

func (h *outputHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *outputHandler) Handle(_ context.Context, record slog.Record) error {
	var out string
	record.Attrs(func(a slog.Attr) bool {
		if a.Key == RemoteOutputKey {
			out = a.Value.String()
			return false
		}
		return true
	})
	if out == "" {
		return nil
	}
	_, err := fmt.Fprintln(h.w, out)
	return err
}

func (h *outputHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

func (h *outputHandler) WithGroup(string) slog.Handler { return h }
