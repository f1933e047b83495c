package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/calvinalkan/jsonstate/internal/appstate"
	"github.com/calvinalkan/jsonstate/internal/config"
	"github.com/calvinalkan/jsonstate/internal/metrics"
	"github.com/calvinalkan/jsonstate/pkg/store"
)

var errLogLevelInvalid = errors.New("invalid log level")

// app holds what every command needs once global flags are parsed.
type app struct {
	cfg     config.Config
	log     *slog.Logger
	metrics *metrics.Metrics
	env     map[string]string
}

func (a *app) options() appstate.Options {
	return appstate.Options{
		Logger:     a.log,
		AfterWrite: []func(store.WriteResult){a.metrics.Observe},
	}
}

func (a *app) openState(ctx context.Context) (*appstate.State, error) {
	return appstate.Open(ctx, a.cfg, a.options())
}

// withState opens the state, runs fn and closes the state, flushing any
// pending writes. A close failure is reported unless fn already failed.
func (a *app) withState(ctx context.Context, fn func(st *appstate.State) error) error {
	st, err := a.openState(ctx)
	if err != nil {
		return err
	}

	err = fn(st)

	closeErr := st.Close()
	if err != nil {
		return err
	}

	return closeErr
}

// fileName accepts "ui" as well as "ui.json".
func fileName(arg string) string {
	if strings.HasSuffix(arg, ".json") {
		return arg
	}

	return arg + ".json"
}

// newLogger logs text to errOut, or JSON to a rotated file when logFile is
// set.
func newLogger(errOut io.Writer, logFile, level string) (*slog.Logger, func() error, error) {
	var lvl slog.Level

	err := lvl.UnmarshalText([]byte(level))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %q", errLogLevelInvalid, level)
	}

	opts := &slog.HandlerOptions{Level: lvl}

	if logFile == "" {
		return slog.New(slog.NewTextHandler(errOut, opts)), func() error { return nil }, nil
	}

	rotator := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
	}

	return slog.New(slog.NewJSONHandler(rotator, opts)), rotator.Close, nil
}
