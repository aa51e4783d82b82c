package daemon

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"github.com/fiskalni/fiskalni/internal/logging"
)

// SignalSource emits TriggerVisible when the process receives one of the
// resume signals (SIGCONT after a suspend, SIGUSR1 from a desktop shell
// bringing the app to the foreground).
type SignalSource struct {
	Logger *slog.Logger
}

func (SignalSource) Name() string { return "signals" }

func (s SignalSource) Run(ctx context.Context, emit func(Reason)) error {
	if len(resumeSignals) == 0 {
		<-ctx.Done()
		return nil
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, resumeSignals...)
	defer signal.Stop(ch)

	watchSignals(ctx, ch, emit, logging.OrDefault(s.Logger, "signals"))
	return nil
}

func watchSignals(ctx context.Context, ch <-chan os.Signal, emit func(Reason), logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-ch:
			logger.Debug("resume signal", "signal", sig.String())
			emit(TriggerVisible)
		}
	}
}
