//go:build windows

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/eventlog"

	"github.com/benbjohnson/dirnotify/internal"
)

const defaultConfigPath = `C:\dirnotify\dirnotify.yml`

const serviceName = "dirnotify"

// Exit codes reported to the service control manager.
const (
	exitConfig uint32 = 1
	exitWatch  uint32 = 2
)

func isWindowsService() (bool, error) {
	return svc.IsWindowsService()
}

// runWindowsService runs the watch command under the service control manager
// and logs to the Windows event log.
func runWindowsService(ctx context.Context) error {
	// Registration fails if the source already exists.
	_ = eventlog.InstallAsEventCreate(serviceName, eventlog.Error|eventlog.Warning|eventlog.Info)

	elog, err := eventlog.Open(serviceName)
	if err != nil {
		return err
	}
	defer elog.Close()

	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(eventlogWriter{elog}, &slog.HandlerOptions{
		ReplaceAttr: internal.ReplaceAttr,
	})))
	defer slog.SetDefault(prev)

	if err := svc.Run(serviceName, &serviceHandler{ctx: ctx}); err != nil {
		slog.Error("service failed", "error", err)
		return errStop
	}
	return nil
}

// serviceHandler implements svc.Handler for the watch command.
type serviceHandler struct {
	ctx context.Context
}

func (h *serviceHandler) Execute(args []string, reqs <-chan svc.ChangeRequest, status chan<- svc.Status) (bool, uint32) {
	status <- svc.Status{State: svc.StartPending}

	config, err := ReadConfigFile(DefaultConfigPath(), true)
	if err != nil {
		slog.Error("cannot load configuration", "path", DefaultConfigPath(), "error", err)
		return true, exitConfig
	}

	c := NewWatchCommand()
	c.Config, c.quiet = config, true
	if err := c.Run(h.ctx); err != nil {
		slog.Error("cannot start watching", "error", err)
		status <- svc.Status{State: svc.StopPending}
		return true, exitWatch
	}

	status <- svc.Status{State: svc.Running, Accepts: svc.AcceptStop | svc.AcceptShutdown}
	slog.Info("service running", "watches", len(config.Watches))

	for req := range reqs {
		switch req.Cmd {
		case svc.Interrogate:
			status <- req.CurrentStatus
		case svc.Stop, svc.Shutdown:
			status <- svc.Status{State: svc.StopPending}
			if err := c.Close(); err != nil {
				slog.Error("cannot stop watching", "error", err)
			}
			return false, uint32(windows.NO_ERROR)
		default:
			slog.Warn("unexpected service request", "cmd", req.Cmd)
		}
	}
	return false, uint32(windows.NO_ERROR)
}

// eventlogWriter writes each log line as an informational event.
type eventlogWriter struct {
	log *eventlog.Log
}

func (w eventlogWriter) Write(p []byte) (int, error) {
	if err := w.log.Info(1, string(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

func signalChan() <-chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	return ch
}
