package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/benbjohnson/dirnotify"
	"github.com/benbjohnson/dirnotify/hook"
	dnhttp "github.com/benbjohnson/dirnotify/http"
	"github.com/benbjohnson/dirnotify/journal"
	"github.com/benbjohnson/dirnotify/nats"
)

// WatchCommand represents a command that watches directories & delivers
// events to the configured sinks until it is stopped.
type WatchCommand struct {
	stdout io.Writer

	// Set by the -quiet flag. Events are not printed to stdout.
	quiet bool

	server    *dnhttp.Server
	publisher *nats.Publisher
	journal   *journal.Journal
	hook      *hook.Hook

	Config Config

	// Monitor used to watch the configured paths. Created by Run.
	Monitor *dirnotify.Monitor
}

// NewWatchCommand returns a new instance of WatchCommand.
func NewWatchCommand() *WatchCommand {
	return &WatchCommand{
		stdout: os.Stdout,
		Config: DefaultConfig(),
	}
}

// ParseFlags parses the CLI flags and loads the configuration file.
func (c *WatchCommand) ParseFlags(ctx context.Context, args []string) (err error) {
	var configPath string
	var noExpandEnv bool

	fs := flag.NewFlagSet("dirnotify-watch", flag.ContinueOnError)
	registerConfigFlag(fs, &configPath, &noExpandEnv)
	events := fs.String("events", "", "comma-separated event names")
	recursive := fs.Bool("recursive", false, "watch subdirectories")
	backend := fs.String("backend", "", "notification backend")
	execFlag := fs.String("exec", "", "execute command for each event")
	fs.BoolVar(&c.quiet, "quiet", false, "do not print events")
	fs.Usage = c.Usage
	if err := fs.Parse(args); err != nil {
		return err
	}

	// Load configuration or use CLI args to build watches.
	if fs.NArg() > 0 {
		if configPath != "" {
			return fmt.Errorf("cannot specify a path and the -config flag")
		}

		c.Config = DefaultConfig()
		for _, path := range fs.Args() {
			wc := &WatchConfig{Recursive: *recursive}
			if wc.Path, err = expand(path); err != nil {
				return err
			}
			if *events != "" {
				wc.Events = strings.Split(*events, ",")
			}
			c.Config.Watches = append(c.Config.Watches, wc)
		}
		initLog(os.Stdout, "", "")
	} else {
		if configPath == "" {
			configPath = DefaultConfigPath()
		}
		if c.Config, err = ReadConfigFile(configPath, !noExpandEnv); err != nil {
			return err
		}
	}

	// Override config settings, if specified.
	if *backend != "" {
		c.Config.Backend = *backend
	}
	if *execFlag != "" {
		c.Config.Exec = &ExecConfig{Command: *execFlag}
	}

	return c.Config.Validate()
}

// Run opens the sinks & begins watching all configured paths.
func (c *WatchCommand) Run(ctx context.Context) (err error) {
	// Display version information.
	slog.Info("dirnotify", "version", Version)

	// Release anything opened so far if a later step fails.
	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()

	n, err := NewNotifier(c.Config.Backend)
	if err != nil {
		return err
	}

	c.Monitor = dirnotify.NewMonitor(n)
	if c.Config.BufferSize > 0 {
		c.Monitor.BufferSize = int(c.Config.BufferSize)
	}

	if !c.quiet {
		c.Monitor.AddListener(dirnotify.ListenerFunc(c.printEvent))
	}

	if err := c.openSinks(ctx); err != nil {
		return err
	}

	if len(c.Config.Watches) == 0 {
		slog.Error("no watches specified in configuration")
	}

	for _, wc := range c.Config.Watches {
		mask, err := wc.Mask()
		if err != nil {
			return fmt.Errorf("watch %s: %w", wc.Path, err)
		}
		if err := c.Monitor.Watch(wc.Path, mask, wc.Recursive); err != nil {
			return err
		}
		slog.Info("watching", "path", wc.Path, "events", mask, "recursive", wc.Recursive)
	}

	// Serve metrics over HTTP if enabled.
	if c.Config.Addr != "" {
		if _, err := c.Config.URL(); err != nil {
			return err
		}

		c.server = dnhttp.NewServer(c.Monitor, c.Config.Addr)
		if err := c.server.Open(); err != nil {
			return fmt.Errorf("cannot start http server: %w", err)
		}
		slog.Info("serving metrics on", "url", c.server.URL()+"/metrics")
	}

	return nil
}

// openSinks opens each configured sink & registers it with the monitor.
func (c *WatchCommand) openSinks(ctx context.Context) error {
	if nc := c.Config.NATS; nc != nil {
		p := nats.NewPublisher()
		p.URL = nc.URL
		p.JetStream = nc.JetStream
		if nc.Subject != "" {
			p.Subject = nc.Subject
		}

		p.JWT = nc.JWT
		p.Seed = nc.Seed
		p.Creds = nc.Creds
		p.NKey = nc.NKey
		p.Username = nc.Username
		p.Password = nc.Password
		p.Token = nc.Token

		p.RootCAs = nc.RootCAs
		p.ClientCert = nc.ClientCert
		p.ClientKey = nc.ClientKey

		if nc.MaxReconnects != nil {
			p.MaxReconnects = *nc.MaxReconnects
		}
		if nc.ReconnectWait != nil {
			p.ReconnectWait = *nc.ReconnectWait
		}
		if nc.Timeout != nil {
			p.Timeout = *nc.Timeout
		}

		if err := p.Open(ctx); err != nil {
			return err
		}
		c.publisher = p
		c.Monitor.AddListener(p)
		slog.Info("publishing events to", "type", nats.SinkType, "url", p.URL, "subject", p.Subject, "jetstream", p.JetStream)
	}

	if jc := c.Config.Journal; jc != nil {
		j := journal.NewJournal(jc.Path)
		if err := j.Open(); err != nil {
			return fmt.Errorf("cannot open journal: %w", err)
		}
		c.journal = j
		c.Monitor.AddListener(j)
		slog.Info("journaling events to", "type", journal.SinkType, "path", j.Path())
	}

	if ec := c.Config.Exec; ec != nil {
		h := hook.NewHook(ec.Command)
		if ec.Cooldown != nil {
			h.Cooldown = *ec.Cooldown
		}
		if ec.CacheSize > 0 {
			h.CacheSize = ec.CacheSize
		}
		if err := h.Open(); err != nil {
			return err
		}
		c.hook = h
		c.Monitor.AddListener(h)
		slog.Info("executing command for events", "type", hook.SinkType, "command", ec.Command, "cooldown", h.Cooldown)
	}

	return nil
}

// printEvent writes e to stdout.
func (c *WatchCommand) printEvent(e dirnotify.FileEvent) {
	if e.Err != nil {
		fmt.Fprintf(c.stdout, "error\t%s\t%s\n", e.Path, e.Err)
		return
	}
	fmt.Fprintf(c.stdout, "%s\t%s\n", e.Kind, e.Path)
}

// Close stops the monitor and closes all sinks.
func (c *WatchCommand) Close() (err error) {
	// Stop the monitor first so no events are delivered to closed sinks.
	if c.Monitor != nil {
		if e := c.Monitor.Close(); e != nil && err == nil {
			err = e
		}
	}

	if c.server != nil {
		if e := c.server.Close(); e != nil && err == nil {
			err = e
		}
		c.server = nil
	}

	if c.publisher != nil {
		if e := c.publisher.Close(); e != nil {
			slog.Error("error closing publisher", "error", e)
			if err == nil {
				err = e
			}
		}
		c.publisher = nil
	}

	if c.journal != nil {
		if e := c.journal.Close(); e != nil {
			slog.Error("error closing journal", "error", e)
			if err == nil {
				err = e
			}
		}
		c.journal = nil
	}

	if c.hook != nil {
		if e := c.hook.Close(); e != nil && err == nil {
			err = e
		}
		c.hook = nil
	}

	return err
}

// Usage prints the help screen to STDOUT.
func (c *WatchCommand) Usage() {
	fmt.Printf(`
The watch command starts a server to watch directories for changes. You can
specify watches in a configuration file or you can watch one or more paths
by specifying them in the command line arguments.

Usage:

	dirnotify watch [arguments]

	dirnotify watch [arguments] PATH [PATH...]

Arguments:

	-config PATH
	    Specifies the configuration file.
	    Defaults to %s

	-no-expand-env
	    Disables environment variable expansion in configuration file.

	-backend NAME
	    Overrides the notification backend (inotify, fsnotify, windows).

	-events NAMES
	    Comma-separated list of events to watch for PATH arguments.
	    Defaults to all events.

	-recursive
	    Watches subdirectories of PATH arguments.

	-exec CMD
	    Executes a command for each event. The path & kind of the event
	    are passed in the DIRNOTIFY_PATH & DIRNOTIFY_KIND variables.

	-quiet
	    Disables printing events to stdout.

`[1:], DefaultConfigPath())
}
