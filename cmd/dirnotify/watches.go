package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	dnhttp "github.com/benbjohnson/dirnotify/http"
)

// WatchesCommand is a command for listing the paths watched by a running
// watch server.
type WatchesCommand struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	configPath  string
	noExpandEnv bool
	url         string
}

// NewWatchesCommand returns a new instance of WatchesCommand.
func NewWatchesCommand(stdin io.Reader, stdout, stderr io.Writer) *WatchesCommand {
	return &WatchesCommand{
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
	}
}

// Run executes the command.
func (c *WatchesCommand) Run(ctx context.Context, args []string) (err error) {
	fs := flag.NewFlagSet("dirnotify-watches", flag.ContinueOnError)
	registerConfigFlag(fs, &c.configPath, &c.noExpandEnv)
	fs.StringVar(&c.url, "url", "", "server URL")
	fs.Usage = c.Usage
	if err := fs.Parse(args); err != nil {
		return err
	} else if fs.NArg() != 0 {
		return fmt.Errorf("too many arguments")
	}

	// Derive server URL from configuration if not specified.
	if c.url == "" {
		if c.configPath == "" {
			c.configPath = DefaultConfigPath()
		}
		config, err := ReadConfigFile(c.configPath, !c.noExpandEnv)
		if err != nil {
			return err
		}
		if c.url, err = config.URL(); err != nil {
			return err
		}
	}

	resp, err := dnhttp.NewClient(c.url).Watches(ctx)
	if err != nil {
		return err
	} else if len(resp.Paths) == 0 {
		fmt.Fprintln(c.stdout, "No paths watched.")
		return nil
	}

	for _, path := range resp.Paths {
		fmt.Fprintln(c.stdout, path)
	}
	return nil
}

// Usage prints the help screen to STDOUT.
func (c *WatchesCommand) Usage() {
	fmt.Fprintf(c.stdout, `
The watches command lists the paths watched by a running watch server. The
server must be started with an "addr" in its configuration.

Usage:

	dirnotify watches [arguments]

Arguments:

	-config PATH
	    Specifies the configuration file.
	    Defaults to %s

	-no-expand-env
	    Disables environment variable expansion in configuration file.

	-url URL
	    Specifies the server URL. Overrides the configuration file.

`[1:],
		DefaultConfigPath(),
	)
}
