package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/benbjohnson/dirnotify/journal"
)

// JournalCommand is a command for listing journaled events.
type JournalCommand struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	configPath  string
	noExpandEnv bool
	path        string
	limit       int
}

// NewJournalCommand returns a new instance of JournalCommand.
func NewJournalCommand(stdin io.Reader, stdout, stderr io.Writer) *JournalCommand {
	return &JournalCommand{
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
	}
}

// Run executes the command.
func (c *JournalCommand) Run(ctx context.Context, args []string) (err error) {
	fs := flag.NewFlagSet("dirnotify-journal", flag.ContinueOnError)
	registerConfigFlag(fs, &c.configPath, &c.noExpandEnv)
	fs.StringVar(&c.path, "path", "", "journal database path")
	fs.IntVar(&c.limit, "limit", 100, "maximum number of events")
	fs.Usage = c.Usage
	if err := fs.Parse(args); err != nil {
		return err
	} else if fs.NArg() > 1 {
		return fmt.Errorf("too many arguments")
	}

	// Determine journal path from flag or configuration.
	dbPath := c.path
	if dbPath == "" {
		if c.configPath == "" {
			c.configPath = DefaultConfigPath()
		}
		config, err := ReadConfigFile(c.configPath, !c.noExpandEnv)
		if err != nil {
			return err
		} else if config.Journal == nil {
			return fmt.Errorf("journal not specified in config file")
		}
		dbPath = config.Journal.Path
	} else if dbPath, err = expand(dbPath); err != nil {
		return err
	}

	// Filter by path prefix, if specified.
	var prefix string
	if fs.NArg() == 1 {
		if prefix, err = expand(fs.Arg(0)); err != nil {
			return err
		}
	}

	j := journal.NewJournal(dbPath)
	if err := j.Open(); err != nil {
		return err
	}
	defer j.Close()

	entries, err := j.Entries(ctx, prefix, c.limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.stdout, 0, 8, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "id\ttime\tkind\tpath\terror")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			e.ID,
			e.Time.Format(time.RFC3339),
			e.Kind,
			e.Path,
			e.Error,
		)
	}

	return nil
}

// Usage prints the help screen to STDOUT.
func (c *JournalCommand) Usage() {
	fmt.Fprintf(c.stdout, `
The journal command lists events recorded by the journal sink, oldest first.

Usage:

	dirnotify journal [arguments] [PATH]

Arguments:

	-config PATH
	    Specifies the configuration file.
	    Defaults to %s

	-no-expand-env
	    Disables environment variable expansion in configuration file.

	-path PATH
	    Specifies the journal database. Overrides the configuration file.

	-limit NUM
	    Lists only the most recent NUM events. Zero lists all events.
	    Defaults to 100.

`[1:],
		DefaultConfigPath(),
	)
}
