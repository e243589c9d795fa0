// Copyright 2026 The Autopeer Authors
// SPDX-License-Identifier: Apache-2.0

// Package shell is the interactive command engine a maintainer drives
// after authenticating: a byte-level line editor feeding a fixed
// command table. One Shell runs per session, synchronously, on the
// session's goroutine.
//
// Authorization is resolved through the registry on every command, not
// cached, so registry changes take effect mid-session. The shell never
// touches the database directly; all record access goes through the
// peering store.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/autopeer-foundation/autopeer/lib/netutil"
	"github.com/autopeer-foundation/autopeer/lib/peering"
	"github.com/autopeer-foundation/autopeer/lib/probe"
	"github.com/autopeer-foundation/autopeer/lib/registry"
	"github.com/autopeer-foundation/autopeer/lib/wgconfig"
)

// Config wires a Shell to its collaborators. All fields except Prober
// and Logger are required.
type Config struct {
	// Maintainer is the authenticated registry identity, without the
	// -MNT suffix.
	Maintainer string

	// Store holds the peering records.
	Store *peering.Store

	// Directory answers which AS numbers the maintainer may operate
	// on.
	Directory registry.Directory

	// Validator checks peer endpoint addresses.
	Validator *netutil.EndpointValidator

	// Params renders tunnel configuration for peer_config.
	Params wgconfig.Params

	// Prober backs peer_status. When nil the command reports that
	// probing is unavailable.
	Prober *probe.Prober

	// Logger receives command-level events. If nil, a no-op logger is
	// used.
	Logger *slog.Logger
}

// command is one entry in the session's command table.
type command struct {
	help string
	run  func(ctx context.Context) (stop bool, err error)
}

// Shell is one session's command engine.
type Shell struct {
	config Config
	logger *slog.Logger

	reader *lineReader
	output io.Writer

	// commands is built once at session start. The fixed table
	// replaces dispatch-by-method-name; unknown input never reaches a
	// handler.
	commands map[string]command
}

// New builds a Shell reading from and writing to stream.
func New(config Config, stream io.ReadWriter) *Shell {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &Shell{
		config: config,
		logger: logger.With("maintainer", config.Maintainer),
		reader: newLineReader(stream, stream),
		output: stream,
	}
	s.commands = map[string]command{
		"peer_create": {"Create a new peering session", s.peerCreate},
		"peer_list":   {"List your existing peering sessions", s.peerList},
		"peer_config": {"Display the tunnel configuration for a peering", s.peerConfig},
		"peer_remove": {"Remove a peering session", s.peerRemove},
		"peer_status": {"Print the state of a peering session", s.peerStatus},
		"bye":         {"Quit the current shell", s.bye},
		"help":        {"List available commands", s.help},
	}
	return s
}

// prompt is the string printed before each command line.
func (s *Shell) prompt() string {
	return fmt.Sprintf("\r\nAS%d> ", s.config.Params.LocalASN)
}

// Run executes the read-dispatch loop until the client quits or
// disconnects. A client disconnect (EOF, reset) is a normal exit.
func (s *Shell) Run(ctx context.Context) error {
	s.printLine(fmt.Sprintf("AS%d SSH Shell. Type help or ? to list commands.", s.config.Params.LocalASN))

	for {
		if _, err := io.WriteString(s.output, s.prompt()); err != nil {
			return s.closeError(err)
		}

		line, err := s.reader.ReadLine()
		if err != nil {
			return s.closeError(err)
		}

		stop, err := s.dispatch(ctx, strings.TrimSpace(line))
		if err != nil {
			return s.closeError(err)
		}
		if stop {
			return nil
		}
	}
}

// dispatch runs the command named by the line. An empty line is a
// no-op. Handler errors are I/O failures; everything user-facing is
// already rendered by the handler itself.
func (s *Shell) dispatch(ctx context.Context, line string) (bool, error) {
	if line == "" {
		return false, nil
	}

	name, rest, _ := strings.Cut(line, " ")
	if name == "?" {
		name = "help"
	}
	if name == "help" {
		if topic := strings.TrimSpace(rest); topic != "" {
			s.helpTopic(topic)
			return false, nil
		}
	}
	entry, known := s.commands[name]
	if !known {
		s.printLine("*** Unknown syntax: " + line)
		return false, nil
	}

	s.logger.Info("command", "name", name)
	return entry.run(ctx)
}

// closeError maps expected disconnect errors to a clean exit.
func (s *Shell) closeError(err error) error {
	if netutil.IsExpectedCloseError(err) {
		return nil
	}
	return fmt.Errorf("shell: %w", err)
}

// printLine writes text followed by a CRLF line break. Interior line
// breaks are normalized to CRLF and each line is trimmed, so rendered
// blocks from collaborators can be passed through safely. Write errors
// are swallowed; the next read surfaces a dead channel.
func (s *Shell) printLine(text string) {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(strings.TrimSuffix(line, "\r"), " ")
	}
	io.WriteString(s.output, strings.Join(lines, "\r\n")+"\r\n")
}

// promptField prints a field prompt and reads one line.
func (s *Shell) promptField(label string) (string, error) {
	if _, err := io.WriteString(s.output, label); err != nil {
		return "", err
	}
	line, err := s.reader.ReadLine()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// errAborted is returned by field collectors when validation fails.
// The handler has already printed the reason; the command unwinds with
// no side effects.
var errAborted = errors.New("shell: command aborted")

// bye ends the session.
func (s *Shell) bye(context.Context) (bool, error) {
	s.printLine("See You, Space Cowboy!")
	return true, nil
}

// helpHeader matches the listing header of a classic command shell.
const helpHeader = "Documented commands (type help <topic>):"

// help lists the command names under a ruled header, laid out in
// columns like a directory listing.
func (s *Shell) help(context.Context) (bool, error) {
	names := make([]string, 0, len(s.commands))
	for name := range s.commands {
		names = append(names, name)
	}
	sort.Strings(names)

	s.printLine(helpHeader)
	s.printLine(strings.Repeat("=", len(helpHeader)))
	for _, row := range columnize(names, 79) {
		s.printLine(row)
	}
	s.printLine("")
	return false, nil
}

// helpTopic prints the one-line description of a single command.
func (s *Shell) helpTopic(topic string) {
	entry, known := s.commands[topic]
	if !known {
		s.printLine("*** No help on " + topic)
		return
	}
	s.printLine(entry.help)
}

// columnize lays names out column-major within the display width,
// using the fewest rows that fit. Columns are separated by two spaces.
func columnize(names []string, width int) []string {
	if len(names) == 0 {
		return nil
	}

	rowCount := len(names)
	var columnWidths []int
	for tryRows := 1; tryRows <= len(names); tryRows++ {
		columnCount := (len(names) + tryRows - 1) / tryRows
		widths := make([]int, columnCount)
		total := 2 * (columnCount - 1)
		for i, name := range names {
			column := i / tryRows
			if len(name) > widths[column] {
				widths[column] = len(name)
			}
		}
		for _, w := range widths {
			total += w
		}
		if total <= width {
			rowCount = tryRows
			columnWidths = widths
			break
		}
	}
	if columnWidths == nil {
		columnWidths = []int{0}
		for _, name := range names {
			if len(name) > columnWidths[0] {
				columnWidths[0] = len(name)
			}
		}
	}

	rows := make([]string, rowCount)
	for row := 0; row < rowCount; row++ {
		var cells []string
		for column := 0; column*rowCount+row < len(names); column++ {
			cells = append(cells, fmt.Sprintf("%-*s", columnWidths[column], names[column*rowCount+row]))
		}
		rows[row] = strings.TrimRight(strings.Join(cells, "  "), " ")
	}
	return rows
}
