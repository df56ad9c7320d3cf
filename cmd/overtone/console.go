package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"overtone/internal/kit"
	"overtone/internal/tuning"
)

// errQuit ends the session.
var errQuit = errors.New("quit")

// overrides is the part of the engine the console drives.
type overrides interface {
	SelectDrum(id string) error
	SwitchHead(h kit.Head) error
	JumpTo(point int) error
	ResetHead(drumID string, h kit.Head) error
	Cursor() tuning.Cursor
	Progress() []tuning.DrumProgress
}

// console reads operator commands until ctx ends, the input closes or the
// operator quits.
func (s *session) console(ctx context.Context, cancel context.CancelFunc, in io.Reader) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		err := handleCommand(s.engine, scanner.Text(), os.Stdout)
		switch {
		case errors.Is(err, errQuit):
			cancel()
			return
		case err != nil:
			fmt.Fprintf(os.Stdout, "\n%v\n", err)
		}
	}
}

// handleCommand applies one console line.
func handleCommand(e overrides, line string, out io.Writer) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	switch fields[0] {
	case "quit", "q", "exit":
		return errQuit

	case "drum", "d":
		if len(fields) != 2 {
			return errors.New("usage: drum <id>")
		}
		return e.SelectDrum(fields[1])

	case "head", "h":
		if len(fields) != 2 {
			return errors.New("usage: head <batter|reso>")
		}
		h, err := kit.ParseHead(fields[1])
		if err != nil {
			return err
		}
		return e.SwitchHead(h)

	case "point", "p":
		if len(fields) != 2 {
			return errors.New("usage: point <n>")
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil || n < 1 {
			return fmt.Errorf("invalid point %q", fields[1])
		}
		return e.JumpTo(n - 1)

	case "reset":
		c := e.Cursor()
		if err := e.ResetHead(c.DrumID, c.Head); err != nil {
			return err
		}
		fmt.Fprintf(out, "\nCleared %s %s.\n", c.DrumID, c.Head)
		return nil

	case "status", "s":
		printProgress(out, e.Progress())
		return nil

	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
}

// display renders readouts. Interactive sessions get a single updating
// status line; replays print locks only.
type display struct {
	out         io.Writer
	interactive bool
	last        time.Time
	width       int
}

// refresh bounds how often the status line is redrawn.
const refresh = 100 * time.Millisecond

func newDisplay(out io.Writer, interactive bool) *display {
	return &display{out: out, interactive: interactive}
}

func (d *display) show(r tuning.Readout) {
	if r.Lock != nil {
		d.clear()
		ev := r.Lock
		fmt.Fprintf(d.out, "LOCK  %-8s %-6s point %-2d %8.2f Hz  (%+.1f cents, target %.2f Hz)\n",
			ev.DrumID, ev.Head, ev.Point+1, ev.Hz, ev.CentsOffset, ev.TargetHz)
		return
	}
	if !d.interactive || r.At.Sub(d.last) < refresh {
		return
	}
	d.last = r.At

	line := statusLine(r)
	pad := ""
	if n := d.width - len(line); n > 0 {
		pad = strings.Repeat(" ", n)
	}
	d.width = len(line)
	fmt.Fprintf(d.out, "\r%s%s", line, pad)
}

func (d *display) clear() {
	if d.width > 0 {
		fmt.Fprintf(d.out, "\r%s\r", strings.Repeat(" ", d.width))
		d.width = 0
	}
}

func (d *display) done() {
	if d.width > 0 {
		fmt.Fprintln(d.out)
		d.width = 0
	}
}

func statusLine(r tuning.Readout) string {
	where := fmt.Sprintf("%s %s point %d -> %.2f Hz", r.Cursor.DrumID, r.Cursor.Head, r.Cursor.Point+1, r.TargetHz)
	switch {
	case r.SilenceArmed:
		return where + "  [let it ring out]"
	case r.Rearming:
		return where + "  [locked, next point]"
	case !r.HasHz:
		return where + "  [" + r.Phase.String() + "]"
	}
	return fmt.Sprintf("%s  %8.2f Hz %-4s %+6.1f cents  [%s %s]",
		where, r.Hz, r.Note, r.Cents, r.Phase, r.Dwell.Round(10*time.Millisecond))
}

func printProgress(out io.Writer, progress []tuning.DrumProgress) {
	fmt.Fprintln(out)
	for _, d := range progress {
		mark := " "
		if d.Complete() {
			mark = "*"
		}
		fmt.Fprintf(out, "%s %-24s batter %s  reso %s\n", mark, d.Label, headSummary(d.Batter), headSummary(d.Reso))
	}
}

func headSummary(h tuning.HeadProgress) string {
	if h.Locked == 0 {
		return fmt.Sprintf("%2d/%-2d", h.Locked, h.Total)
	}
	return fmt.Sprintf("%2d/%-2d %7.2f Hz ±%.1fc", h.Locked, h.Total, h.AverageHz, h.SpreadCents)
}
