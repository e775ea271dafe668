package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"

	"chiplink/appchan"
	"chiplink/logchan"
	"chiplink/transfer"
)

const commandTimeout = 5 * time.Second

// target is what the REPL drives. *device.Device satisfies it.
type target interface {
	App() *appchan.Channel
	Log() *logchan.Channel
	Stats() transfer.Stats
	State() transfer.State
	Reset(ctx context.Context) error
	StopTransport() error
	ResumeTransport(ctx context.Context) error
}

type repl struct {
	dev target
	out io.Writer
	buf []byte
}

func newREPL(dev target, out io.Writer) *repl {
	return &repl{dev: dev, out: out, buf: make([]byte, 64*1024)}
}

// exec runs one command line and reports whether the session should end.
func (r *repl) exec(line string) (bool, error) {
	args, err := shlex.Split(line)
	if err != nil {
		return false, fmt.Errorf("parse: %w", err)
	}
	if len(args) == 0 {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	switch cmd := args[0]; cmd {
	case "quit", "exit", "q":
		fmt.Fprintln(r.out, "Goodbye!")
		return true, nil

	case "help", "?":
		r.help()

	case "send":
		if len(args) < 2 {
			return false, errors.New("usage: send <hex bytes>")
		}
		payload, err := parseHex(args[1:])
		if err != nil {
			return false, err
		}
		if err := r.dev.App().Write(ctx, payload); err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "sent %d bytes\n", len(payload))

	case "msg":
		if len(args) != 3 {
			return false, errors.New(`usage: msg <type> "<text>"`)
		}
		typ, err := strconv.ParseUint(args[1], 0, 7)
		if err != nil {
			return false, fmt.Errorf("message type: %w", err)
		}
		payload, err := appchan.AppendData(nil, byte(typ), []byte(args[2]))
		if err != nil {
			return false, err
		}
		if err := r.dev.App().Write(ctx, payload); err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "sent %d bytes\n", len(payload))

	case "read":
		n, err := r.dev.App().Read(ctx, r.buf, true)
		if errors.Is(err, appchan.ErrWouldBlock) {
			fmt.Fprintln(r.out, "(no messages)")
			return false, nil
		}
		if err != nil {
			return false, err
		}
		kind := "data"
		if appchan.IsControl(r.buf[:n]) {
			kind = "control"
		}
		fmt.Fprintf(r.out, "%s %d bytes: % x\n", kind, n, r.buf[:n])

	case "log":
		count := 0
		for {
			n, err := r.dev.Log().Read(ctx, r.buf, true)
			if errors.Is(err, logchan.ErrWouldBlock) {
				break
			}
			if err != nil {
				return false, err
			}
			fmt.Fprintln(r.out, strings.TrimRight(string(r.buf[:n]), "\r\n\x00"))
			count++
		}
		if count == 0 {
			fmt.Fprintln(r.out, "(log empty)")
		}
		if d := r.dev.Log().Dropped(); d > 0 {
			fmt.Fprintf(r.out, "(%d entries dropped)\n", d)
		}

	case "logreset":
		r.dev.Log().Reopen()

	case "logcmd":
		if len(args) != 2 {
			return false, errors.New(`usage: logcmd "<command>"`)
		}
		if err := r.dev.Log().Command(ctx, []byte(args[1])); err != nil {
			return false, err
		}

	case "stats":
		s := r.dev.Stats()
		fmt.Fprintf(r.out, "state:       %s\n", r.dev.State())
		fmt.Fprintf(r.out, "exchanges:   %d\n", s.Exchanges)
		fmt.Fprintf(r.out, "sent:        %d\n", s.Sent)
		fmt.Fprintf(r.out, "received:    %d\n", s.Received)
		fmt.Fprintf(r.out, "discarded:   %d\n", s.Discarded)
		fmt.Fprintf(r.out, "retries:     %d\n", s.Retries)
		fmt.Fprintf(r.out, "failures:    %d (consecutive %d)\n", s.Failures, s.ConsecutiveFailures)
		fmt.Fprintf(r.out, "resets:      %d\n", s.Resets)

	case "reset":
		if err := r.dev.Reset(ctx); err != nil {
			return false, err
		}
		fmt.Fprintln(r.out, "device reset")

	case "stop":
		if err := r.dev.StopTransport(); err != nil {
			return false, err
		}
		fmt.Fprintln(r.out, "transport stopped")

	case "start":
		if err := r.dev.ResumeTransport(ctx); err != nil {
			return false, err
		}
		fmt.Fprintln(r.out, "transport running")

	default:
		return false, fmt.Errorf("unknown command: %s (type 'help' for available commands)", cmd)
	}
	return false, nil
}

func (r *repl) help() {
	fmt.Fprintln(r.out, "\nAvailable commands:")
	fmt.Fprintln(r.out, "  send <hex>...      - Send raw bytes on the app channel")
	fmt.Fprintln(r.out, `  msg <type> "text"  - Send a framed data message`)
	fmt.Fprintln(r.out, "  read               - Read one app message")
	fmt.Fprintln(r.out, "  log                - Print buffered log lines")
	fmt.Fprintln(r.out, "  logreset           - Rewind the log to the oldest retained line")
	fmt.Fprintln(r.out, `  logcmd "command"   - Send a command on the log channel`)
	fmt.Fprintln(r.out, "  stats              - Show transport counters")
	fmt.Fprintln(r.out, "  reset              - Hard-reset the device")
	fmt.Fprintln(r.out, "  stop               - Stop the transport")
	fmt.Fprintln(r.out, "  start              - Reset the device and restart the transport")
	fmt.Fprintln(r.out, "  quit/exit/q        - Exit the program")
	fmt.Fprintln(r.out)
}

// parseHex accepts bytes as separate arguments or run together, with or
// without a 0x prefix: "0x01 02" and "0102" are the same.
func parseHex(args []string) ([]byte, error) {
	var out []byte
	for _, a := range args {
		a = strings.TrimPrefix(strings.ToLower(a), "0x")
		a = strings.ReplaceAll(a, ":", "")
		b, err := hex.DecodeString(a)
		if err != nil {
			return nil, fmt.Errorf("bad hex %q: %w", a, err)
		}
		out = append(out, b...)
	}
	return out, nil
}
