// Package shell provides the serial debug console: read and write
// telemetry nodes, authenticate, trigger persistence. Commands are
// whitespace-tokenized with quoting support.
package shell

import (
	"bufio"
	"context"
	"io"
	"strconv"
	"strings"

	"github.com/google/shlex"

	"chargectl-go/services/telemetry"
)

// Actions are the side effects the console may trigger.
type Actions struct {
	Save  func() error
	Reset func()
}

type Shell struct {
	rw      io.ReadWriter
	reg     *telemetry.Registry
	actions Actions
}

func New(rw io.ReadWriter, reg *telemetry.Registry, actions Actions) *Shell {
	return &Shell{rw: rw, reg: reg, actions: actions}
}

// Run reads lines until the context is cancelled or the transport closes.
func (s *Shell) Run(ctx context.Context) {
	scanner := bufio.NewScanner(s.rw)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		reply := s.Exec(scanner.Text())
		if reply != "" {
			_, _ = io.WriteString(s.rw, reply+"\n")
		}
	}
}

// Exec runs one command line and returns the reply text.
func (s *Shell) Exec(line string) string {
	args, err := shlex.Split(line)
	if err != nil {
		return "error: " + err.Error()
	}
	if len(args) == 0 {
		return ""
	}

	switch args[0] {
	case "help":
		return "commands: nodes, get <node>, set <node> <value>, auth [password], save, reset"

	case "nodes":
		return strings.Join(s.reg.Names(), " ")

	case "get":
		if len(args) != 2 {
			return "usage: get <node>"
		}
		v, err := s.reg.Read(args[1])
		if err != nil {
			return "error: " + err.Error()
		}
		return formatValue(v)

	case "set":
		if len(args) != 3 {
			return "usage: set <node> <value>"
		}
		if err := s.reg.Write(args[1], parseValue(args[2])); err != nil {
			return "error: " + err.Error()
		}
		return "ok"

	case "auth":
		password := ""
		if len(args) > 1 {
			password = args[1]
		}
		switch s.reg.Authenticate(password) {
		case telemetry.RoleMaker:
			return "maker"
		case telemetry.RoleExpert:
			return "expert"
		default:
			return "user"
		}

	case "save":
		if s.actions.Save == nil {
			return "error: unsupported"
		}
		if err := s.actions.Save(); err != nil {
			return "error: " + err.Error()
		}
		return "ok"

	case "reset":
		if s.actions.Reset == nil {
			return "error: unsupported"
		}
		s.actions.Reset()
		return "ok"
	}

	return "error: unknown command (try 'help')"
}

func parseValue(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func formatValue(v any) string {
	switch x := v.(type) {
	case float32:
		return strconv.FormatFloat(float64(x), 'g', 7, 32)
	case bool:
		return strconv.FormatBool(x)
	case string:
		return x
	case uint16:
		return strconv.FormatUint(uint64(x), 10)
	case uint32:
		return strconv.FormatUint(uint64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case nil:
		return ""
	}
	return "?"
}
