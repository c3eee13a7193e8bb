package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/mevdschee/tqdbdispatch/dispatch"
	"github.com/mevdschee/tqdbdispatch/parser"
	"github.com/mevdschee/tqdbdispatch/session"
)

// shell turns typed lines into dispatcher calls. Transaction keywords
// drive a Scope; everything else is submitted and printed once it
// completes.
type shell struct {
	d     *dispatch.Dispatcher
	out   io.Writer
	scope *dispatch.Scope
}

func newShell(d *dispatch.Dispatcher, out io.Writer) *shell {
	return &shell{d: d, out: out}
}

func (s *shell) prompt() string {
	if s.scope != nil {
		return fmt.Sprintf("tx%s> ", s.scope.ID())
	}
	return "> "
}

// handle runs one line and reports whether the shell should exit
func (s *shell) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(line), ";"))
	if line == "" {
		return false
	}

	switch strings.ToLower(line) {
	case `\q`, "quit", "exit":
		if s.scope != nil {
			fmt.Fprintln(s.out, "Rolling back open transaction")
			s.finish(ctx, false)
		}
		return true
	case `\s`, "stats":
		s.stats()
		return false
	}

	if parsed := parser.Parse(line); parsed.IsTransactionControl() {
		switch parsed.Keyword {
		case "begin", "start":
			s.begin(ctx)
		case "commit", "end":
			s.finish(ctx, true)
		default:
			s.finish(ctx, false)
		}
		return false
	}

	var c *dispatch.Completion
	if s.scope != nil {
		c = s.scope.Query(ctx, line)
	} else {
		c = s.d.Submit(ctx, line)
	}
	res, err := c.Wait(ctx)
	if err != nil {
		s.printError(err)
		return false
	}
	s.print(res)
	return false
}

func (s *shell) begin(ctx context.Context) {
	if s.scope != nil {
		fmt.Fprintf(s.out, "Transaction %s already open\n", s.scope.ID())
		return
	}
	scope, err := s.d.BeginScope()
	if err != nil {
		s.printError(err)
		return
	}
	if err := scope.Begin(ctx); err != nil {
		s.printError(err)
		return
	}
	s.scope = scope
	fmt.Fprintf(s.out, "Transaction %s started\n", scope.ID())
}

func (s *shell) finish(ctx context.Context, commit bool) {
	if s.scope == nil {
		fmt.Fprintln(s.out, "No transaction in progress")
		return
	}
	scope := s.scope
	s.scope = nil

	var err error
	if commit {
		err = scope.Commit(ctx)
	} else {
		err = scope.Rollback(ctx)
	}
	if err != nil {
		s.printError(err)
		return
	}
	if commit {
		fmt.Fprintln(s.out, "Committed")
	} else {
		fmt.Fprintln(s.out, "Rolled back")
	}
}

func (s *shell) print(res *session.Result) {
	switch v := res.Value().(type) {
	case []session.Row:
		w := tabwriter.NewWriter(s.out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, strings.Join(res.Columns, "\t"))
		for _, row := range v {
			cells := make([]string, len(row))
			for i, cell := range row {
				if cell == nil {
					cells[i] = "NULL"
				} else {
					cells[i] = fmt.Sprint(cell)
				}
			}
			fmt.Fprintln(w, strings.Join(cells, "\t"))
		}
		w.Flush()
		fmt.Fprintf(s.out, "(%d rows)\n", len(v))
	case int64:
		fmt.Fprintf(s.out, "OK, insert id %d\n", v)
	default:
		if v == session.NoRows {
			fmt.Fprintln(s.out, "(0 rows)")
			return
		}
		fmt.Fprintf(s.out, "OK, %d rows affected\n", res.RowsAffected)
	}
}

func (s *shell) printError(err error) {
	switch {
	case errors.Is(err, dispatch.ErrTransactionLost):
		fmt.Fprintf(s.out, "ERROR: %v (roll back to release the session)\n", err)
	case errors.Is(err, dispatch.ErrConnectionExhausted):
		fmt.Fprintf(s.out, "ERROR: database unreachable: %v\n", err)
	default:
		fmt.Fprintf(s.out, "ERROR: %v\n", err)
	}
}

func (s *shell) stats() {
	st := s.d.Stats()
	fmt.Fprintf(s.out, "workers=%d queued=%d transactions=%d\n", st.Workers, st.Queued, st.Transactions)
	for _, w := range s.d.Workers() {
		fmt.Fprintf(s.out, "  worker %s: %s\n", w.ID(), w.State())
	}
}
