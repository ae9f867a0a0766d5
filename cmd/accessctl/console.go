package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

type lineResult struct {
	line string
	err  error
}

// console reads operator input. At most one line read is outstanding at a
// time; a read abandoned by a select is picked up by the next caller.
type console struct {
	in       *bufio.Reader
	out      io.Writer
	fd       int
	terminal bool
	pending  chan lineResult
}

func newConsole(in io.Reader, out io.Writer) *console {
	c := &console{in: bufio.NewReader(in), out: out}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		c.fd = int(f.Fd())
		c.terminal = true
	}
	return c
}

func (c *console) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

// lineAsync returns the channel of the outstanding read, starting one if
// none is pending.
func (c *console) lineAsync() <-chan lineResult {
	if c.pending == nil {
		ch := make(chan lineResult, 1)
		go func() {
			line, err := c.in.ReadString('\n')
			if err == io.EOF && line != "" {
				err = nil
			}
			ch <- lineResult{line: strings.TrimRight(line, "\r\n"), err: err}
		}()
		c.pending = ch
	}
	return c.pending
}

func (c *console) take(r lineResult) (string, error) {
	c.pending = nil
	return r.line, r.err
}

func (c *console) readLine(ctx context.Context) (string, error) {
	select {
	case r := <-c.lineAsync():
		return c.take(r)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *console) prompt(ctx context.Context, label string) (string, error) {
	c.printf("%s", label)
	line, err := c.readLine(ctx)
	return strings.TrimSpace(line), err
}

// secret reads a line without echo when attached to a terminal.
func (c *console) secret(ctx context.Context, label string) (string, error) {
	if !c.terminal || c.pending != nil {
		return c.prompt(ctx, label)
	}
	c.printf("%s", label)
	b, err := term.ReadPassword(c.fd)
	c.printf("\n")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}
