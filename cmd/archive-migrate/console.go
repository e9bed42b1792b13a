package main

import (
	"fmt"
	"io"

	"github.com/example/media-archive/internal/progress"
)

// consoleSubscriber renders migration events as plain lines for an
// operator watching the terminal.
type consoleSubscriber struct {
	out io.Writer
}

func newConsoleSubscriber(out io.Writer) *consoleSubscriber {
	return &consoleSubscriber{out: out}
}

func (c *consoleSubscriber) OnProgress(e progress.ProgressEvent) error {
	_, err := fmt.Fprintf(c.out, "  [%3d%%] %s: %s\n", e.Percent, e.Operation, e.Detail)
	return err
}

func (c *consoleSubscriber) OnError(e progress.ErrorEvent) error {
	_, err := fmt.Fprintf(c.out, "  [fail] %s: %s (%v)\n", e.Operation, e.Detail, e.Err)
	return err
}

func (c *consoleSubscriber) OnSuccess(e progress.SuccessEvent) error {
	_, err := fmt.Fprintf(c.out, "  [done] %s: %s\n", e.Operation, e.Message)
	return err
}
