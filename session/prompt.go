package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
)

// Prompter asks an operator to finish a step by hand and blocks until they confirm.
type Prompter interface {
	Confirm(ctx context.Context, message string) error
}

// LinePrompter writes message to Out and waits for a line on In.
type LinePrompter struct {
	In  io.Reader
	Out io.Writer
}

// Confirm returns once a line is read, or with ctx's error.
func (p LinePrompter) Confirm(ctx context.Context, message string) error {
	fmt.Fprintln(p.Out, message)

	done := make(chan error, 1)
	go func() {
		_, err := bufio.NewReader(p.In).ReadString('\n')
		if err != nil {
			err = fmt.Errorf("read confirmation: %w", err)
		}
		done <- err
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}
