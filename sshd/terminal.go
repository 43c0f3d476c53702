package sshd

import (
	"errors"
	"io"
	"strings"

	"golang.org/x/term"
)

// ErrExit is returned by a command callback to end the terminal it runs in.
var ErrExit = errors.New("exit")

// NewTerminal returns a line editing terminal over rw that completes command
// names from cmds on tab.
func NewTerminal(rw io.ReadWriter, prompt string, cmds *Commands) *term.Terminal {
	t := term.NewTerminal(rw, prompt)
	t.AutoCompleteCallback = func(line string, pos int, key rune) (newLine string, newPos int, ok bool) {
		// key 9 is tab
		if key == 9 {
			matches := cmds.Match(line)
			if len(matches) == 1 {
				return matches[0] + " ", len(matches[0]) + 1, true
			}

			t.Write([]byte(strings.Join(matches, "\n") + "\n\n"))
		}

		return "", 0, false
	}
	return t
}

// RunTerminal reads command lines from t until the input ends or a command
// returns ErrExit. Other command errors are passed to onErr.
func RunTerminal(t *term.Terminal, cmds *Commands, onErr func(error)) error {
	w := NewStringWriter(t)
	for {
		line, err := t.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		err = cmds.Dispatch(line, w)
		if errors.Is(err, ErrExit) {
			return nil
		}
		if err != nil && onErr != nil {
			onErr(err)
		}
	}
}
