package main

import (
	"bufio"
	"fmt"
	"os"
	"unicode/utf8"

	"golang.org/x/term"
)

// inputFeed supplies the runes ',' consumes: queued -input text first, then
// single keystrokes when stdin is a terminal, then buffered runes from a pipe.
type inputFeed struct {
	queue []rune
	stdin *bufio.Reader
}

func newInputFeed(preset string) *inputFeed {
	return &inputFeed{queue: []rune(preset), stdin: bufio.NewReader(os.Stdin)}
}

func (f *inputFeed) push(text string) {
	f.queue = append(f.queue, []rune(text)...)
}

func (f *inputFeed) buffered() bool { return len(f.queue) > 0 }

// pop removes and returns the next queued rune without touching the
// terminal. Callers check buffered first.
func (f *inputFeed) pop() rune {
	ch := f.queue[0]
	f.queue = f.queue[1:]
	return ch
}

func (f *inputFeed) next() (rune, error) {
	if len(f.queue) > 0 {
		ch := f.queue[0]
		f.queue = f.queue[1:]
		return ch, nil
	}
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		return readKey(fd)
	}
	ch, _, err := f.stdin.ReadRune()
	if err != nil {
		return 0, fmt.Errorf("reading input: %w", err)
	}
	return ch, nil
}

// readKey reads a single keystroke without waiting for a newline. The
// terminal is restored before returning.
func readKey(fd int) (rune, error) {
	old, err := term.MakeRaw(fd)
	if err != nil {
		return 0, err
	}
	defer term.Restore(fd, old)

	var buf [4]byte
	if _, err := os.Stdin.Read(buf[:1]); err != nil {
		return 0, err
	}
	switch buf[0] {
	case 3, 4: // Ctrl-C, Ctrl-D
		return 0, fmt.Errorf("interrupted")
	case '\r':
		return '\n', nil
	}

	n := 1
	switch {
	case buf[0] >= 0xF0:
		n = 4
	case buf[0] >= 0xE0:
		n = 3
	case buf[0] >= 0xC0:
		n = 2
	}
	for i := 1; i < n; i++ {
		if _, err := os.Stdin.Read(buf[i : i+1]); err != nil {
			return 0, err
		}
	}
	ch, _ := utf8.DecodeRune(buf[:n])
	return ch, nil
}
