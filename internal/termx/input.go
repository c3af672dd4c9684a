// Package termx reads secrets from the operator's terminal.
package termx

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Test seams for the terminal.
var (
	readPassword = term.ReadPassword
	isTerminal   = term.IsTerminal
)

var ErrMismatch = errors.New("entries do not match")

// GetSecret prints prompt to w and reads one line without echo. When stdin
// is not a terminal the line is read from in instead, so values can be piped.
func GetSecret(in io.Reader, w io.Writer, prompt string) ([]byte, error) {
	if _, err := fmt.Fprint(w, prompt); err != nil {
		return nil, err
	}

	fd := int(os.Stdin.Fd())
	if !isTerminal(fd) {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return nil, err
		}
		return []byte(strings.TrimRight(line, "\r\n")), nil
	}

	secret, err := readPassword(fd)
	fmt.Fprintln(w)
	if err != nil {
		return nil, err
	}
	return secret, nil
}

// GetConfirmedSecret asks twice and fails with ErrMismatch unless both
// entries are equal. Only terminal input is confirmed.
func GetConfirmedSecret(in io.Reader, w io.Writer, prompt string) ([]byte, error) {
	first, err := GetSecret(in, w, prompt)
	if err != nil {
		return nil, err
	}
	if !isTerminal(int(os.Stdin.Fd())) {
		return first, nil
	}
	second, err := GetSecret(in, w, "Repeat: ")
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(first, second) {
		return nil, ErrMismatch
	}
	return first, nil
}
