package passphrase

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// ErrEmpty is returned when the resolved passphrase is blank.
var ErrEmpty = errors.New("passphrase: keystore passphrase cannot be empty")

// Source resolves a keystore passphrase from an environment variable or by
// prompting on the terminal. The first successful result is cached.
type Source struct {
	envVar string
	label  string

	// Prompt reads a secret from the terminal; overridable in tests.
	Prompt func(label string) (string, error)

	once  sync.Once
	value string
	err   error
}

// NewSource checks envVar before prompting with label.
func NewSource(envVar, label string) *Source {
	label = strings.TrimSpace(label)
	if label == "" {
		label = "keystore passphrase"
	}
	return &Source{envVar: strings.TrimSpace(envVar), label: label, Prompt: terminalPrompt}
}

// Get returns the cached passphrase or resolves it on first use. An env
// value is used verbatim; whitespace-only values are rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := os.LookupEnv(s.envVar); ok {
				if strings.TrimSpace(value) == "" {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = value
				return
			}
		}
		if s.Prompt == nil {
			s.err = fmt.Errorf("%s required; set %s", s.label, s.envVar)
			return
		}
		value, err := s.Prompt(s.label)
		if err != nil {
			if s.envVar != "" {
				s.err = fmt.Errorf("%s required; set %s or run interactively: %w", s.label, s.envVar, err)
			} else {
				s.err = err
			}
			return
		}
		if strings.TrimSpace(value) == "" {
			s.err = ErrEmpty
			return
		}
		s.value = value
	})
	return s.value, s.err
}

var errNoTerminal = errors.New("no terminal available")

func terminalPrompt(label string) (string, error) {
	return readSecret(os.Stdin, os.Stderr, label)
}

func readSecret(in *os.File, out io.Writer, label string) (string, error) {
	if !term.IsTerminal(int(in.Fd())) {
		return "", errNoTerminal
	}
	fmt.Fprintf(out, "Enter %s: ", label)
	bytes, err := term.ReadPassword(int(in.Fd()))
	fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	return string(bytes), nil
}
