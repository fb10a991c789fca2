package main

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/term"
)

// passwordEnv supplies the password non-interactively.
const passwordEnv = "SB_PASSWORD"

// readPassword returns SB_PASSWORD when set. Otherwise, when required, it
// prompts on the terminal; confirm asks for the password twice.
func readPassword(required, confirm bool) (string, error) {
	if pw := os.Getenv(passwordEnv); pw != "" {
		return pw, nil
	}
	if !required {
		return "", nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("password required: set %s or run from a terminal", passwordEnv)
	}

	pw, err := prompt(fd, "Password: ")
	if err != nil {
		return "", err
	}
	if pw == "" {
		return "", errors.New("password must not be empty")
	}

	if confirm {
		again, err := prompt(fd, "Confirm password: ")
		if err != nil {
			return "", err
		}
		if again != pw {
			return "", errors.New("passwords do not match")
		}
	}
	return pw, nil
}

func prompt(fd int, label string) (string, error) {
	fmt.Fprint(os.Stderr, label)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(b), nil
}
