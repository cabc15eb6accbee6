package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/triage-ai/palisade/toolgate/internal/policy"
)

// Exit codes.
const (
	exitOK        = 0
	exitError     = 1
	exitViolation = 3
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, policy.ErrPolicyViolation):
		return exitViolation
	default:
		return exitError
	}
}
