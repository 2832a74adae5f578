package main

import (
	"context"
	"fmt"
	"io"
	"os"

	apperrors "github.com/moralrecordings/mrstream/internal/platform/errors"
)

// Exit codes by error type.
const (
	exitFailure        = 1
	exitUsage          = 2
	exitAuthentication = 3
	exitPlatform       = 4
)

func main() {
	if err := newCLI().execute(context.Background(), os.Args[1:]); err != nil {
		os.Exit(report(os.Stderr, err))
	}
}

// report prints err and returns the process exit code for it.
func report(w io.Writer, err error) int {
	structured := apperrors.AsStructuredError(err)
	if service, ok := structured.Context["service"]; ok {
		fmt.Fprintf(w, "Error (%s, service %v): %v\n", structured.Type, service, err)
	} else {
		fmt.Fprintf(w, "Error (%s): %v\n", structured.Type, err)
	}

	switch structured.Type {
	case apperrors.TypeValidation, apperrors.TypeMalformedInput, apperrors.TypeNotFound, apperrors.TypeConflict:
		return exitUsage
	case apperrors.TypeAuthentication:
		return exitAuthentication
	case apperrors.TypeExternal, apperrors.TypeTransport, apperrors.TypeRateLimited:
		return exitPlatform
	default:
		return exitFailure
	}
}
