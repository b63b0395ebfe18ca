// Command autoflow runs scheduled and event-triggered AI workflows and
// offers the operator commands around them.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/rendis/autoflow/pkg/schema"
)

func main() {
	if err := newRootCommand(newApp()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps user errors (bad input, unknown IDs) to 2 and everything
// else to 1.
func exitCode(err error) int {
	var se *schema.Error
	if errors.As(err, &se) {
		switch se.Code {
		case schema.ErrCodeValidation, schema.ErrCodeNotFound, schema.ErrCodeConfiguration, schema.ErrCodeCycleDetected:
			return 2
		}
	}
	return 1
}
