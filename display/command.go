// Package display decides between table and JSON output for CLI commands.
package display

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/teranos/onair/errors"
)

// OutputEnv selects the default output format for scripts: "json" or
// "compact" (single-line JSON).
const OutputEnv = "ONAIR_OUTPUT"

// ShouldOutputJSON reports whether cmd should print JSON. An explicit --json
// flag wins; otherwise ONAIR_OUTPUT decides.
func ShouldOutputJSON(cmd *cobra.Command) bool {
	if cmd != nil && cmd.Flags().Lookup("json") != nil && cmd.Flags().Changed("json") {
		v, _ := cmd.Flags().GetBool("json")
		return v
	}
	switch outputMode() {
	case "json", "compact":
		return true
	}
	return false
}

func outputMode() string {
	return strings.ToLower(strings.TrimSpace(os.Getenv(OutputEnv)))
}

// OutputJSON writes v to w using MarshalJSON.
func OutputJSON(w io.Writer, v interface{}) error {
	data, err := MarshalJSON(v)
	if err != nil {
		return errors.Wrap(err, "failed to marshal JSON")
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
