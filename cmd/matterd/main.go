// matterd runs a commissionable Matter node: it listens on the Matter
// port, answers PASE while its commissioning window is open, and
// answers CASE for every installed fabric identity.
//
// Usage:
//
//	matterd serve --config matterd.toml
//	matterd gen-verifier --passcode 20202021
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "matterd",
		Short:         "Matter secure session daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), genVerifierCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "matterd:", err)
		os.Exit(1)
	}
}
