package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dhcgn/emn-to-imap/emn"
)

var quiet bool

var decodeCmd = &cobra.Command{
	Use:   "decode [hex message]...",
	Short: "Decode WBXML EMN messages given as hex and print the mailbox address",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		failed := 0
		for _, arg := range args {
			data, err := emn.ParseHex(arg)
			if err == nil {
				var address string
				address, err = emn.Decode(data)
				if err == nil {
					fmt.Fprintln(out, address)
					continue
				}
			}

			failed++
			if !quiet {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", abbreviate(arg), err)
			}
		}

		if failed > 0 {
			return fmt.Errorf("%d of %d messages could not be decoded", failed, len(args))
		}
		return nil
	},
}

func abbreviate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 24 {
		return s[:21] + "..."
	}
	return s
}

func init() {
	decodeCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not print decode errors")
}
