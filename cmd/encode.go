package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/emn-to-imap/emn"
)

var (
	mailbox        string
	mailAt         bool
	timestamp      string
	compressSuffix bool
)

var encodeCmd = &cobra.Command{
	Use:   "encode",
	Short: "Encode a WBXML EMN message and print it as hex",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n := emn.Notification{
			Mailbox:        mailbox,
			MailAt:         mailAt,
			CompressSuffix: compressSuffix,
		}
		if timestamp != "" {
			t, err := time.Parse(time.RFC3339, timestamp)
			if err != nil {
				return fmt.Errorf("parse --timestamp: %w", err)
			}
			n.Timestamp = t
		}

		data, err := emn.Encode(n)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), strings.ToUpper(fmt.Sprintf("%x", data)))
		return nil
	},
}

func init() {
	encodeCmd.Flags().StringVar(&mailbox, "mailbox", "", "Mailbox address to notify")
	encodeCmd.Flags().BoolVar(&mailAt, "mailat", true, "Use the mailbox=\"mailat: attribute")
	encodeCmd.Flags().StringVar(&timestamp, "timestamp", "", "Notification time (RFC 3339)")
	encodeCmd.Flags().BoolVar(&compressSuffix, "compress-suffix", false, "Encode .com/.edu/.net/.org as a single token")
	_ = encodeCmd.MarkFlagRequired("mailbox")
}

// Register adds the offline helper commands to root.
func Register(root *cobra.Command) {
	root.AddCommand(decodeCmd, encodeCmd)
}
