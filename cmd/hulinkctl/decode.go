package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/danmuck/hulink/internal/protocol"
	"github.com/danmuck/hulink/internal/protocol/session"
)

var decodeFile string

var decodeCmd = &cobra.Command{
	Use:   "decode [hex...]",
	Short: "Decode a captured byte stream into protocol messages",
	Long: `Decode hex-encoded wire bytes (arguments or --file, whitespace ignored)
and print every message, its control fields and any framing errors.

Examples:
  hulinkctl decode "51 07 00 01 00 00 00 03 00 00 00 01 61 62 63"
  hulinkctl decode -f capture.hex`,
	RunE: func(cmd *cobra.Command, args []string) error {
		raw := strings.Join(args, "")
		if decodeFile != "" {
			b, err := os.ReadFile(decodeFile)
			if err != nil {
				return err
			}
			raw += string(b)
		}
		wire, err := parseHex(raw)
		if err != nil {
			return err
		}
		return decodeStream(cmd.OutOrStdout(), wire)
	},
}

func init() {
	decodeCmd.Flags().StringVarP(&decodeFile, "file", "f", "", "file holding hex bytes")
}

func parseHex(raw string) ([]byte, error) {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t', ':':
			return -1
		}
		return r
	}, raw)
	clean = strings.TrimPrefix(strings.ToLower(clean), "0x")
	if clean == "" {
		return nil, fmt.Errorf("no input bytes")
	}
	return hex.DecodeString(clean)
}

func decodeStream(w io.Writer, wire []byte) error {
	dec := protocol.NewDecoder(protocol.NewCodec(0).Limits, protocol.DefaultMaxMessage)
	msgs, errs := dec.Feed(wire)
	for i, m := range msgs {
		fmt.Fprintf(w, "#%d type=%s id=%d role=%s version=%d encrypted=%t message_id=%d bytes=%d\n",
			i, m.SessionType, m.SessionID, m.Role, m.Version, m.Encrypted, m.MessageID, len(m.Payload))
		if !m.IsControl() {
			fmt.Fprintf(w, "   payload=%s\n", hex.EncodeToString(m.Payload))
			continue
		}
		fmt.Fprintf(w, "   control=%s\n", m.ControlInfo)
		if len(m.Payload) == 0 {
			continue
		}
		ctl, err := session.DecodeControl(m.ControlInfo, m.Payload)
		if err != nil {
			fmt.Fprintf(w, "   fields error: %v\n", err)
			continue
		}
		printControl(w, ctl)
	}
	for _, err := range errs {
		fmt.Fprintf(w, "error: %v\n", err)
	}
	if n := dec.Buffered(); n > 0 {
		fmt.Fprintf(w, "incomplete: %d trailing bytes\n", n)
	}
	if len(msgs) == 0 && len(errs) > 0 {
		return fmt.Errorf("no messages decoded")
	}
	return nil
}

func printControl(w io.Writer, c session.Control) {
	field := func(name string, v any) {
		fmt.Fprintf(w, "   %s=%v\n", name, v)
	}
	if c.CorrelationID != "" {
		field("correlation_id", c.CorrelationID)
	}
	if c.HashID != session.NoHash {
		field("hash_id", uint32(c.HashID))
	}
	if c.HasEncrypted {
		field("encrypted", c.Encrypted)
	}
	if len(c.RejectedParams) > 0 {
		field("rejected", strings.Join(c.RejectedParams, ","))
	}
	if c.ProtocolVersion != 0 {
		field("protocol_version", c.ProtocolVersion)
	}
	if c.MTU != 0 {
		field("mtu", c.MTU)
	}
	if c.AuthToken != "" {
		field("auth_token", c.AuthToken)
	}
	if c.DataSize != 0 {
		field("data_size", c.DataSize)
	}
	if c.Reason != "" {
		field("reason", c.Reason)
	}
	if c.TransportKind != "" {
		field("transport", c.TransportKind+"://"+c.TransportAddress)
	}
}
