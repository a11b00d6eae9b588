package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/danmuck/hulink/internal/config"
	"github.com/danmuck/hulink/internal/security"
)

var (
	configOverwrite bool
	keyPeer         string
	keyPrivate      string
	keySalt         string
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Create or check configuration files",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write an example config to --config",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.WriteTemplate(configFile, configOverwrite); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", configFile)
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load --config and report problems",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		secondary := "none"
		if cfg.Secondary != nil {
			secondary = fmt.Sprintf("%s://%s", cfg.Secondary.Kind, cfg.Secondary.Address)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "VALID: primary=%s://%s secondary=%s max_version=%d mtu=%d\n",
			cfg.Primary.Kind, cfg.Primary.Address, secondary, cfg.MaxVersion, cfg.MTU)
		return nil
	},
}

var configKeyCmd = &cobra.Command{
	Use:   "key",
	Short: "Generate an X25519 key pair or derive a [security] key",
	Long: `Without --peer, prints a fresh X25519 key pair.
With --peer (and --private from an earlier run), derives the shared
ChaCha20-Poly1305 key to paste into [security].key.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if keyPeer == "" {
			kp, err := security.GenerateKeyPair()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "private = %x\npublic  = %x\n", kp.Private, kp.Public)
			return nil
		}
		priv, err := key32("private", keyPrivate)
		if err != nil {
			return err
		}
		peer, err := key32("peer", keyPeer)
		if err != nil {
			return err
		}
		key, err := security.DeriveKey(priv, peer, []byte(keySalt))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "key = %q\n", hex.EncodeToString(key))
		return nil
	},
}

func key32(name, raw string) ([32]byte, error) {
	var k [32]byte
	b, err := hex.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return k, fmt.Errorf("--%s: %w", name, err)
	}
	if len(b) != len(k) {
		return k, fmt.Errorf("--%s: want %d bytes, got %d", name, len(k), len(b))
	}
	copy(k[:], b)
	return k, nil
}

func init() {
	configInitCmd.Flags().BoolVar(&configOverwrite, "force", false, "overwrite an existing file")
	configKeyCmd.Flags().StringVar(&keyPeer, "peer", "", "peer public key (hex)")
	configKeyCmd.Flags().StringVar(&keyPrivate, "private", "", "our private key (hex)")
	configKeyCmd.Flags().StringVar(&keySalt, "salt", "hulink", "key derivation salt")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configKeyCmd)
}
