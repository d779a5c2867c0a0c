package main

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hearthlink/matter/pkg/crypto"
	"github.com/hearthlink/matter/pkg/secure/pase"
)

func genVerifierCmd() *cobra.Command {
	var (
		passcode   uint32
		saltB64    string
		iterations uint32
	)

	cmd := &cobra.Command{
		Use:   "gen-verifier",
		Short: "Derive a SPAKE2+ verifier from a setup passcode",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := pase.ValidatePasscode(passcode); err != nil {
				return err
			}

			var salt []byte
			var err error
			if saltB64 != "" {
				salt, err = base64.StdEncoding.DecodeString(saltB64)
				if err != nil {
					return fmt.Errorf("decode salt: %w", err)
				}
			} else {
				salt, err = crypto.RandomBytes(nil, 32)
				if err != nil {
					return err
				}
			}
			if err := pase.ValidatePBKDFParams(salt, iterations); err != nil {
				return err
			}

			verifier, err := pase.GenerateVerifier(passcode, salt, iterations)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "salt:      ", base64.StdEncoding.EncodeToString(salt))
			fmt.Fprintln(out, "iterations:", iterations)
			fmt.Fprintln(out, "verifier:  ", hex.EncodeToString(verifier.Serialize()))
			return nil
		},
	}

	cmd.Flags().Uint32Var(&passcode, "passcode", 0, "setup passcode (required)")
	cmd.Flags().StringVar(&saltB64, "salt", "", "base64 PBKDF salt (random if omitted)")
	cmd.Flags().Uint32Var(&iterations, "iterations", 1000, "PBKDF2 iteration count")
	cmd.MarkFlagRequired("passcode")
	return cmd
}
