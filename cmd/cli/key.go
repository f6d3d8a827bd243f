package cli

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Generate the key material the engine is configured with",
}

var transportKeyCmd = &cobra.Command{
	Use:   "transport",
	Short: "Generate the RSA transport key clients wrap session keys to",
	RunE: func(cmd *cobra.Command, args []string) error {
		bits, _ := cmd.Flags().GetInt("bits")
		out, _ := cmd.Flags().GetString("out")
		if bits < 2048 {
			return fmt.Errorf("transport key must be at least 2048 bits, got %d", bits)
		}
		key, err := rsa.GenerateKey(rand.Reader, bits)
		if err != nil {
			return err
		}
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			return err
		}
		if err := os.WriteFile(out, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0o600); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %d-bit transport key to %s\nset crypto.transport_key: %s\n", bits, out, out)
		return nil
	},
}

var kekCmd = &cobra.Command{
	Use:   "kek",
	Short: "Generate a storage KEK for the software storage unit",
	RunE: func(cmd *cobra.Command, args []string) error {
		kek := make([]byte, 32)
		if _, err := rand.Read(kek); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), base64.StdEncoding.EncodeToString(kek))
		return nil
	},
}

func init() {
	transportKeyCmd.Flags().Int("bits", 2048, "RSA modulus size")
	transportKeyCmd.Flags().String("out", "transport.pem", "output PEM file")
	keyCmd.AddCommand(transportKeyCmd, kekCmd)
	rootCmd.AddCommand(keyCmd)
}
