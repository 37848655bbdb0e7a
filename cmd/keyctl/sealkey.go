package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"

	"hr-key-management/internal/infra"
)

const sealKeyLength = 32

// sealKeyCmd は鍵レコード封印用HMAC鍵を生成し、KMSで暗号化して出力する。
// 出力は SEAL_KEY_CIPHERTEXT にそのまま設定できる。
func sealKeyCmd() *cobra.Command {
	var keyName string
	cmd := &cobra.Command{
		Use:   "seal-key",
		Short: "Generate a record seal key wrapped by Cloud KMS",
		RunE: func(cmd *cobra.Command, args []string) error {
			if keyName == "" {
				keyName = os.Getenv("KMS_KEY_NAME")
			}
			if keyName == "" {
				return fmt.Errorf("--kms-key is required (or set KMS_KEY_NAME)")
			}

			client, err := infra.NewKMSClient(cmd.Context(), keyName)
			if err != nil {
				return err
			}
			defer client.Close()

			key := make([]byte, sealKeyLength)
			if _, err := rand.Read(key); err != nil {
				return fmt.Errorf("generating seal key: %w", err)
			}
			defer memguard.WipeBytes(key)

			ciphertext, err := client.Encrypt(cmd.Context(), key)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "SEAL_KEY_CIPHERTEXT=%s\n", base64.StdEncoding.EncodeToString(ciphertext))
			return nil
		},
	}
	cmd.Flags().StringVar(&keyName, "kms-key", "", "Cloud KMS key resource name")
	return cmd
}
