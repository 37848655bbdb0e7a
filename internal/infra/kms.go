package infra

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"

	kms "cloud.google.com/go/kms/apiv1"
	kmspb "cloud.google.com/go/kms/apiv1/kmspb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// sealKeyAAD は封印鍵の暗号文に結び付ける追加認証データ。
// 同じKMS鍵で暗号化された別用途の暗号文を SEAL_KEY_CIPHERTEXT として受け付けない。
var sealKeyAAD = []byte("hr-key-management/seal-key/v1")

// ErrKMSChecksum はKMSとの通信でCRC32Cが一致しなかったことを表す。
var ErrKMSChecksum = errors.New("kms checksum mismatch")

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

func crc32c(data []byte) int64 {
	return int64(crc32.Checksum(data, crc32cTable))
}

// checksumMatches はKMSが返したCRC32Cを検証する。値が無い場合は不一致とする。
func checksumMatches(data []byte, got *wrapperspb.Int64Value) bool {
	return got != nil && got.GetValue() == crc32c(data)
}

// KMSClient は封印鍵を保護するCloud KMSクライアント。
type KMSClient struct {
	client  *kms.KeyManagementClient
	keyName string
}

// NewKMSClient は指定したキー名でKMSClientを生成する。
func NewKMSClient(ctx context.Context, keyName string) (*KMSClient, error) {
	if keyName == "" {
		return nil, fmt.Errorf("KMS key name is required")
	}

	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating KMS client: %w", err)
	}
	return &KMSClient{client: client, keyName: keyName}, nil
}

// Encrypt は封印鍵を暗号化する。送受信ともCRC32Cで検証する。
func (c *KMSClient) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	resp, err := c.client.Encrypt(ctx, &kmspb.EncryptRequest{
		Name:                              c.keyName,
		Plaintext:                         plaintext,
		PlaintextCrc32C:                   wrapperspb.Int64(crc32c(plaintext)),
		AdditionalAuthenticatedData:       sealKeyAAD,
		AdditionalAuthenticatedDataCrc32C: wrapperspb.Int64(crc32c(sealKeyAAD)),
	})
	if err != nil {
		return nil, fmt.Errorf("encrypting seal key: %w", err)
	}
	if !resp.GetVerifiedPlaintextCrc32C() || !resp.GetVerifiedAdditionalAuthenticatedDataCrc32C() {
		return nil, fmt.Errorf("encrypting seal key: request corrupted in transit: %w", ErrKMSChecksum)
	}
	if !checksumMatches(resp.GetCiphertext(), resp.GetCiphertextCrc32C()) {
		return nil, fmt.Errorf("encrypting seal key: response corrupted in transit: %w", ErrKMSChecksum)
	}
	return resp.GetCiphertext(), nil
}

// Decrypt は封印鍵の暗号文を復号する。
func (c *KMSClient) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	resp, err := c.client.Decrypt(ctx, &kmspb.DecryptRequest{
		Name:                              c.keyName,
		Ciphertext:                        ciphertext,
		CiphertextCrc32C:                  wrapperspb.Int64(crc32c(ciphertext)),
		AdditionalAuthenticatedData:       sealKeyAAD,
		AdditionalAuthenticatedDataCrc32C: wrapperspb.Int64(crc32c(sealKeyAAD)),
	})
	if err != nil {
		return nil, fmt.Errorf("decrypting seal key: %w", err)
	}
	if !checksumMatches(resp.GetPlaintext(), resp.GetPlaintextCrc32C()) {
		return nil, fmt.Errorf("decrypting seal key: response corrupted in transit: %w", ErrKMSChecksum)
	}
	return resp.GetPlaintext(), nil
}

// Close はKMSクライアントを閉じる。
func (c *KMSClient) Close() error {
	return c.client.Close()
}
