package kms

import (
	"context"
	stderrors "errors"
	"hash/crc32"

	kms "cloud.google.com/go/kms/apiv1"
	"cloud.google.com/go/kms/apiv1/kmspb"
	"google.golang.org/api/option"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/eldorplus/pki/internal/config"
	"github.com/eldorplus/pki/internal/domain/service"
	"github.com/eldorplus/pki/pkg/errors"
	"github.com/eldorplus/pki/pkg/logger"
)

// GCPKMSAlgorithm names keys wrapped by Cloud KMS.
const GCPKMSAlgorithm = "gcp-kms"

// GCPClient is the subset of the Cloud KMS API the unit calls.
type GCPClient interface {
	Encrypt(ctx context.Context, req *kmspb.EncryptRequest) (*kmspb.EncryptResponse, error)
	Decrypt(ctx context.Context, req *kmspb.DecryptRequest) (*kmspb.DecryptResponse, error)
	Close() error
}

type gcpClient struct{ c *kms.KeyManagementClient }

func (g gcpClient) Encrypt(ctx context.Context, req *kmspb.EncryptRequest) (*kmspb.EncryptResponse, error) {
	return g.c.Encrypt(ctx, req)
}

func (g gcpClient) Decrypt(ctx context.Context, req *kmspb.DecryptRequest) (*kmspb.DecryptResponse, error) {
	return g.c.Decrypt(ctx, req)
}

func (g gcpClient) Close() error { return g.c.Close() }

// NewGCPClient dials Cloud KMS, using the credentials file when one is configured.
func NewGCPClient(ctx context.Context, cfg *config.GCPKMSConfig) (GCPClient, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	c, err := kms.NewKeyManagementClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return gcpClient{c}, nil
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

func crc32c(b []byte) *wrapperspb.Int64Value {
	return wrapperspb.Int64(int64(crc32.Checksum(b, crcTable)))
}

// GCPKMSUnit wraps archived keys with a Cloud KMS symmetric key. Requests and
// responses carry CRC32C checksums which are verified on both sides.
type GCPKMSUnit struct {
	name    string
	client  GCPClient
	keyName string
	log     logger.Logger
}

var _ service.StorageUnit = (*GCPKMSUnit)(nil)

// NewGCPKMSUnit creates a unit for the CryptoKey resource keyName.
func NewGCPKMSUnit(name string, client GCPClient, keyName string, log logger.Logger) *GCPKMSUnit {
	return &GCPKMSUnit{name: name, client: client, keyName: keyName, log: log.WithComponent("GCPKMSUnit")}
}

func (u *GCPKMSUnit) Name() string { return u.name }

func (u *GCPKMSUnit) Wrap(ctx context.Context, plaintext, aad []byte) (*service.WrappedKey, error) {
	resp, err := u.client.Encrypt(ctx, &kmspb.EncryptRequest{
		Name:                              u.keyName,
		Plaintext:                         plaintext,
		PlaintextCrc32C:                   crc32c(plaintext),
		AdditionalAuthenticatedData:       aad,
		AdditionalAuthenticatedDataCrc32C: crc32c(aad),
	})
	if err != nil {
		u.log.Warn(ctx, "kms encrypt failed", logger.String("key", u.keyName), logger.Err(err))
		return nil, errors.ErrCrypto("storage wrap", err)
	}
	if !resp.GetVerifiedPlaintextCrc32C() || !resp.GetVerifiedAdditionalAuthenticatedDataCrc32C() {
		return nil, errors.ErrCrypto("storage wrap", stderrors.New("request corrupted in transit"))
	}
	if resp.GetCiphertextCrc32C().GetValue() != crc32c(resp.GetCiphertext()).GetValue() {
		return nil, errors.ErrCrypto("storage wrap", stderrors.New("response corrupted in transit"))
	}
	return &service.WrappedKey{Algorithm: GCPKMSAlgorithm, Ciphertext: resp.GetCiphertext()}, nil
}

func (u *GCPKMSUnit) Unwrap(ctx context.Context, wrapped *service.WrappedKey, aad []byte) ([]byte, error) {
	if wrapped == nil || wrapped.Algorithm != GCPKMSAlgorithm {
		return nil, errors.ErrCrypto("storage unwrap", stderrors.New("unsupported wrapping algorithm"))
	}
	resp, err := u.client.Decrypt(ctx, &kmspb.DecryptRequest{
		Name:                              u.keyName,
		Ciphertext:                        wrapped.Ciphertext,
		CiphertextCrc32C:                  crc32c(wrapped.Ciphertext),
		AdditionalAuthenticatedData:       aad,
		AdditionalAuthenticatedDataCrc32C: crc32c(aad),
	})
	if err != nil {
		return nil, errors.ErrCrypto("storage unwrap", err)
	}
	if resp.GetPlaintextCrc32C().GetValue() != crc32c(resp.GetPlaintext()).GetValue() {
		return nil, errors.ErrCrypto("storage unwrap", stderrors.New("response corrupted in transit"))
	}
	return resp.GetPlaintext(), nil
}
