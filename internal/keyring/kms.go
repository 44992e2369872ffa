package keyring

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/kms"
	"github.com/aws/aws-sdk-go/service/kms/kmsiface"
)

// KMS wraps data keys with an AWS KMS customer master key. The key id
// recorded per document is the ARN KMS reports, so unwrapping keeps working
// after the alias moves.
type KMS struct {
	KeyID string

	kms kmsiface.KMSAPI
}

var _ Keyring = (*KMS)(nil)

func NewKMS(client kmsiface.KMSAPI, keyID string) *KMS {
	return &KMS{KeyID: keyID, kms: client}
}

func (k *KMS) Wrap(ctx context.Context, dek []byte) (string, []byte, error) {
	resp, err := k.kms.EncryptWithContext(ctx, &kms.EncryptInput{
		KeyId:     aws.String(k.KeyID),
		Plaintext: dek,
	})
	if err != nil {
		return "", nil, fmt.Errorf("keyring: kms encrypt: %w", err)
	}
	keyID := aws.StringValue(resp.KeyId)
	if keyID == "" {
		keyID = k.KeyID
	}
	return keyID, resp.CiphertextBlob, nil
}

func (k *KMS) Unwrap(ctx context.Context, keyID string, wrapped []byte) ([]byte, error) {
	in := &kms.DecryptInput{CiphertextBlob: wrapped}
	if keyID != "" {
		in.KeyId = aws.String(keyID)
	}
	resp, err := k.kms.DecryptWithContext(ctx, in)
	if err != nil {
		if rejected(err) {
			return nil, fmt.Errorf("%w: kms decrypt: %v", ErrUnwrap, err)
		}
		return nil, fmt.Errorf("keyring: kms decrypt: %w", err)
	}
	return resp.Plaintext, nil
}

// rejected reports whether KMS refused the ciphertext itself. Anything else
// (network, throttling, access) says nothing about the wrapped key.
func rejected(err error) bool {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return false
	}
	switch aerr.Code() {
	case kms.ErrCodeInvalidCiphertextException, kms.ErrCodeIncorrectKeyException:
		return true
	}
	return false
}
