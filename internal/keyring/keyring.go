// Package keyring wraps per-document data keys with a master key held
// outside the catalog, so a leaked catalog row cannot decrypt its blob.
package keyring

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/kms"
)

var (
	ErrUnknownKey = errors.New("keyring: unknown master key")
	ErrUnwrap     = errors.New("keyring: unable to unwrap data key")
	ErrNoKeys     = errors.New("keyring: no master keys configured")
)

// Keyring wraps and unwraps data encryption keys.
type Keyring interface {
	// Wrap encrypts dek under the active master key and returns that key's id.
	Wrap(ctx context.Context, dek []byte) (keyID string, wrapped []byte, err error)
	// Unwrap decrypts a data key previously wrapped under keyID.
	Unwrap(ctx context.Context, keyID string, wrapped []byte) ([]byte, error)
}

type Provider string

const (
	ProviderLocal Provider = "local"
	ProviderKMS   Provider = "kms"
)

type Options struct {
	Provider Provider

	// local
	KeyFile   string
	KeysEnv   string
	ActiveKey string

	// kms
	KMSKeyID  string
	AWSRegion string
}

// Open builds the keyring selected by opts.Provider.
func Open(opts Options) (Keyring, error) {
	switch opts.Provider {
	case ProviderLocal, "":
		var (
			kf  *KeyFile
			err error
		)
		switch {
		case opts.KeyFile != "":
			kf, err = LoadKeyFile(opts.KeyFile)
		case opts.KeysEnv != "":
			kf, err = ParseKeyList(opts.KeysEnv)
		default:
			return nil, ErrNoKeys
		}
		if err != nil {
			return nil, err
		}
		if opts.ActiveKey != "" {
			kf.Active = opts.ActiveKey
		}
		return kf.SecretBox()
	case ProviderKMS:
		if opts.KMSKeyID == "" {
			return nil, fmt.Errorf("keyring: KMS_KEY_ID is required for provider %q", opts.Provider)
		}
		sess, err := session.NewSession(&aws.Config{Region: aws.String(opts.AWSRegion)})
		if err != nil {
			return nil, fmt.Errorf("keyring: aws session: %w", err)
		}
		return NewKMS(kms.New(sess), opts.KMSKeyID), nil
	default:
		return nil, fmt.Errorf("keyring: unknown provider %q", opts.Provider)
	}
}
