package encryption

import (
	"fmt"

	"dt-go/internal/config"
	"dt-go/internal/deploy"
)

// NewEncryptorFromConfig creates an Encryptor based on the configuration
// type. Returns (nil, nil) when encryption is disabled.
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (deploy.Encryptor, error) {
	switch cfg.Type {
	case "":
		return nil, nil
	case "age":
		return NewAgeEncryptor(cfg), nil
	case "test":
		return NewTestEncryptor(), nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
