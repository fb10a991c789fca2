package encryption

import (
	"fmt"

	"sb-go/internal/config"
	"sb-go/internal/sb"
)

// NewEncryptorsFromConfig returns the configured encryptor first, followed by
// the other supported ones so artifacts of either kind can be restored.
func NewEncryptorsFromConfig(cfg config.EncryptionConfig) ([]sb.Encryptor, error) {
	cbc := NewCBCEncryptor()
	ag := NewAgeEncryptor(cfg.AgeWorkFactor)

	switch cfg.Type {
	case "aes-cbc", "":
		return []sb.Encryptor{cbc, ag}, nil
	case "age":
		return []sb.Encryptor{ag, cbc}, nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
