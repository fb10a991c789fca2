package encryption

import (
	"fmt"
	"io"

	"filippo.io/age"

	"sb-go/internal/sb"
)

// AgeSuffix marks artifacts written by AgeEncryptor.
const AgeSuffix = ".age"

// AgeEncryptor implements sb.Encryptor with age's scrypt passphrase
// recipient. Unlike CBCEncryptor its artifacts are authenticated, so a wrong
// passphrase is always reported as an error.
type AgeEncryptor struct {
	workFactor int
}

var _ sb.Encryptor = (*AgeEncryptor)(nil)

// NewAgeEncryptor creates an AgeEncryptor. workFactor is the scrypt log2(N)
// cost; zero keeps age's default.
func NewAgeEncryptor(workFactor int) *AgeEncryptor {
	return &AgeEncryptor{workFactor: workFactor}
}

func (e *AgeEncryptor) Suffix() string { return AgeSuffix }

// Encrypt reads plaintext from r and writes age-encrypted ciphertext to w.
func (e *AgeEncryptor) Encrypt(r io.Reader, w io.Writer, password string) error {
	recipient, err := age.NewScryptRecipient(password)
	if err != nil {
		return fmt.Errorf("creating scrypt recipient: %w", err)
	}
	if e.workFactor > 0 {
		recipient.SetWorkFactor(e.workFactor)
	}

	encWriter, err := age.Encrypt(w, recipient)
	if err != nil {
		return fmt.Errorf("creating encrypted writer: %w", err)
	}

	if _, err := io.Copy(encWriter, r); err != nil {
		return fmt.Errorf("encrypting data: %w", err)
	}

	if err := encWriter.Close(); err != nil {
		return fmt.Errorf("finalizing encryption: %w", err)
	}

	return nil
}

// Decrypt reads age-encrypted ciphertext from r and writes plaintext to w.
func (e *AgeEncryptor) Decrypt(r io.Reader, w io.Writer, password string) error {
	identity, err := age.NewScryptIdentity(password)
	if err != nil {
		return fmt.Errorf("creating scrypt identity: %w", err)
	}

	decReader, err := age.Decrypt(r, identity)
	if err != nil {
		return fmt.Errorf("creating decrypted reader: %w", err)
	}

	if _, err := io.Copy(w, decReader); err != nil {
		return fmt.Errorf("decrypting data: %w", err)
	}

	return nil
}
