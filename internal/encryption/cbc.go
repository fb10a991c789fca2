package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"sb-go/internal/sb"
)

const (
	// SaltSize is the length of the random PBKDF2 salt at the head of an artifact.
	SaltSize = 16

	// KeySize selects AES-256.
	KeySize = 32

	// Iterations is the PBKDF2-HMAC-SHA256 iteration count.
	Iterations = 100000

	// CBCSuffix marks artifacts written by CBCEncryptor.
	CBCSuffix = ".enc"

	// streamChunk must stay a multiple of aes.BlockSize.
	streamChunk = 64 * 1024
)

// DeriveKey stretches a password into an AES-256 key with PBKDF2-HMAC-SHA256.
// The same password and salt always give the same key.
func DeriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, Iterations, KeySize, sha256.New)
}

// EncryptStream encrypts r to w with AES-256-CBC and PKCS#7 padding. Padding
// is always added, so block-aligned input grows by one full block.
func EncryptStream(key, iv []byte, r io.Reader, w io.Writer) error {
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("creating cipher: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return fmt.Errorf("iv must be %d bytes, got %d", aes.BlockSize, len(iv))
	}
	mode := cipher.NewCBCEncrypter(block, iv)

	buf := make([]byte, streamChunk+aes.BlockSize)
	for {
		n, err := io.ReadFull(r, buf[:streamChunk])
		if err == nil {
			mode.CryptBlocks(buf[:n], buf[:n])
			if _, err := w.Write(buf[:n]); err != nil {
				return fmt.Errorf("writing ciphertext: %w", err)
			}
			continue
		}
		if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("reading plaintext: %w", err)
		}

		// Final chunk: pad to a block boundary, 1..16 bytes of value padLen.
		padLen := aes.BlockSize - n%aes.BlockSize
		for i := 0; i < padLen; i++ {
			buf[n+i] = byte(padLen)
		}
		n += padLen
		mode.CryptBlocks(buf[:n], buf[:n])
		if _, err := w.Write(buf[:n]); err != nil {
			return fmt.Errorf("writing ciphertext: %w", err)
		}
		return nil
	}
}

// DecryptStream reverses EncryptStream. The pad length is read from the last
// plaintext byte and stripped without checking the pad bytes, so a wrong key
// usually yields garbage rather than an error. It fails only when the
// ciphertext is not a whole number of blocks or the pad length exceeds the
// plaintext.
func DecryptStream(key, iv []byte, r io.Reader, w io.Writer) error {
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("creating cipher: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return fmt.Errorf("iv must be %d bytes, got %d", aes.BlockSize, len(iv))
	}
	mode := cipher.NewCBCDecrypter(block, iv)

	// The final chunk is held back until EOF so the padding can be stripped.
	var pending []byte
	buf := make([]byte, streamChunk)
	total := 0
	for {
		n, err := io.ReadFull(r, buf)
		total += n
		if n > 0 {
			if n%aes.BlockSize != 0 {
				return fmt.Errorf("ciphertext is not a multiple of the block size")
			}
			if len(pending) > 0 {
				if _, werr := w.Write(pending); werr != nil {
					return fmt.Errorf("writing plaintext: %w", werr)
				}
			}
			chunk := make([]byte, n)
			mode.CryptBlocks(chunk, buf[:n])
			pending = chunk
		}
		if err == nil {
			continue
		}
		if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("reading ciphertext: %w", err)
		}
		break
	}

	if total == 0 {
		return fmt.Errorf("ciphertext is empty")
	}

	padLen := int(pending[len(pending)-1])
	if padLen > len(pending) {
		return fmt.Errorf("invalid padding length %d", padLen)
	}
	if _, err := w.Write(pending[:len(pending)-padLen]); err != nil {
		return fmt.Errorf("writing plaintext: %w", err)
	}
	return nil
}

// CBCEncryptor writes artifacts laid out as salt(16) || iv(16) || ciphertext.
type CBCEncryptor struct{}

var _ sb.Encryptor = (*CBCEncryptor)(nil)

func NewCBCEncryptor() *CBCEncryptor {
	return &CBCEncryptor{}
}

func (e *CBCEncryptor) Suffix() string { return CBCSuffix }

// Encrypt generates a fresh salt and IV for every artifact.
func (e *CBCEncryptor) Encrypt(r io.Reader, w io.Writer, password string) error {
	header := make([]byte, SaltSize+aes.BlockSize)
	if _, err := rand.Read(header); err != nil {
		return fmt.Errorf("generating salt and iv: %w", err)
	}
	salt, iv := header[:SaltSize], header[SaltSize:]

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	return EncryptStream(DeriveKey(password, salt), iv, r, w)
}

// Decrypt reads the salt and IV, rederives the key and decrypts the rest.
func (e *CBCEncryptor) Decrypt(r io.Reader, w io.Writer, password string) error {
	header := make([]byte, SaltSize+aes.BlockSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("reading header: %w", err)
	}
	salt, iv := header[:SaltSize], header[SaltSize:]
	return DecryptStream(DeriveKey(password, salt), iv, r, w)
}
