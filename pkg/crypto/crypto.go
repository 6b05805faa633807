// Package crypto implements the symmetric codec shared by every peer. Short
// strings (auth tokens, table payloads) use AES-128-CBC with an HMAC-SHA256
// tag, and large artifacts use a chunked AES-256-CBC stream so exports never
// have to fit in memory.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"github.com/spf13/afero"
	"golang.org/x/crypto/pbkdf2"

	"github.com/wpeztools/ezsync/pkg/errors"
)

const (
	// ChunkSize is the amount of plaintext encrypted per chunk when
	// streaming files. Each chunk's ciphertext is ChunkSize+aes.BlockSize
	// bytes because of padding, except the final one.
	ChunkSize = 512 * 1024

	keyIterations = 4096

	stringKeySize = 16
	fileKeySize   = 32
	macSize       = sha256.Size
)

// fs is used for mock tests. It will be overridden by afero.NewMemMapFs()
// in the tests.
var fs = afero.NewOsFs()

// randRead will be overridden in tests that need deterministic IVs.
var randRead = rand.Read

// Codec holds the keys derived from the deployment's shared secret. The same
// secret and salt on both peers yield the same keys, so nothing key-shaped
// ever crosses the wire.
type Codec struct {
	stringKey []byte
	fileKey   []byte
}

// NewCodec derives the codec keys from the shared secret and salt.
func NewCodec(secretKey, secretSalt string) *Codec {
	return &Codec{
		stringKey: pbkdf2.Key([]byte(secretKey), []byte(secretSalt),
			keyIterations, stringKeySize, sha256.New),
		fileKey: pbkdf2.Key([]byte(secretSalt), []byte(secretKey),
			keyIterations, fileKeySize, sha256.New),
	}
}

// EncryptString seals a short plaintext into a base64 blob laid out as
// iv || hmac(ciphertext) || ciphertext.
func (c *Codec) EncryptString(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.stringKey)
	if err != nil {
		return "", errors.WithContext(err, "init cipher")
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := randRead(iv); err != nil {
		return "", errors.WithContext(err, "generate iv")
	}

	padded := pad([]byte(plaintext))
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	mac := hmac.New(sha256.New, c.stringKey)
	mac.Write(ciphertext)

	blob := append(append(iv, mac.Sum(nil)...), ciphertext...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// DecryptString opens a blob produced by EncryptString. The HMAC is checked
// in constant time before any decryption happens.
func (c *Codec) DecryptString(encoded string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", errors.WithContext(err, "decode")
	}
	if len(blob) < aes.BlockSize+macSize+aes.BlockSize {
		return "", errors.New("ciphertext too short")
	}

	iv := blob[:aes.BlockSize]
	tag := blob[aes.BlockSize : aes.BlockSize+macSize]
	ciphertext := blob[aes.BlockSize+macSize:]
	if len(ciphertext)%aes.BlockSize != 0 {
		return "", errors.New("ciphertext not block aligned")
	}

	mac := hmac.New(sha256.New, c.stringKey)
	mac.Write(ciphertext)
	if !hmac.Equal(tag, mac.Sum(nil)) {
		return "", errors.New("message authentication failed")
	}

	block, err := aes.NewCipher(c.stringKey)
	if err != nil {
		return "", errors.WithContext(err, "init cipher")
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	unpadded, err := unpad(plaintext)
	if err != nil {
		return "", err
	}
	return string(unpadded), nil
}

// EncryptFile streams src into dst chunk by chunk and removes src on
// success. The first chunk uses a random IV written as the file header, and
// each later chunk chains off the first block of the previous chunk's
// ciphertext.
func (c *Codec) EncryptFile(src, dst string) error {
	block, err := aes.NewCipher(c.fileKey)
	if err != nil {
		return errors.WithContext(err, "init cipher")
	}

	in, err := fs.Open(src)
	if err != nil {
		return errors.WithContext(err, "open source")
	}
	defer in.Close()

	out, err := fs.Create(dst)
	if err != nil {
		return errors.WithContext(err, "create destination")
	}
	defer out.Close()

	iv := make([]byte, aes.BlockSize)
	if _, err := randRead(iv); err != nil {
		return errors.WithContext(err, "generate iv")
	}
	if _, err := out.Write(iv); err != nil {
		return errors.WithContext(err, "write header")
	}

	buf := make([]byte, ChunkSize)
	for {
		n, readErr := io.ReadFull(in, buf)
		if readErr == io.EOF {
			break
		}
		if readErr != nil && readErr != io.ErrUnexpectedEOF {
			return errors.WithContext(readErr, "read chunk")
		}

		padded := pad(buf[:n])
		ciphertext := make([]byte, len(padded))
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
		if _, err := out.Write(ciphertext); err != nil {
			return errors.WithContext(err, "write chunk")
		}

		iv = ciphertext[:aes.BlockSize]
		if readErr == io.ErrUnexpectedEOF {
			break
		}
	}

	if err := out.Close(); err != nil {
		return errors.WithContext(err, "close destination")
	}
	in.Close()
	return errors.WithContext(fs.Remove(src), "remove source")
}

// DecryptFile reverses EncryptFile, again removing src on success. Every
// full chunk carries one block of padding, so the ciphertext chunk size is
// ChunkSize+aes.BlockSize.
func (c *Codec) DecryptFile(src, dst string) error {
	block, err := aes.NewCipher(c.fileKey)
	if err != nil {
		return errors.WithContext(err, "init cipher")
	}

	in, err := fs.Open(src)
	if err != nil {
		return errors.WithContext(err, "open source")
	}
	defer in.Close()

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(in, iv); err != nil {
		return errors.WithContext(err, "read header")
	}

	out, err := fs.Create(dst)
	if err != nil {
		return errors.WithContext(err, "create destination")
	}
	defer out.Close()

	buf := make([]byte, ChunkSize+aes.BlockSize)
	for {
		n, readErr := io.ReadFull(in, buf)
		if readErr == io.EOF {
			break
		}
		if readErr != nil && readErr != io.ErrUnexpectedEOF {
			return errors.WithContext(readErr, "read chunk")
		}
		if n%aes.BlockSize != 0 {
			return errors.New("ciphertext not block aligned")
		}

		ciphertext := buf[:n]
		plaintext := make([]byte, n)
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

		unpadded, err := unpad(plaintext)
		if err != nil {
			return err
		}
		if _, err := out.Write(unpadded); err != nil {
			return errors.WithContext(err, "write chunk")
		}

		iv = append(iv[:0], ciphertext[:aes.BlockSize]...)
		if readErr == io.ErrUnexpectedEOF {
			break
		}
	}

	if err := out.Close(); err != nil {
		return errors.WithContext(err, "close destination")
	}
	in.Close()
	return errors.WithContext(fs.Remove(src), "remove source")
}

func pad(data []byte) []byte {
	padLen := aes.BlockSize - len(data)%aes.BlockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func unpad(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > aes.BlockSize || padLen > len(data) {
		return nil, errors.New("invalid padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-padLen], nil
}
