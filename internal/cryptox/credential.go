// Package cryptox resolves stored member credentials into passwords the
// identity provider accepts.
//
// A stored credential is either plaintext (a numeric PIN) or ciphertext in
// the OpenSSL "Salted__" passphrase format that CryptoJS also produces:
//
//	base64("Salted__" || salt[8] || AES-256-CBC(PKCS#7(plaintext)))
//
// Key and IV are derived from the shared secret and the salt, either with
// the legacy EVP_BytesToKey/MD5 scheme or with PBKDF2-SHA256.
package cryptox

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultMarker is the base64 form of "Salted__" plus the first salt bits.
	DefaultMarker = "U2FsdGVkX1"
	// DefaultMinLength is the identity provider's minimum password length.
	DefaultMinLength = 6

	KDFMD5    = "md5"
	KDFPBKDF2 = "pbkdf2"

	pbkdf2Iterations = 10000
	saltHeader       = "Salted__"
	saltSize         = 8
	keySize          = 32
)

// ErrCredential means the stored value yields no usable password. Callers
// treat it as a permanent data defect, never as a reason to retry.
var ErrCredential = errors.New("credential: no usable password")

// Options tunes a Codec. Zero values fall back to the defaults above.
type Options struct {
	Marker    string
	KDF       string
	MinLength int
}

// Codec decrypts and normalizes stored credentials with one shared key.
// It is safe for concurrent use.
type Codec struct {
	key       []byte
	marker    string
	kdf       string
	minLength int
}

func NewCodec(secretKey string, opts Options) (*Codec, error) {
	if secretKey == "" {
		return nil, errors.New("credential: secret key is empty")
	}
	c := &Codec{
		key:       []byte(secretKey),
		marker:    opts.Marker,
		kdf:       opts.KDF,
		minLength: opts.MinLength,
	}
	if c.marker == "" {
		c.marker = DefaultMarker
	}
	if c.kdf == "" {
		c.kdf = KDFMD5
	}
	if c.kdf != KDFMD5 && c.kdf != KDFPBKDF2 {
		return nil, fmt.Errorf("credential: unknown kdf %q", c.kdf)
	}
	if c.minLength <= 0 {
		c.minLength = DefaultMinLength
	}
	return c, nil
}

// IsCiphertext reports whether raw carries the ciphertext marker.
func (c *Codec) IsCiphertext(raw string) bool {
	return strings.HasPrefix(raw, c.marker)
}

// Resolve turns a stored credential into a password: ciphertext is decrypted
// first, then every non-digit is stripped and the result is left-padded with
// '0' up to the minimum length.
func (c *Codec) Resolve(raw string) (string, error) {
	value := raw
	if c.IsCiphertext(raw) {
		plain, err := c.decrypt(raw)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrCredential, err)
		}
		if plain == "" {
			return "", fmt.Errorf("%w: empty plaintext", ErrCredential)
		}
		value = plain
	}

	digits := Digits(value)
	if digits == "" {
		return "", fmt.Errorf("%w: no digits", ErrCredential)
	}
	return PadLeft(digits, c.minLength), nil
}

// Encrypt produces ciphertext that Resolve (and OpenSSL/CryptoJS with the
// same key and KDF) can decrypt.
func (c *Codec) Encrypt(plain string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	return c.encryptWithSalt(plain, salt)
}

func (c *Codec) encryptWithSalt(plain string, salt []byte) (string, error) {
	key, iv := c.deriveKeyIV(salt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	padded := pkcs7Pad([]byte(plain), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)

	buf := make([]byte, 0, len(saltHeader)+saltSize+len(out))
	buf = append(buf, saltHeader...)
	buf = append(buf, salt...)
	buf = append(buf, out...)
	return base64.StdEncoding.EncodeToString(buf), nil
}

func (c *Codec) decrypt(raw string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	if len(data) < len(saltHeader)+saltSize || !bytes.HasPrefix(data, []byte(saltHeader)) {
		return "", errors.New("missing salt header")
	}
	salt := data[len(saltHeader) : len(saltHeader)+saltSize]
	ciphertext := data[len(saltHeader)+saltSize:]
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", errors.New("ciphertext is not a whole number of blocks")
	}

	key, iv := c.deriveKeyIV(salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)

	plain, err = pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(plain) {
		return "", errors.New("plaintext is not utf-8")
	}
	return string(plain), nil
}

func (c *Codec) deriveKeyIV(salt []byte) (key, iv []byte) {
	if c.kdf == KDFPBKDF2 {
		km := pbkdf2.Key(c.key, salt, pbkdf2Iterations, keySize+aes.BlockSize, sha256.New)
		return km[:keySize], km[keySize:]
	}
	return evpBytesToKey(c.key, salt, keySize, aes.BlockSize)
}

// evpBytesToKey is OpenSSL's EVP_BytesToKey with MD5 and one iteration.
func evpBytesToKey(password, salt []byte, keyLen, ivLen int) (key, iv []byte) {
	var out, prev []byte
	for len(out) < keyLen+ivLen {
		h := md5.New()
		h.Write(prev)
		h.Write(password)
		h.Write(salt)
		prev = h.Sum(nil)
		out = append(out, prev...)
	}
	return out[:keyLen], out[keyLen : keyLen+ivLen]
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	return append(append([]byte{}, b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, errors.New("bad padding")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, errors.New("bad padding")
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, errors.New("bad padding")
		}
	}
	return b[:len(b)-n], nil
}

// Digits keeps only the ASCII digits of s.
func Digits(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// PadLeft left-pads s with '0' until it is at least n characters long.
func PadLeft(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return strings.Repeat("0", n-len(s)) + s
}
