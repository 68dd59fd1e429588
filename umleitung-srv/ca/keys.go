package ca

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/des" // nolint:gosec // RFC 1423 keys are read for compatibility only
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/md5" // nolint:gosec // RFC 1423 key derivation
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/codefionn/umleitung/umleitung-srv/logger"
	pkcs8 "github.com/youmark/pkcs8"
)

const (
	pemTypeCertificate  = "CERTIFICATE"
	pemTypePrivateKey   = "PRIVATE KEY"
	pemTypeEncryptedKey = "ENCRYPTED PRIVATE KEY"
	legacyProcType      = "4,ENCRYPTED"
)

// encodeKeyPEM writes key as PKCS#8, encrypted when password is set.
func encodeKeyPEM(key crypto.Signer, password string) ([]byte, error) {
	if password == "" {
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal private key: %w", err)
		}
		return pem.EncodeToMemory(&pem.Block{Type: pemTypePrivateKey, Bytes: der}), nil
	}
	der, err := pkcs8.MarshalPrivateKey(key, []byte(password), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypeEncryptedKey, Bytes: der}), nil
}

// decodeKeyPEM parses a PEM private key in PKCS#1, PKCS#8 (plain or
// encrypted), SEC 1 or RFC 1423 encrypted form.
func decodeKeyPEM(data []byte, password string) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to decode key PEM")
	}

	der := block.Bytes
	switch {
	case block.Type == pemTypeEncryptedKey:
		if password == "" {
			return nil, errors.New("key is encrypted but no key password is configured")
		}
		key, err := pkcs8.ParsePKCS8PrivateKey(der, []byte(password))
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt PKCS#8 key: %w", err)
		}
		return asSigner(key)
	case block.Headers["Proc-Type"] == legacyProcType:
		if password == "" {
			return nil, errors.New("key is encrypted but no key password is configured")
		}
		var err error
		der, err = decryptLegacyBlock(block, []byte(password))
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt legacy PEM key: %w", err)
		}
		logger.Warn("CA key uses legacy RFC 1423 encryption; rotate the CA to re-encrypt it as PKCS#8")
	}
	return parseKeyDER(der)
}

func parseKeyDER(der []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		return asSigner(key)
	}
	key, err := x509.ParseECPrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key (tried PKCS#1, PKCS#8 and EC): %w", err)
	}
	return key, nil
}

func asSigner(key any) (crypto.Signer, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		return k, nil
	case ed25519.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}
}

// decryptLegacyBlock reverses OpenSSL's RFC 1423 PEM encryption
// (DES-CBC or AES-{128,192,256}-CBC with an EVP_BytesToKey derived key).
func decryptLegacyBlock(block *pem.Block, password []byte) ([]byte, error) {
	alg, ivHex, ok := strings.Cut(block.Headers["DEK-Info"], ",")
	if !ok {
		return nil, errors.New("invalid DEK-Info header")
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil {
		return nil, fmt.Errorf("invalid IV hex: %w", err)
	}

	var keySize int
	var newCipher func([]byte) (cipher.Block, error)
	switch alg {
	case "DES-CBC":
		keySize, newCipher = 8, des.NewCipher
	case "AES-128-CBC":
		keySize, newCipher = 16, aes.NewCipher
	case "AES-192-CBC":
		keySize, newCipher = 24, aes.NewCipher
	case "AES-256-CBC":
		keySize, newCipher = 32, aes.NewCipher
	default:
		return nil, fmt.Errorf("unsupported encryption algorithm %s", alg)
	}

	bc, err := newCipher(evpBytesToKey(password, iv[:min(8, len(iv))], keySize))
	if err != nil {
		return nil, err
	}
	if len(iv) != bc.BlockSize() {
		return nil, fmt.Errorf("invalid IV length for %s: %d", alg, len(iv))
	}
	if len(block.Bytes) == 0 || len(block.Bytes)%bc.BlockSize() != 0 {
		return nil, errors.New("ciphertext is not a multiple of the block size")
	}

	plain := make([]byte, len(block.Bytes))
	cipher.NewCBCDecrypter(bc, iv).CryptBlocks(plain, block.Bytes)
	return unpad(plain, bc.BlockSize())
}

// evpBytesToKey is OpenSSL's MD5 based key derivation with one iteration.
func evpBytesToKey(password, salt []byte, keySize int) []byte {
	var derived, prev []byte
	for len(derived) < keySize {
		h := md5.New() // nolint:gosec
		h.Write(prev)
		h.Write(password)
		h.Write(salt)
		prev = h.Sum(nil)
		derived = append(derived, prev...)
	}
	return derived[:keySize]
}

func unpad(b []byte, blockSize int) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, errors.New("invalid padding")
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, errors.New("invalid padding")
		}
	}
	return b[:len(b)-n], nil
}
