package ca

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/codefionn/umleitung/umleitung-srv/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, password string) config.CAConfig {
	dir := t.TempDir()
	return config.CAConfig{
		CertFile:     filepath.Join(dir, "ca.pem"),
		KeyFile:      filepath.Join(dir, "ca-key.pem"),
		KeyPassword:  password,
		Organization: "test",
		ValidYears:   1,
	}
}

func verifyLeaf(t *testing.T, m *Manager, cert *tls.Certificate, name string) {
	t.Helper()
	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(m.CertPEM()))
	_, err := cert.Leaf.Verify(x509.VerifyOptions{DNSName: name, Roots: pool})
	require.NoError(t, err)
}

func TestLoadOrCreatePersists(t *testing.T) {
	for _, password := range []string{"", "s3cret"} {
		t.Run("password="+password, func(t *testing.T) {
			cfg := testConfig(t, password)
			first, err := LoadOrCreate(cfg)
			require.NoError(t, err)

			keyPEM, err := os.ReadFile(cfg.KeyFile)
			require.NoError(t, err)
			block, _ := pem.Decode(keyPEM)
			require.NotNil(t, block)
			if password != "" {
				assert.Equal(t, "ENCRYPTED PRIVATE KEY", block.Type)
			} else {
				assert.Equal(t, "PRIVATE KEY", block.Type)
			}

			second, err := LoadOrCreate(cfg)
			require.NoError(t, err)
			assert.Equal(t, first.CertPEM(), second.CertPEM(), "existing CA is loaded, not regenerated")
			assert.True(t, second.Certificate().IsCA)

			leaf, err := second.IssueLeafCert("example.com")
			require.NoError(t, err)
			verifyLeaf(t, first, leaf, "example.com")
		})
	}
}

func TestLoadErrors(t *testing.T) {
	cfg := testConfig(t, "right")
	_, err := LoadOrCreate(cfg)
	require.NoError(t, err)

	wrong := cfg
	wrong.KeyPassword = "wrong"
	_, err = LoadOrCreate(wrong)
	assert.Error(t, err)

	missing := cfg
	missing.KeyPassword = ""
	_, err = LoadOrCreate(missing)
	assert.ErrorContains(t, err, "no key password")

	other := testConfig(t, "")
	_, err = LoadOrCreate(other)
	require.NoError(t, err)
	mismatched := other
	mismatched.KeyFile = cfg.KeyFile
	mismatched.KeyPassword = "right"
	_, err = LoadOrCreate(mismatched)
	assert.ErrorContains(t, err, "does not match")
}

func TestIssueLeafCert(t *testing.T) {
	m, err := NewInMemory(config.CAConfig{})
	require.NoError(t, err)

	tests := []struct {
		name string
		host string
		dns  []string
		ip   string
	}{
		{"dns name", "api.example.com", []string{"api.example.com"}, ""},
		{"port and case are ignored", "API.Example.com:443", []string{"api.example.com"}, ""},
		{"ipv4", "10.1.2.3:8443", nil, "10.1.2.3"},
		{"ipv6", "[::1]:443", nil, "::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cert, err := m.IssueLeafCert(tt.host)
			require.NoError(t, err)
			assert.Equal(t, tt.dns, cert.Leaf.DNSNames)
			if tt.ip != "" {
				require.Len(t, cert.Leaf.IPAddresses, 1)
				assert.Equal(t, tt.ip, cert.Leaf.IPAddresses[0].String())
			} else {
				assert.Empty(t, cert.Leaf.IPAddresses)
				verifyLeaf(t, m, cert, tt.dns[0])
			}
		})
	}

	a, _ := m.IssueLeafCert("api.example.com")
	b, _ := m.IssueLeafCert("api.example.com:8443")
	assert.Same(t, a, b, "leaves are cached per host")
	assert.Equal(t, 3, m.CacheSize())

	_, err = m.IssueLeafCert("")
	var ge *CertGenerationError
	assert.True(t, errors.As(err, &ge))
}

func TestConcurrentIssueGeneratesOnce(t *testing.T) {
	m, err := NewInMemory(config.CAConfig{})
	require.NoError(t, err)

	var mu sync.Mutex
	issued := 0
	m.OnIssue(func(string, time.Duration, error) {
		mu.Lock()
		issued++
		mu.Unlock()
	})

	const n = 32
	certs := make([]*tls.Certificate, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := m.IssueLeafCert("concurrent.example.com")
			assert.NoError(t, err)
			certs[i] = c
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, issued)
	for _, c := range certs {
		assert.Same(t, certs[0], c)
	}
}

func TestRotateFlushesCache(t *testing.T) {
	cfg := testConfig(t, "")
	m, err := LoadOrCreate(cfg)
	require.NoError(t, err)

	before := m.CertPEM()
	leaf, err := m.IssueLeafCert("example.com")
	require.NoError(t, err)
	require.Equal(t, 1, m.CacheSize())

	require.NoError(t, m.Rotate())
	assert.NotEqual(t, before, m.CertPEM())
	assert.Equal(t, 0, m.CacheSize())

	onDisk, err := os.ReadFile(cfg.CertFile)
	require.NoError(t, err)
	assert.Equal(t, m.CertPEM(), onDisk)

	fresh, err := m.IssueLeafCert("example.com")
	require.NoError(t, err)
	assert.NotSame(t, leaf, fresh)
	verifyLeaf(t, m, fresh, "example.com")
}

func TestRotateInMemory(t *testing.T) {
	m, err := NewInMemory(config.CAConfig{CertFile: "ignored.pem", KeyFile: "ignored-key.pem"})
	require.NoError(t, err)

	before := m.CertPEM()
	require.NoError(t, m.Rotate())
	assert.NotEqual(t, before, m.CertPEM())

	_, err = os.Stat("ignored.pem")
	assert.True(t, os.IsNotExist(err))
}

func TestGetCertificateFallback(t *testing.T) {
	m, err := NewInMemory(config.CAConfig{})
	require.NoError(t, err)

	cert, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "sni.example.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{"sni.example.com"}, cert.Leaf.DNSNames)

	cert, err = m.GetCertificateFor("connect.example.com:443")(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	assert.Equal(t, []string{"connect.example.com"}, cert.Leaf.DNSNames)

	_, err = m.GetCertificate(&tls.ClientHelloInfo{})
	assert.Error(t, err)
}

func TestLegacyEncryptedKey(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	password := []byte("legacy")
	iv := make([]byte, aes.BlockSize)
	_, err = rand.Read(iv)
	require.NoError(t, err)

	pad := aes.BlockSize - len(der)%aes.BlockSize
	plain := append(append([]byte{}, der...), make([]byte, pad)...)
	for i := len(der); i < len(plain); i++ {
		plain[i] = byte(pad)
	}
	bc, err := aes.NewCipher(evpBytesToKey(password, iv[:8], 32))
	require.NoError(t, err)
	encrypted := make([]byte, len(plain))
	cipher.NewCBCEncrypter(bc, iv).CryptBlocks(encrypted, plain)

	block := &pem.Block{
		Type: "EC PRIVATE KEY",
		Headers: map[string]string{
			"Proc-Type": "4,ENCRYPTED",
			"DEK-Info":  "AES-256-CBC," + hex.EncodeToString(iv),
		},
		Bytes: encrypted,
	}
	decoded, err := decodeKeyPEM(pem.EncodeToMemory(block), string(password))
	require.NoError(t, err)
	assert.True(t, key.Equal(decoded))

	_, err = decodeKeyPEM(pem.EncodeToMemory(block), "wrong")
	assert.Error(t, err)
}
