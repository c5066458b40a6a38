// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqtt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	stderr "errors"
	"os"

	"github.com/sensorhub/ingest/errors"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/sha3"
)

const (
	saltSize  = 8
	nonceSize = 12
)

// LoadCAPool reads a PEM bundle of trusted broker certificates.
func LoadCAPool(caFile string) (*x509.CertPool, error) {
	pemData, err := os.ReadFile(caFile)
	if err != nil {
		return nil, tlsError("cannot read CA file", caFile, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemData) {
		return nil, tlsError("CA file contains no certificates", caFile, nil)
	}
	return pool, nil
}

// LoadX509KeyPair loads a client certificate. If passFile is set the key is
// expected to be encrypted with a PBKDF2 (SHA3-256) derived AES-GCM key: an
// 8 byte salt, a 12 byte nonce and the sealed DER key.
func LoadX509KeyPair(certFile, keyFile, passFile string) (tls.Certificate, error) {
	if passFile == "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return cert, tlsError("cannot load client certificate", certFile, err)
		}
		return cert, nil
	}

	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return tls.Certificate{}, tlsError("cannot read certificate", certFile, err)
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return tls.Certificate{}, tlsError("cannot read key", keyFile, err)
	}
	password, err := os.ReadFile(passFile)
	if err != nil {
		return tls.Certificate{}, tlsError("cannot read key password", passFile, err)
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return tls.Certificate{}, tlsError("key file is not PEM", keyFile, nil)
	}

	// x509.DecryptPEMBlock is deprecated; see golang/go#8860.
	der, err := decryptKey(block.Bytes, password)
	if err != nil {
		return tls.Certificate{}, tlsError("cannot decrypt key", keyFile, err)
	}

	cert, err := tls.X509KeyPair(
		certPEM,
		pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der}),
	)
	if err != nil {
		return cert, tlsError("invalid client certificate", certFile, err)
	}
	return cert, nil
}

// EncryptKey seals a DER key in the format LoadX509KeyPair reads. The salt
// and nonce must be random and of the documented sizes.
func EncryptKey(der, password, salt, nonce []byte) ([]byte, error) {
	if len(salt) != saltSize || len(nonce) != nonceSize {
		return nil, stderr.New("bad salt or nonce size")
	}
	gcm, err := keyCipher(password, salt)
	if err != nil {
		return nil, err
	}
	out := append(append([]byte{}, salt...), nonce...)
	return gcm.Seal(out, nonce, der, nil), nil
}

func decryptKey(data, password []byte) ([]byte, error) {
	if len(data) < saltSize+nonceSize {
		return nil, stderr.New("encrypted key is too short")
	}
	salt := data[:saltSize]
	nonce := data[saltSize : saltSize+nonceSize]

	gcm, err := keyCipher(password, salt)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, data[saltSize+nonceSize:], nil)
}

func keyCipher(password, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(password, salt, 10000, 32, sha3.New256)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func tlsError(msg, file string, err error) error {
	if err != nil {
		msg += ": " + err.Error()
	}
	return &errors.Error{
		Message:       msg,
		Kind:          errors.ConfigurationInvalid,
		NestedError:   err,
		PropertyName:  "file",
		PropertyValue: file,
	}
}
