package keystore

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

const keyBits = 2048

// ErrKeyFormat reports PEM data that does not hold a usable RSA key.
var ErrKeyFormat = errors.New("keystore: unsupported key encoding")

func GenerateKey() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, keyBits)
}

// ParsePrivateKey accepts "RSA PRIVATE KEY" (PKCS1) and "PRIVATE KEY" (PKCS8) blocks.
func ParsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	return decodeRSA(data, map[string]func([]byte) (*rsa.PrivateKey, error){
		"RSA PRIVATE KEY": x509.ParsePKCS1PrivateKey,
		"PRIVATE KEY": func(der []byte) (*rsa.PrivateKey, error) {
			key, err := x509.ParsePKCS8PrivateKey(der)
			if err != nil {
				return nil, err
			}
			return asRSA[*rsa.PrivateKey](key)
		},
	})
}

// ParsePublicKey accepts "PUBLIC KEY" (PKIX) and "RSA PUBLIC KEY" (PKCS1) blocks.
func ParsePublicKey(data []byte) (*rsa.PublicKey, error) {
	return decodeRSA(data, map[string]func([]byte) (*rsa.PublicKey, error){
		"RSA PUBLIC KEY": x509.ParsePKCS1PublicKey,
		"PUBLIC KEY": func(der []byte) (*rsa.PublicKey, error) {
			key, err := x509.ParsePKIXPublicKey(der)
			if err != nil {
				return nil, err
			}
			return asRSA[*rsa.PublicKey](key)
		},
	})
}

func decodeRSA[K any](data []byte, parsers map[string]func([]byte) (K, error)) (K, error) {
	var zero K
	block, _ := pem.Decode(data)
	if block == nil {
		return zero, fmt.Errorf("%w: no PEM block", ErrKeyFormat)
	}
	parse, ok := parsers[block.Type]
	if !ok {
		return zero, fmt.Errorf("%w: block type %q", ErrKeyFormat, block.Type)
	}
	return parse(block.Bytes)
}

func asRSA[K any](key any) (K, error) {
	k, ok := key.(K)
	if !ok {
		var zero K
		return zero, fmt.Errorf("%w: %T is not RSA", ErrKeyFormat, key)
	}
	return k, nil
}

// EncodePrivateKey returns a PKCS8 "PRIVATE KEY" block.
func EncodePrivateKey(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// EncodePublicKey returns a PKIX "PUBLIC KEY" block.
func EncodePublicKey(key *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}
