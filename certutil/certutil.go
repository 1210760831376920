// Package certutil generates ephemeral self-signed certificates for
// exercising STARTTLS in stream tests, adapted from the teacher's
// self-signed-cert generator (trimmed of its CLI/file-writing concerns —
// tests want an in-memory tls.Certificate, not PEM files on disk).
package certutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"time"
)

// Config mirrors the teacher's CertificateConfig, reduced to the fields a
// test-only S2S certificate needs.
type Config struct {
	CommonName string
	DNSNames   []string
	IPs        []string
}

// SelfSigned generates a self-signed ECDSA certificate/key pair valid for
// one hour, suitable for a single test run's STARTTLS handshake.
func SelfSigned(cfg Config) (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      pkix.Name{CommonName: cfg.CommonName},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     append([]string{cfg.CommonName}, cfg.DNSNames...),
		BasicConstraintsValid: true,
	}
	for _, ipStr := range cfg.IPs {
		if ip := net.ParseIP(ipStr); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}, nil
}
