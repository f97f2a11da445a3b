package piv

import (
	"bytes"
	"crypto/x509"
	"fmt"
	"io"
	"strings"

	"github.com/gregLibert/card-edge/pkg/tlv"
	"github.com/klauspost/compress/gzip"
)

// certInfoCompressed marks a gzip compressed certificate in CertInfo.
const certInfoCompressed = 0x01

// maxCertificateSize bounds decompression.
const maxCertificateSize = 64 * 1024

// CertificateContainer is the content of an X.509 certificate data object.
type CertificateContainer struct {
	Certificate []byte `tlv:"70"`
	CertInfo    []byte `tlv:"71"`
	MSCUID      []byte `tlv:"72"`
	LRC         []byte `tlv:"FE"`

	Unknown []tlv.Record `tlv:",unknown"`
}

// ParseCertificateContainer parses the content of a certificate data object.
func ParseCertificateContainer(data []byte) (*CertificateContainer, error) {
	c := &CertificateContainer{}
	if err := tlv.Unmarshal(tlv.TrimPadding(data), c); err != nil {
		return nil, fmt.Errorf("failed to map certificate container: %w", err)
	}
	if len(c.Certificate) == 0 {
		return nil, fmt.Errorf("certificate container has no certificate (Tag 70)")
	}
	return c, nil
}

// Compressed reports whether the certificate is gzip compressed.
func (c *CertificateContainer) Compressed() bool {
	return len(c.CertInfo) > 0 && c.CertInfo[0]&certInfoCompressed != 0
}

// DER returns the certificate, decompressed when needed.
func (c *CertificateContainer) DER() ([]byte, error) {
	if !c.Compressed() {
		return c.Certificate, nil
	}

	zr, err := gzip.NewReader(bytes.NewReader(c.Certificate))
	if err != nil {
		return nil, fmt.Errorf("compressed certificate: %w", err)
	}
	defer zr.Close()

	der, err := io.ReadAll(io.LimitReader(zr, maxCertificateSize+1))
	if err != nil {
		return nil, fmt.Errorf("compressed certificate: %w", err)
	}
	if len(der) > maxCertificateSize {
		return nil, fmt.Errorf("compressed certificate exceeds %d bytes", maxCertificateSize)
	}
	return der, nil
}

// X509 parses the certificate.
func (c *CertificateContainer) X509() (*x509.Certificate, error) {
	der, err := c.DER()
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}

// Describe generates a report of the container and its certificate.
func (c *CertificateContainer) Describe() string {
	var sb strings.Builder
	sb.WriteString("=== PIV CERTIFICATE CONTAINER ===")

	fmt.Fprintf(&sb, "\n    - Certificate.Length: %d bytes", len(c.Certificate))
	if len(c.CertInfo) > 0 {
		fmt.Fprintf(&sb, "\n    - Certificate.CertInfo (71): %X (compressed: %t)", c.CertInfo, c.Compressed())
	}
	if len(c.MSCUID) > 0 {
		fmt.Fprintf(&sb, "\n    - Certificate.MSCUID (72): %X", c.MSCUID)
	}

	cert, err := c.X509()
	if err != nil {
		fmt.Fprintf(&sb, "\n    - Certificate parsing failed: %v", err)
		return sb.String()
	}
	fmt.Fprintf(&sb, "\n    - Certificate.Subject: %s", cert.Subject)
	fmt.Fprintf(&sb, "\n    - Certificate.Issuer: %s", cert.Issuer)
	fmt.Fprintf(&sb, "\n    - Certificate.Serial: %X", cert.SerialNumber)
	fmt.Fprintf(&sb, "\n    - Certificate.Validity: %s to %s",
		cert.NotBefore.UTC().Format("2006-01-02"), cert.NotAfter.UTC().Format("2006-01-02"))
	fmt.Fprintf(&sb, "\n    - Certificate.PublicKey: %s", cert.PublicKeyAlgorithm)

	return sb.String()
}
