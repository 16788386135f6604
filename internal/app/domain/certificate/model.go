package certificate

import "time"

// Certificate usages.
const (
	UsageRootCA         = "root_ca"
	UsageIntermediateCA = "intermediate_ca"
	UsageServer         = "server"
	UsageClient         = "client"
	UsageDevice         = "device"
)

// Certificate statuses.
const (
	StatusActive  = "active"
	StatusRevoked = "revoked"
)

// Certificate is an issued X.509 certificate. ID is the hex serial.
type Certificate struct {
	ID           string     `json:"id"`
	Serial       string     `json:"serial"`
	CommonName   string     `json:"common_name"`
	DNSNames     []string   `json:"dns_names,omitempty"`
	IPAddresses  []string   `json:"ip_addresses,omitempty"`
	Usage        string     `json:"usage"`
	IssuerSerial string     `json:"issuer_serial,omitempty"`
	DeviceID     string     `json:"device_id,omitempty"`
	CertPEM      string     `json:"cert_pem"`
	SealedKey    string     `json:"sealed_key"`
	Status       string     `json:"status"`
	NotBefore    time.Time  `json:"not_before"`
	NotAfter     time.Time  `json:"not_after"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	RevokeReason string     `json:"revoke_reason,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// PublicCertificate is the API view without key material.
type PublicCertificate struct {
	Serial       string     `json:"serial"`
	CommonName   string     `json:"common_name"`
	DNSNames     []string   `json:"dns_names,omitempty"`
	IPAddresses  []string   `json:"ip_addresses,omitempty"`
	Usage        string     `json:"usage"`
	IssuerSerial string     `json:"issuer_serial,omitempty"`
	DeviceID     string     `json:"device_id,omitempty"`
	CertPEM      string     `json:"cert_pem"`
	Status       string     `json:"status"`
	NotBefore    time.Time  `json:"not_before"`
	NotAfter     time.Time  `json:"not_after"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	RevokeReason string     `json:"revoke_reason,omitempty"`
}

// Public strips the sealed key.
func (c Certificate) Public() PublicCertificate {
	return PublicCertificate{
		Serial:       c.Serial,
		CommonName:   c.CommonName,
		DNSNames:     c.DNSNames,
		IPAddresses:  c.IPAddresses,
		Usage:        c.Usage,
		IssuerSerial: c.IssuerSerial,
		DeviceID:     c.DeviceID,
		CertPEM:      c.CertPEM,
		Status:       c.Status,
		NotBefore:    c.NotBefore,
		NotAfter:     c.NotAfter,
		RevokedAt:    c.RevokedAt,
		RevokeReason: c.RevokeReason,
	}
}
