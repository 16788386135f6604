// Package pki runs a two-tier RSA certificate authority for servers,
// clients and devices.
package pki

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	pkcs12 "software.sslmate.com/src/go-pkcs12"

	domain "github.com/quantumshield/backend/internal/app/domain/certificate"
	"github.com/quantumshield/backend/internal/app/events"
	"github.com/quantumshield/backend/internal/app/keyvault"
	"github.com/quantumshield/backend/internal/app/storage"
	"github.com/quantumshield/backend/pkg/logger"
)

const keyPurpose = "pki-key"

var (
	ErrNotBootstrapped = errors.New("certificate authority is not bootstrapped")
	ErrAlreadyRevoked  = errors.New("certificate already revoked")
	ErrNotLeaf         = errors.New("operation not allowed on a CA certificate")
)

// DeviceBinder records issued device certificates.
type DeviceBinder interface {
	AttachCertificate(ctx context.Context, deviceID, serial string) error
}

// Config controls key sizes and naming.
type Config struct {
	Organization     string
	RootBits         int
	IntermediateBits int
	LeafBits         int
}

// IssueRequest describes a leaf certificate.
type IssueRequest struct {
	CommonName  string   `json:"common_name"`
	DNSNames    []string `json:"dns_names"`
	IPAddresses []string `json:"ip_addresses"`
	Usage       string   `json:"usage"`
	ValidDays   int      `json:"valid_days"`
	DeviceID    string   `json:"device_id"`
}

// Bundle is a PEM export of a certificate with its chain and key.
type Bundle struct {
	Certificate string `json:"certificate"`
	Chain       string `json:"chain"`
	PrivateKey  string `json:"private_key"`
}

// VerifyResult reports the outcome of Verify.
type VerifyResult struct {
	Valid  bool   `json:"valid"`
	Serial string `json:"serial,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type authority struct {
	root     *x509.Certificate
	rootRec  domain.Certificate
	inter    *x509.Certificate
	interRec domain.Certificate
	interKey *rsa.PrivateKey
}

// Service issues and tracks certificates.
type Service struct {
	store   storage.CertificateStore
	devices DeviceBinder
	sealer  *keyvault.Sealer
	bus     events.Publisher
	cfg     Config
	log     *logger.Logger
	now     func() time.Time

	mu sync.Mutex
	ca *authority
}

// New constructs the PKI service.
func New(store storage.CertificateStore, devices DeviceBinder, sealer *keyvault.Sealer, bus events.Publisher, cfg Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("pki")
	}
	if bus == nil {
		bus = events.Nop{}
	}
	if sealer == nil {
		sealer = keyvault.NewEphemeral()
	}
	if cfg.Organization == "" {
		cfg.Organization = "QuantumShield"
	}
	if cfg.RootBits == 0 {
		cfg.RootBits = 4096
	}
	if cfg.IntermediateBits == 0 {
		cfg.IntermediateBits = 3072
	}
	if cfg.LeafBits == 0 {
		cfg.LeafBits = 2048
	}
	return &Service{store: store, devices: devices, sealer: sealer, bus: bus, cfg: cfg, log: log, now: time.Now}
}

// Bootstrap creates the root and intermediate CAs unless they already exist.
func (s *Service) Bootstrap(ctx context.Context) (root, intermediate domain.PublicCertificate, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ca, err := s.loadLocked(ctx); err == nil {
		return ca.rootRec.Public(), ca.interRec.Public(), nil
	} else if !errors.Is(err, ErrNotBootstrapped) {
		return root, intermediate, err
	}

	now := s.now().UTC()
	rootKey, err := rsa.GenerateKey(rand.Reader, s.cfg.RootBits)
	if err != nil {
		return root, intermediate, fmt.Errorf("generate root key: %w", err)
	}
	rootTmpl, err := s.caTemplate(s.cfg.Organization+" Root CA", now, now.AddDate(10, 0, 0), 1)
	if err != nil {
		return root, intermediate, err
	}
	rootRec, rootCert, err := s.sign(rootTmpl, rootTmpl, &rootKey.PublicKey, rootKey, rootKey, domain.UsageRootCA, "")
	if err != nil {
		return root, intermediate, err
	}

	interKey, err := rsa.GenerateKey(rand.Reader, s.cfg.IntermediateBits)
	if err != nil {
		return root, intermediate, fmt.Errorf("generate intermediate key: %w", err)
	}
	interTmpl, err := s.caTemplate(s.cfg.Organization+" Intermediate CA", now, now.AddDate(5, 0, 0), 0)
	if err != nil {
		return root, intermediate, err
	}
	interRec, interCert, err := s.sign(interTmpl, rootCert, &interKey.PublicKey, interKey, rootKey, domain.UsageIntermediateCA, rootRec.Serial)
	if err != nil {
		return root, intermediate, err
	}

	// The pair is written only once both are signed. A failed intermediate
	// write removes the root.
	if rootRec, err = s.store.SaveCertificate(ctx, rootRec); err != nil {
		return root, intermediate, err
	}
	if interRec, err = s.store.SaveCertificate(ctx, interRec); err != nil {
		s.discard(ctx, rootRec.Serial)
		return root, intermediate, err
	}

	s.ca = &authority{root: rootCert, rootRec: rootRec, inter: interCert, interRec: interRec, interKey: interKey}
	s.publish(ctx, "pki.bootstrapped", map[string]string{"root": rootRec.Serial, "intermediate": interRec.Serial})
	s.log.WithField("root_serial", rootRec.Serial).Info("certificate authority bootstrapped")
	return rootRec.Public(), interRec.Public(), nil
}

// Issue signs a new leaf certificate with the intermediate CA.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (domain.PublicCertificate, error) {
	req.CommonName = strings.TrimSpace(req.CommonName)
	req.DeviceID = strings.TrimSpace(req.DeviceID)
	if req.CommonName == "" {
		return domain.PublicCertificate{}, fmt.Errorf("common_name is required")
	}
	var extUsage []x509.ExtKeyUsage
	switch req.Usage {
	case domain.UsageServer:
		extUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	case domain.UsageClient:
		extUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	case domain.UsageDevice:
		if req.DeviceID == "" {
			return domain.PublicCertificate{}, fmt.Errorf("device_id is required for device certificates")
		}
		extUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth}
	default:
		return domain.PublicCertificate{}, fmt.Errorf("usage must be server, client or device")
	}
	if req.ValidDays <= 0 {
		req.ValidDays = 365
	}
	ips := make([]net.IP, 0, len(req.IPAddresses))
	for _, raw := range req.IPAddresses {
		ip := net.ParseIP(strings.TrimSpace(raw))
		if ip == nil {
			return domain.PublicCertificate{}, fmt.Errorf("invalid ip address %q", raw)
		}
		ips = append(ips, ip)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ca, err := s.loadLocked(ctx)
	if err != nil {
		return domain.PublicCertificate{}, err
	}

	now := s.now().UTC()
	notAfter := now.AddDate(0, 0, req.ValidDays)
	if notAfter.After(ca.inter.NotAfter) {
		notAfter = ca.inter.NotAfter
	}
	serial, err := newSerial()
	if err != nil {
		return domain.PublicCertificate{}, err
	}
	key, err := rsa.GenerateKey(rand.Reader, s.cfg.LeafBits)
	if err != nil {
		return domain.PublicCertificate{}, fmt.Errorf("generate leaf key: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: req.CommonName, Organization: []string{s.cfg.Organization}},
		DNSNames:     req.DNSNames,
		IPAddresses:  ips,
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  extUsage,
	}
	rec, _, err := s.sign(tmpl, ca.inter, &key.PublicKey, key, ca.interKey, req.Usage, ca.interRec.Serial, func(c *domain.Certificate) {
		c.DNSNames = req.DNSNames
		c.IPAddresses = req.IPAddresses
		c.DeviceID = req.DeviceID
	})
	if err != nil {
		return domain.PublicCertificate{}, err
	}
	if rec, err = s.store.SaveCertificate(ctx, rec); err != nil {
		return domain.PublicCertificate{}, err
	}
	if req.Usage == domain.UsageDevice && s.devices != nil {
		if err := s.devices.AttachCertificate(ctx, req.DeviceID, rec.Serial); err != nil {
			s.discard(ctx, rec.Serial)
			return domain.PublicCertificate{}, fmt.Errorf("bind certificate to device: %w", err)
		}
	}
	s.publish(ctx, "pki.issued", rec.Public())
	return rec.Public(), nil
}

// Revoke marks a leaf certificate revoked.
func (s *Service) Revoke(ctx context.Context, serial, reason string) (domain.PublicCertificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.store.GetCertificate(ctx, normalizeSerial(serial))
	if err != nil {
		return domain.PublicCertificate{}, err
	}
	if isCA(rec) {
		return domain.PublicCertificate{}, ErrNotLeaf
	}
	if rec.Status == domain.StatusRevoked {
		return domain.PublicCertificate{}, ErrAlreadyRevoked
	}
	now := s.now().UTC()
	rec.Status = domain.StatusRevoked
	rec.RevokedAt = &now
	rec.RevokeReason = strings.TrimSpace(reason)
	rec.UpdatedAt = now
	if rec, err = s.store.SaveCertificate(ctx, rec); err != nil {
		return domain.PublicCertificate{}, err
	}
	s.publish(ctx, "pki.revoked", rec.Public())
	s.log.WithField("serial", rec.Serial).Info("certificate revoked")
	return rec.Public(), nil
}

// CRL returns a PEM revocation list signed by the intermediate CA.
func (s *Service) CRL(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ca, err := s.loadLocked(ctx)
	if err != nil {
		return nil, err
	}
	all, err := s.store.ListCertificates(ctx, "")
	if err != nil {
		return nil, err
	}
	var entries []x509.RevocationListEntry
	for _, c := range all {
		if c.Status != domain.StatusRevoked || c.RevokedAt == nil {
			continue
		}
		n, ok := new(big.Int).SetString(c.Serial, 16)
		if !ok {
			continue
		}
		entries = append(entries, x509.RevocationListEntry{SerialNumber: n, RevocationTime: *c.RevokedAt})
	}
	now := s.now().UTC()
	der, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
		Number:                    big.NewInt(now.Unix()),
		ThisUpdate:                now,
		NextUpdate:                now.Add(24 * time.Hour),
		RevokedCertificateEntries: entries,
	}, ca.inter, ca.interKey)
	if err != nil {
		return nil, fmt.Errorf("create crl: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: der}), nil
}

// Verify checks that certPEM chains to the root, is within its validity
// window and has not been revoked.
func (s *Service) Verify(ctx context.Context, certPEM string) (VerifyResult, error) {
	cert, err := parseCertificate(certPEM)
	if err != nil {
		return VerifyResult{}, err
	}
	s.mu.Lock()
	ca, err := s.loadLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return VerifyResult{}, err
	}

	serial := cert.SerialNumber.Text(16)
	roots := x509.NewCertPool()
	roots.AddCert(ca.root)
	inters := x509.NewCertPool()
	inters.AddCert(ca.inter)
	if _, err := cert.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: inters,
		CurrentTime:   s.now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return VerifyResult{Serial: serial, Reason: err.Error()}, nil
	}
	rec, err := s.store.GetCertificate(ctx, serial)
	if errors.Is(err, storage.ErrNotFound) {
		return VerifyResult{Serial: serial, Reason: "certificate not issued by this authority"}, nil
	}
	if err != nil {
		return VerifyResult{}, err
	}
	if rec.Status == domain.StatusRevoked {
		return VerifyResult{Serial: serial, Reason: "certificate revoked"}, nil
	}
	return VerifyResult{Valid: true, Serial: serial}, nil
}

// Get returns a certificate by serial.
func (s *Service) Get(ctx context.Context, serial string) (domain.PublicCertificate, error) {
	rec, err := s.store.GetCertificate(ctx, normalizeSerial(serial))
	if err != nil {
		return domain.PublicCertificate{}, err
	}
	return rec.Public(), nil
}

// List returns certificates, optionally filtered by usage.
func (s *Service) List(ctx context.Context, usage string) ([]domain.PublicCertificate, error) {
	all, err := s.store.ListCertificates(ctx, usage)
	if err != nil {
		return nil, err
	}
	out := make([]domain.PublicCertificate, 0, len(all))
	for _, c := range all {
		out = append(out, c.Public())
	}
	return out, nil
}

// ExpiringWithin returns active leaf certificates expiring within d.
func (s *Service) ExpiringWithin(ctx context.Context, d time.Duration) ([]domain.PublicCertificate, error) {
	all, err := s.store.ListCertificates(ctx, "")
	if err != nil {
		return nil, err
	}
	cutoff := s.now().Add(d)
	var out []domain.PublicCertificate
	for _, c := range all {
		if !isCA(c) && c.Status == domain.StatusActive && c.NotAfter.Before(cutoff) {
			out = append(out, c.Public())
		}
	}
	return out, nil
}

// ExportPEM returns the certificate, its chain and its private key.
func (s *Service) ExportPEM(ctx context.Context, serial string) (Bundle, error) {
	rec, key, chain, err := s.material(ctx, serial)
	if err != nil {
		return Bundle{}, err
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return Bundle{}, err
	}
	var chainPEM strings.Builder
	for _, c := range chain {
		chainPEM.Write(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw}))
	}
	return Bundle{
		Certificate: rec.CertPEM,
		Chain:       chainPEM.String(),
		PrivateKey:  string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})),
	}, nil
}

// ExportPKCS12 returns a password-protected PKCS#12 archive.
func (s *Service) ExportPKCS12(ctx context.Context, serial, password string) ([]byte, error) {
	if password == "" {
		return nil, fmt.Errorf("password is required")
	}
	rec, key, chain, err := s.material(ctx, serial)
	if err != nil {
		return nil, err
	}
	cert, err := parseCertificate(rec.CertPEM)
	if err != nil {
		return nil, err
	}
	pfx, err := pkcs12.Modern.Encode(key, cert, chain, password)
	if err != nil {
		return nil, fmt.Errorf("encode pkcs12: %w", err)
	}
	return pfx, nil
}

func (s *Service) material(ctx context.Context, serial string) (domain.Certificate, *rsa.PrivateKey, []*x509.Certificate, error) {
	rec, err := s.store.GetCertificate(ctx, normalizeSerial(serial))
	if err != nil {
		return domain.Certificate{}, nil, nil, err
	}
	if isCA(rec) {
		return domain.Certificate{}, nil, nil, ErrNotLeaf
	}
	key, err := s.openKey(rec.SealedKey)
	if err != nil {
		return domain.Certificate{}, nil, nil, err
	}
	s.mu.Lock()
	ca, err := s.loadLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return domain.Certificate{}, nil, nil, err
	}
	return rec, key, []*x509.Certificate{ca.inter, ca.root}, nil
}

// loadLocked returns the cached CA pair, reading it from the store on first use.
// The newest root that has issued an intermediate wins, paired with its newest
// intermediate.
func (s *Service) loadLocked(ctx context.Context) (*authority, error) {
	if s.ca != nil {
		return s.ca, nil
	}
	roots, err := s.store.ListCertificates(ctx, domain.UsageRootCA)
	if err != nil {
		return nil, err
	}
	inters, err := s.store.ListCertificates(ctx, domain.UsageIntermediateCA)
	if err != nil {
		return nil, err
	}
	newestFirst(roots)
	newestFirst(inters)
	var rootRec, interRec domain.Certificate
	found := false
	for _, r := range roots {
		for _, i := range inters {
			if i.IssuerSerial == r.Serial {
				rootRec, interRec, found = r, i, true
				break
			}
		}
		if found {
			break
		}
	}
	if !found {
		return nil, ErrNotBootstrapped
	}
	root, err := parseCertificate(rootRec.CertPEM)
	if err != nil {
		return nil, err
	}
	inter, err := parseCertificate(interRec.CertPEM)
	if err != nil {
		return nil, err
	}
	key, err := s.openKey(interRec.SealedKey)
	if err != nil {
		return nil, err
	}
	s.ca = &authority{root: root, rootRec: rootRec, inter: inter, interRec: interRec, interKey: key}
	return s.ca, nil
}

func (s *Service) caTemplate(cn string, notBefore, notAfter time.Time, pathLen int) (*x509.Certificate, error) {
	serial, err := newSerial()
	if err != nil {
		return nil, err
	}
	return &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn, Organization: []string{s.cfg.Organization}},
		NotBefore:             notBefore.Add(-time.Minute),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            pathLen,
		MaxPathLenZero:        pathLen == 0,
	}, nil
}

// sign creates the certificate and seals its key. The caller persists the record.
func (s *Service) sign(tmpl, parent *x509.Certificate, pub *rsa.PublicKey, key, signer *rsa.PrivateKey, usage, issuer string, decorate ...func(*domain.Certificate)) (domain.Certificate, *x509.Certificate, error) {
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, signer)
	if err != nil {
		return domain.Certificate{}, nil, fmt.Errorf("create %s certificate: %w", usage, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return domain.Certificate{}, nil, err
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return domain.Certificate{}, nil, err
	}
	sealed, err := s.sealer.Seal(keyPurpose, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}))
	if err != nil {
		return domain.Certificate{}, nil, err
	}
	now := s.now().UTC()
	serial := cert.SerialNumber.Text(16)
	rec := domain.Certificate{
		ID:           serial,
		Serial:       serial,
		CommonName:   cert.Subject.CommonName,
		Usage:        usage,
		IssuerSerial: issuer,
		CertPEM:      string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
		SealedKey:    sealed,
		Status:       domain.StatusActive,
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for _, fn := range decorate {
		fn(&rec)
	}
	return rec, cert, nil
}

func (s *Service) discard(ctx context.Context, serial string) {
	if err := s.store.DeleteCertificate(ctx, serial); err != nil {
		s.log.WithError(err).WithField("serial", serial).Error("remove unbound certificate")
	}
}

func (s *Service) openKey(sealed string) (*rsa.PrivateKey, error) {
	raw, err := s.sealer.Open(keyPurpose, sealed)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode private key pem")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unexpected private key type %T", parsed)
	}
	return key, nil
}

func (s *Service) publish(ctx context.Context, topic string, payload any) {
	if err := s.bus.Publish(ctx, topic, payload); err != nil {
		s.log.WithError(err).WithField("topic", topic).Warn("publish pki event")
	}
}

func parseCertificate(certPEM string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("certificate must be PEM encoded")
	}
	return x509.ParseCertificate(block.Bytes)
}

func newSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	if n.Sign() == 0 {
		n.SetInt64(1)
	}
	return n, nil
}

func normalizeSerial(serial string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(serial), "0x"))
}

func newestFirst(certs []domain.Certificate) {
	sort.SliceStable(certs, func(i, j int) bool {
		if !certs[i].NotBefore.Equal(certs[j].NotBefore) {
			return certs[i].NotBefore.After(certs[j].NotBefore)
		}
		return certs[i].Serial > certs[j].Serial
	})
}

func isCA(c domain.Certificate) bool {
	return c.Usage == domain.UsageRootCA || c.Usage == domain.UsageIntermediateCA
}
