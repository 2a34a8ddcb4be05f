// Package signer implements the audit signer: canonical-JSON signing of
// decision-audit payloads with a local asymmetric key or an external signing
// command, plus a hash-chained append-only log.
package signer

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/forge-os/forgeos/internal/canonjson"
	"github.com/forge-os/forgeos/internal/telemetry"
)

// SigningVersion identifies the signing envelope format.
const SigningVersion = "forgeos.audit.crypto.v1"

// ErrNotConfigured is returned when no signing backend is configured.
var ErrNotConfigured = errors.New("audit_signer_not_configured")

// Signature is the signing result envelope.
type Signature struct {
	SignatureB64u         string `json:"signatureB64u"`
	Alg                   string `json:"alg"`
	KeyID                 string `json:"keyId"`
	PublicKeyPem          string `json:"publicKeyPem,omitempty"`
	PayloadHashSha256B64u string `json:"payloadHashSha256B64u"`
	SignedAt              int64  `json:"signedAt"`
	SigningLatencyMs      int64  `json:"signingLatencyMs"`
	SigningVersion        string `json:"signingVersion"`
}

// Signer signs canonical payload bytes.
type Signer interface {
	Sign(ctx context.Context, payload map[string]any) (*Signature, error)

	// PublicKeyPEM returns the PEM public key in local mode, "" otherwise.
	PublicKeyPEM() string
}

// --- Local key backend ---

// LocalSigner signs with an in-process private key. Supported key types:
// Ed25519, RSA (PKCS1v15-SHA256), ECDSA (ASN.1-SHA256).
type LocalSigner struct {
	key       crypto.Signer
	alg       string
	keyID     string
	publicPEM string
}

// NewLocalSigner parses a PEM private key (PKCS#8, PKCS#1 or SEC1).
func NewLocalSigner(pemData []byte, keyID string) (*LocalSigner, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("no PEM block in private key")
	}

	var key any
	var err error
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	default:
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	s := &LocalSigner{keyID: keyID}
	switch k := key.(type) {
	case ed25519.PrivateKey:
		s.key = k
		s.alg = "Ed25519"
	case *rsa.PrivateKey:
		s.key = k
		s.alg = "RS256"
	case *ecdsa.PrivateKey:
		s.key = k
		if k.Curve == elliptic.P256() {
			s.alg = "ES256"
		} else {
			s.alg = "ECDSA-SHA256"
		}
	default:
		return nil, fmt.Errorf("unsupported key type %T", key)
	}

	pub, err := x509.MarshalPKIXPublicKey(s.key.Public())
	if err != nil {
		return nil, fmt.Errorf("encoding public key: %w", err)
	}
	s.publicPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pub}))

	return s, nil
}

// NewLocalSignerFromConfig loads the key from inline PEM or a file path.
func NewLocalSignerFromConfig(inlinePEM, path, keyID string) (*LocalSigner, error) {
	data := []byte(inlinePEM)
	if len(data) == 0 && path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading private key file: %w", err)
		}
	}
	if len(data) == 0 {
		return nil, ErrNotConfigured
	}
	return NewLocalSigner(data, keyID)
}

func (s *LocalSigner) PublicKeyPEM() string { return s.publicPEM }

func (s *LocalSigner) Sign(ctx context.Context, payload map[string]any) (*Signature, error) {
	start := time.Now()

	canonical, err := canonjson.Marshal(payload)
	if err != nil {
		telemetry.SignerSignaturesTotal.WithLabelValues("local", "error").Inc()
		return nil, fmt.Errorf("canonicalizing payload: %w", err)
	}
	digest := sha256.Sum256(canonical)

	var sig []byte
	switch key := s.key.(type) {
	case ed25519.PrivateKey:
		sig = ed25519.Sign(key, canonical)
	case *rsa.PrivateKey:
		sig, err = rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	case *ecdsa.PrivateKey:
		sig, err = ecdsa.SignASN1(rand.Reader, key, digest[:])
	}
	if err != nil {
		telemetry.SignerSignaturesTotal.WithLabelValues("local", "error").Inc()
		return nil, fmt.Errorf("signing payload: %w", err)
	}

	elapsed := time.Since(start)
	telemetry.SignerSignaturesTotal.WithLabelValues("local", "ok").Inc()
	telemetry.SignerDuration.Observe(elapsed.Seconds())

	return &Signature{
		SignatureB64u:         base64.RawURLEncoding.EncodeToString(sig),
		Alg:                   s.alg,
		KeyID:                 s.keyID,
		PublicKeyPem:          s.publicPEM,
		PayloadHashSha256B64u: base64.RawURLEncoding.EncodeToString(digest[:]),
		SignedAt:              time.Now().UnixMilli(),
		SigningLatencyMs:      elapsed.Milliseconds(),
		SigningVersion:        SigningVersion,
	}, nil
}

// --- External command backend ---

// CommandSigner shells out to an external signing command that reads a JSON
// request on stdin and writes a JSON response on stdout, under a hard
// timeout.
type CommandSigner struct {
	command string
	timeout time.Duration
	keyID   string
}

// NewCommandSigner creates the command backend.
func NewCommandSigner(command string, timeout time.Duration, keyID string) *CommandSigner {
	return &CommandSigner{command: command, timeout: timeout, keyID: keyID}
}

func (s *CommandSigner) PublicKeyPEM() string { return "" }

type commandRequest struct {
	Payload               json.RawMessage `json:"payload"`
	PayloadHashSha256B64u string          `json:"payloadHashSha256B64u"`
	SigningVersion        string          `json:"signingVersion"`
}

type commandResponse struct {
	SignatureB64u string `json:"signatureB64u"`
	Alg           string `json:"alg"`
	KeyID         string `json:"keyId"`
}

func (s *CommandSigner) Sign(ctx context.Context, payload map[string]any) (*Signature, error) {
	start := time.Now()

	canonical, err := canonjson.Marshal(payload)
	if err != nil {
		telemetry.SignerSignaturesTotal.WithLabelValues("command", "error").Inc()
		return nil, fmt.Errorf("canonicalizing payload: %w", err)
	}
	digest := sha256.Sum256(canonical)
	hashB64u := base64.RawURLEncoding.EncodeToString(digest[:])

	reqBody, err := json.Marshal(commandRequest{
		Payload:               canonical,
		PayloadHashSha256B64u: hashB64u,
		SigningVersion:        SigningVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding signer request: %w", err)
	}

	cmdCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", s.command)
	cmd.Stdin = bytes.NewReader(reqBody)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		telemetry.SignerSignaturesTotal.WithLabelValues("command", "error").Inc()
		if cmdCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("audit_signer_command_timeout_%d", s.timeout.Milliseconds())
		}
		return nil, fmt.Errorf("running signer command: %w", err)
	}

	var resp commandResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		telemetry.SignerSignaturesTotal.WithLabelValues("command", "error").Inc()
		return nil, fmt.Errorf("decoding signer response: %w", err)
	}
	if resp.SignatureB64u == "" {
		telemetry.SignerSignaturesTotal.WithLabelValues("command", "error").Inc()
		return nil, errors.New("signer command returned no signature")
	}

	keyID := resp.KeyID
	if keyID == "" {
		keyID = s.keyID
	}

	elapsed := time.Since(start)
	telemetry.SignerSignaturesTotal.WithLabelValues("command", "ok").Inc()
	telemetry.SignerDuration.Observe(elapsed.Seconds())

	return &Signature{
		SignatureB64u:         resp.SignatureB64u,
		Alg:                   resp.Alg,
		KeyID:                 keyID,
		PayloadHashSha256B64u: hashB64u,
		SignedAt:              time.Now().UnixMilli(),
		SigningLatencyMs:      elapsed.Milliseconds(),
		SigningVersion:        SigningVersion,
	}, nil
}
