package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"

	"gitagent/internal"
)

// SignatureHeader carries the HMAC-SHA256 of the raw body.
const SignatureHeader = "X-Hub-Signature-256"

const signaturePrefix = "sha256="

var (
	ErrMissingSignature  = errors.New("missing signature header")
	ErrSignatureMismatch = errors.New("signature mismatch")
)

// VerificationMode says whether signatures are checked.
type VerificationMode int

const (
	ModeDisabled VerificationMode = iota
	ModeEnforced
)

func (m VerificationMode) String() string {
	if m == ModeEnforced {
		return internal.VerificationEnforced
	}
	return internal.VerificationDisabled
}

// Verifier checks X-Hub-Signature-256 headers against a shared secret.
type Verifier struct {
	mode   VerificationMode
	secret []byte
}

// NewVerifier returns an enforcing verifier. The secret must not be empty.
func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("webhook secret is empty")
	}
	return &Verifier{mode: ModeEnforced, secret: []byte(secret)}, nil
}

// DisabledVerifier accepts every request.
func DisabledVerifier() *Verifier {
	return &Verifier{mode: ModeDisabled}
}

// NewVerifierFromConfig builds the verifier selected by cfg and warns when
// verification is off.
func NewVerifierFromConfig(cfg internal.WebhookConfig, logger *log.Logger) (*Verifier, error) {
	switch cfg.Verification {
	case internal.VerificationEnforced:
		return NewVerifier(cfg.Secret)
	case internal.VerificationDisabled, "":
		if logger != nil {
			logger.Printf("WARNING: webhook signature verification is disabled; set %s to enforce it", cfg.SecretEnv)
		}
		return DisabledVerifier(), nil
	default:
		return nil, fmt.Errorf("unsupported webhook verification: %s", cfg.Verification)
	}
}

func (v *Verifier) Mode() VerificationMode {
	return v.mode
}

// Check returns nil when header is a valid signature of body, or why not.
func (v *Verifier) Check(body []byte, header string) error {
	if v.mode == ModeDisabled {
		return nil
	}
	if header == "" {
		return ErrMissingSignature
	}
	expected := Sign(v.secret, body)
	if !hmac.Equal([]byte(expected), []byte(header)) {
		return ErrSignatureMismatch
	}
	return nil
}

// Verify reports whether header is a valid signature of body.
func (v *Verifier) Verify(body []byte, header string) bool {
	return v.Check(body, header) == nil
}

// Sign returns the header value GitHub would send for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}
