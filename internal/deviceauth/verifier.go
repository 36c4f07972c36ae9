// ABOUTME: Device identity verification via public-key-derived IDs and SSH signatures
// ABOUTME: Enforces ID derivation match, timestamp freshness, nonce echo, and signature validity

package deviceauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// MaxSignatureAge is the permitted distance between signedAt and now.
const MaxSignatureAge = 10 * time.Minute

// maxFutureSkew tolerates small clock drift for timestamps in the future.
const maxFutureSkew = time.Minute

// Verification failures. Each stage has a distinct error for audit logging;
// the remote peer only ever sees a generic device-auth-invalid signal.
var (
	ErrInvalidKey       = errors.New("invalid device public key")
	ErrIDMismatch       = errors.New("device id does not match public key")
	ErrSignatureExpired = errors.New("signature timestamp outside freshness window")
	ErrNonceRequired    = errors.New("connect nonce required")
	ErrNonceInvalid     = errors.New("connect nonce missing or already used")
	ErrBadSignature     = errors.New("signature verification failed")
)

// payloadVersion prefixes every canonical signing payload.
const payloadVersion = "v1"

// NonceRedeemer redeems a server-issued connect nonce, at most once.
type NonceRedeemer interface {
	Redeem(nonce string) bool
}

// Request carries everything the verifier checks for one device block.
type Request struct {
	DeviceID  string
	PublicKey string // SSH authorized-key encoding
	Signature string // base64-encoded ssh.Signature over the canonical payload
	SignedAt  int64  // unix seconds
	Nonce     string

	ClientID string
	Mode     string
	Role     string
	Scopes   []string
	// Token is the shared secret bound into the signature, if the client
	// presented one.
	Token string

	// Local marks a trusted loopback peer; only those may omit the nonce.
	Local bool
}

// Verifier validates self-asserted device identities.
type Verifier struct {
	maxAge time.Duration
	nonces NonceRedeemer
	// allowLegacyNoNonce permits loopback peers lacking a nonce to verify
	// against the legacy no-nonce payload. Preserved for backward
	// compatibility with older local clients.
	allowLegacyNoNonce bool
	now                func() time.Time
}

// NewVerifier creates a Verifier using the given nonce registry.
func NewVerifier(nonces NonceRedeemer, allowLegacyNoNonce bool) *Verifier {
	return &Verifier{
		maxAge:             MaxSignatureAge,
		nonces:             nonces,
		allowLegacyNoNonce: allowLegacyNoNonce,
		now:                time.Now,
	}
}

// Verify checks a device block. Checks run in a fixed order and stop at the
// first failure: ID derivation, timestamp freshness, nonce echo, signature.
// A later check never runs when an earlier one failed, so for example the
// signature of a stale block is never inspected.
func (v *Verifier) Verify(req *Request) error {
	pubkey, err := ParseKey(req.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	if DeriveID(pubkey) != strings.ToLower(req.DeviceID) {
		return ErrIDMismatch
	}

	signedAt := time.Unix(req.SignedAt, 0)
	age := v.now().Sub(signedAt)
	if age > v.maxAge || age < -maxFutureSkew {
		return ErrSignatureExpired
	}

	legacy := false
	switch {
	case req.Nonce != "":
		if !v.nonces.Redeem(req.Nonce) {
			return ErrNonceInvalid
		}
	case req.Local && v.allowLegacyNoNonce:
		legacy = true
	default:
		return ErrNonceRequired
	}

	payload := canonicalPayload(req, legacy)
	sigBytes, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	sig := new(ssh.Signature)
	if err := ssh.Unmarshal(sigBytes, sig); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if err := pubkey.Verify([]byte(payload), sig); err != nil {
		return ErrBadSignature
	}
	return nil
}

// canonicalPayload reconstructs the exact string the device signed. The
// legacy form omits the nonce field.
func canonicalPayload(req *Request, legacy bool) string {
	if legacy {
		return LegacyPayload(req.DeviceID, req.ClientID, req.Mode, req.Role, req.Scopes, req.SignedAt, req.Token)
	}
	return Payload(req.DeviceID, req.ClientID, req.Mode, req.Role, req.Scopes, req.SignedAt, req.Nonce, req.Token)
}

// Payload builds the canonical signing payload.
func Payload(deviceID, clientID, mode, role string, scopes []string, signedAt int64, nonce, token string) string {
	return strings.Join([]string{
		payloadVersion,
		strings.ToLower(deviceID),
		clientID,
		mode,
		role,
		strings.Join(scopes, ","),
		fmt.Sprintf("%d", signedAt),
		nonce,
		token,
	}, "|")
}

// LegacyPayload builds the no-nonce payload accepted only from loopback
// peers for backward compatibility.
func LegacyPayload(deviceID, clientID, mode, role string, scopes []string, signedAt int64, token string) string {
	return strings.Join([]string{
		payloadVersion,
		strings.ToLower(deviceID),
		clientID,
		mode,
		role,
		strings.Join(scopes, ","),
		fmt.Sprintf("%d", signedAt),
		token,
	}, "|")
}

// DeriveID computes a device's ID from its public key: lowercase hex SHA256
// of the wire-encoded key.
func DeriveID(pubkey ssh.PublicKey) string {
	hash := sha256.Sum256(pubkey.Marshal())
	return hex.EncodeToString(hash[:])
}

// ParseKey parses an SSH authorized-key encoded public key.
func ParseKey(pubkeyStr string) (ssh.PublicKey, error) {
	pubkey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(pubkeyStr))
	if err != nil {
		return nil, err
	}
	return pubkey, nil
}

// DeriveIDFromKeyString derives a device ID from the authorized-key string.
func DeriveIDFromKeyString(pubkeyStr string) (string, error) {
	pubkey, err := ParseKey(pubkeyStr)
	if err != nil {
		return "", fmt.Errorf("invalid public key: %w", err)
	}
	return DeriveID(pubkey), nil
}

// Sign produces the base64 signature a device sends, signing payload with
// its private key. Used by the node client and by tests.
func Sign(signer ssh.Signer, payload string) (string, error) {
	sig, err := signer.Sign(rand.Reader, []byte(payload))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ssh.Marshal(sig)), nil
}
