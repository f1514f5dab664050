package auth_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tapedeck/internal/auth"
)

func TestHashAndVerifyAPIKey(t *testing.T) {
	hash, err := auth.HashAPIKey("test-key-123")
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	valid, err := auth.VerifyAPIKey("test-key-123", hash)
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = auth.VerifyAPIKey("wrong-key", hash)
	require.NoError(t, err)
	assert.False(t, valid)

	_, err = auth.VerifyAPIKey("test-key-123", "no-separator")
	assert.Error(t, err)
}

func TestKeyVerifier(t *testing.T) {
	v, err := auth.NewKeyVerifier("controller-secret")
	require.NoError(t, err)
	assert.True(t, v.Verify("controller-secret"))
	assert.False(t, v.Verify("guess"))
	assert.False(t, v.Verify(""))

	empty, err := auth.NewKeyVerifier("")
	require.NoError(t, err)
	assert.False(t, empty.Verify(""), "an unconfigured key accepts nothing")
	assert.False(t, empty.Verify("anything"))

	var nilVerifier *auth.KeyVerifier
	assert.False(t, nilVerifier.Verify("anything"))
}

func TestJWTIssueAndValidate(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", 1*time.Hour)
	require.NoError(t, err)

	token, expiresAt, err := mgr.IssueToken("bench-controller")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "bench-controller", claims.ClientID)
	assert.Equal(t, auth.Issuer, claims.Issuer)
	_, err = uuid.Parse(claims.Subject)
	assert.NoError(t, err)
}

func TestNewJWTManagerRejectsNonPositiveExpiration(t *testing.T) {
	_, err := auth.NewJWTManager("", "", 0)
	assert.Error(t, err)
}

func TestValidateTokenFromOtherKey(t *testing.T) {
	a, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	b, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	token, _, err := a.IssueToken("c")
	require.NoError(t, err)
	_, err = b.ValidateToken(token)
	assert.Error(t, err)
}

// newTestJWTManagerWithKey creates a JWTManager backed by a real Ed25519 key pair
// written to temp PEM files, and returns the raw private key for forging tokens.
func newTestJWTManagerWithKey(t *testing.T) (*auth.JWTManager, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	dir := t.TempDir()

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})
	privPath := filepath.Join(dir, "priv.pem")
	require.NoError(t, os.WriteFile(privPath, privPEM, 0600))

	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	pubPath := filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(pubPath, pubPEM, 0600))

	mgr, err := auth.NewJWTManager(privPath, pubPath, time.Hour)
	require.NoError(t, err)
	return mgr, priv
}

func TestNewJWTManagerMismatchedKeys(t *testing.T) {
	dir := t.TempDir()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	privPath := filepath.Join(dir, "priv.pem")
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}), 0600))

	pubBytes, err := x509.MarshalPKIXPublicKey(otherPub)
	require.NoError(t, err)
	pubPath := filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}), 0600))

	_, err = auth.NewJWTManager(privPath, pubPath, time.Hour)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
}

// forgeToken signs a JWT with the given private key and claims.
func forgeToken(t *testing.T, privKey ed25519.PrivateKey, claims jwt.Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(privKey)
	require.NoError(t, err)
	return signed
}

func forgedClaims(issuer, subject, clientID string) *auth.Claims {
	now := time.Now().UTC()
	return &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{auth.Issuer},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			ID:        uuid.New().String(),
		},
		ClientID: clientID,
	}
}

func TestValidateToken_WrongIssuer(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)
	token := forgeToken(t, privKey, forgedClaims("not-tapedeck", uuid.New().String(), "c"))

	_, err := mgr.ValidateToken(token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid issuer")
}

func TestValidateToken_MissingClientID(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)
	token := forgeToken(t, privKey, forgedClaims(auth.Issuer, uuid.New().String(), ""))

	_, err := mgr.ValidateToken(token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing client_id")
}

func TestValidateToken_MalformedSubject(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)
	token := forgeToken(t, privKey, forgedClaims(auth.Issuer, "not-a-uuid", "c"))

	_, err := mgr.ValidateToken(token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid subject")
}

func TestValidateToken_Expired(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)
	claims := forgedClaims(auth.Issuer, uuid.New().String(), "c")
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	token := forgeToken(t, privKey, claims)

	_, err := mgr.ValidateToken(token)
	assert.Error(t, err)
}
