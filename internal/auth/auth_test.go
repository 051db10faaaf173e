package auth

import (
	"context"
	"testing"
	"time"

	errordefs "github.com/RegistryAccord/registryaccord-fitproof-go/internal/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var testCfg = Config{Secret: "s3cret", Issuer: "fitproof", Audience: "fitproof"}

func TestSignAndParse(t *testing.T) {
	tok, err := Sign(testCfg, "alice", time.Minute)
	require.NoError(t, err)

	claims, err := NewVerifier(testCfg).ParseHeader("Bearer " + tok)
	require.NoError(t, err)
	require.Equal(t, "alice", claims.Subject)
	require.WithinDuration(t, time.Now().Add(time.Minute), claims.ExpiresAt, 2*time.Second)
}

func TestParseRejections(t *testing.T) {
	v := NewVerifier(testCfg)

	expired, err := Sign(testCfg, "alice", -time.Minute)
	require.NoError(t, err)
	_, err = v.Parse(expired)
	require.True(t, errordefs.Is(err, errordefs.FP_JWT_EXPIRED))

	wrongIssuer, err := Sign(Config{Secret: testCfg.Secret, Issuer: "other", Audience: testCfg.Audience}, "alice", time.Minute)
	require.NoError(t, err)
	_, err = v.Parse(wrongIssuer)
	require.True(t, errordefs.Is(err, errordefs.FP_JWT_INVALID))

	wrongAudience, err := Sign(Config{Secret: testCfg.Secret, Issuer: testCfg.Issuer, Audience: "other"}, "alice", time.Minute)
	require.NoError(t, err)
	_, err = v.Parse(wrongAudience)
	require.True(t, errordefs.Is(err, errordefs.FP_JWT_INVALID))

	wrongSecret, err := Sign(Config{Secret: "nope", Issuer: testCfg.Issuer, Audience: testCfg.Audience}, "alice", time.Minute)
	require.NoError(t, err)
	_, err = v.Parse(wrongSecret)
	require.True(t, errordefs.Is(err, errordefs.FP_JWT_INVALID))

	noSubject, err := Sign(testCfg, "", time.Minute)
	require.NoError(t, err)
	_, err = v.Parse(noSubject)
	require.True(t, errordefs.Is(err, errordefs.FP_JWT_INVALID))
}

func TestParseRejectsNoneAlgorithm(t *testing.T) {
	tok := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "alice", "iss": "fitproof", "aud": "fitproof", "exp": time.Now().Add(time.Hour).Unix(),
	})
	s, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewVerifier(testCfg).Parse(s)
	require.True(t, errordefs.Is(err, errordefs.FP_JWT_INVALID))
}

func TestParseHeader(t *testing.T) {
	v := NewVerifier(testCfg)
	_, err := v.ParseHeader("")
	require.True(t, errordefs.Is(err, errordefs.FP_AUTHN))
	_, err = v.ParseHeader("Basic abc")
	require.True(t, errordefs.Is(err, errordefs.FP_AUTHN))
	_, err = v.ParseHeader("Bearer ")
	require.True(t, errordefs.Is(err, errordefs.FP_AUTHN))
}

func TestClaimsContext(t *testing.T) {
	_, ok := FromContext(context.Background())
	require.False(t, ok)

	ctx := WithClaims(context.Background(), &Claims{Subject: "alice"})
	c, ok := FromContext(ctx)
	require.True(t, ok)
	require.Equal(t, "alice", c.Subject)
}
