package verifytoken

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noLookup(context.Context, string) string { return "" }

func lookupFor(recordID, secret string) SecretLookup {
	return func(_ context.Context, id string) string {
		if id == recordID {
			return secret
		}
		return ""
	}
}

func TestMintValidateRoundTrip(t *testing.T) {
	codec := New("deploy-secret", "signing-secret")

	token, err := codec.Mint("rx_1700000000000_abc123", "per-record-secret")
	require.NoError(t, err)

	res, err := codec.Validate(context.Background(), token, lookupFor("rx_1700000000000_abc123", "per-record-secret"))
	require.NoError(t, err)
	assert.Equal(t, "rx_1700000000000_abc123", res.RecordID)
	require.NotNil(t, res.IssuedAt)
	assert.WithinDuration(t, time.Now(), *res.IssuedAt, time.Minute)
}

func TestMintFallsBackToDeploySecret(t *testing.T) {
	codec := New("deploy-secret", "")

	token, err := codec.Mint("rx_2", "")
	require.NoError(t, err)

	res, err := codec.Validate(context.Background(), token, noLookup)
	require.NoError(t, err)
	assert.Equal(t, "rx_2", res.RecordID)
}

func TestValidateRejectsTamperedMAC(t *testing.T) {
	codec := New("deploy-secret", "")

	token, err := codec.Mint("rx_3", "record-secret")
	require.NoError(t, err)

	tampered := token[:len(token)-1]
	if token[len(token)-1] == 'a' {
		tampered += "b"
	} else {
		tampered += "a"
	}

	_, err = codec.Validate(context.Background(), tampered, lookupFor("rx_3", "record-secret"))
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	minter := New("", "")
	token, err := minter.Mint("rx_4", "secret-a")
	require.NoError(t, err)

	validator := New("secret-b", "secret-c")
	_, err = validator.Validate(context.Background(), token, noLookup)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestValidateHexMACOverJSONVector(t *testing.T) {
	// Fixed vector: payload {"pid":"rx_1","ts":1700000000000}, secret "s3cret",
	// MAC computed over the JSON text and hex encoded.
	payload := []byte(`{"pid":"rx_1","ts":1700000000000}`)
	token := base64.RawURLEncoding.EncodeToString(payload) + "." + hmacHex(payload, "s3cret")

	codec := New("s3cret", "")
	res, err := codec.Validate(context.Background(), token, noLookup)
	require.NoError(t, err)
	assert.Equal(t, "rx_1", res.RecordID)
	require.NotNil(t, res.IssuedAt)
	assert.Equal(t, int64(1700000000000), res.IssuedAt.UnixMilli())
}

func TestValidateB64urlMACOverEncodedString(t *testing.T) {
	payload := []byte(`{"prescription_id":"rx_5"}`)
	encoded := base64.RawURLEncoding.EncodeToString(payload)
	token := encoded + "." + hmacB64url([]byte(encoded), "legacy")

	codec := New("", "legacy")
	res, err := codec.Validate(context.Background(), token, noLookup)
	require.NoError(t, err)
	assert.Equal(t, "rx_5", res.RecordID)
}

func TestValidateAcceptsHS256JWT(t *testing.T) {
	claims := jwt.MapClaims{
		"rx":  "rx_6",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("jwt-secret"))
	require.NoError(t, err)

	codec := New("", "jwt-secret")
	res, err := codec.Validate(context.Background(), signed, noLookup)
	require.NoError(t, err)
	assert.Equal(t, "rx_6", res.RecordID)
}

func TestValidateRejectsAlgNone(t *testing.T) {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	body := base64.RawURLEncoding.EncodeToString([]byte(`{"rx":"rx_7"}`))
	token := header + "." + body + "."

	codec := New("deploy-secret", "signing-secret")
	_, err := codec.Validate(context.Background(), token, noLookup)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestValidateExpiredToken(t *testing.T) {
	payload, err := json.Marshal(map[string]any{
		"pid": "rx_8",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	require.NoError(t, err)
	token := base64.RawURLEncoding.EncodeToString(payload) + "." + hmacHex(payload, "s")

	codec := New("s", "")
	_, err = codec.Validate(context.Background(), token, noLookup)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestValidateExpiredJWTReportedAsExpired(t *testing.T) {
	// An expired but correctly signed JWT fails strict parsing, falls through
	// to the manual HMAC check, and surfaces as TOKEN_EXPIRED, not as a
	// signature failure.
	claims := jwt.MapClaims{
		"pid": "rx_9",
		"exp": time.Now().Add(-time.Hour).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("sec"))
	require.NoError(t, err)

	codec := New("sec", "")
	_, err = codec.Validate(context.Background(), signed, noLookup)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestValidateUnwrapsJSONBody(t *testing.T) {
	codec := New("deploy", "")
	token, err := codec.Mint("rx_10", "")
	require.NoError(t, err)

	wrapped, err := json.Marshal(map[string]string{"token": token})
	require.NoError(t, err)

	res, err := codec.Validate(context.Background(), string(wrapped), noLookup)
	require.NoError(t, err)
	assert.Equal(t, "rx_10", res.RecordID)
}

func TestValidateFormatErrors(t *testing.T) {
	codec := New("s", "")

	_, err := codec.Validate(context.Background(), "no-dots-here", noLookup)
	assert.ErrorIs(t, err, ErrInvalidFormat)

	_, err = codec.Validate(context.Background(), "", noLookup)
	assert.ErrorIs(t, err, ErrInvalidFormat)
}

func TestValidateMissingRecordID(t *testing.T) {
	payload := []byte(`{"foo":"bar"}`)
	token := base64.RawURLEncoding.EncodeToString(payload) + "." + hmacHex(payload, "s")

	codec := New("s", "")
	_, err := codec.Validate(context.Background(), token, noLookup)
	assert.ErrorIs(t, err, ErrMissingRecordID)
}

func TestRecordIDAliases(t *testing.T) {
	codec := New("s", "")
	for _, key := range []string{"prescription_id", "prescriptionId", "rx", "pid"} {
		payload, err := json.Marshal(map[string]string{key: "rx_alias"})
		require.NoError(t, err)
		token := base64.RawURLEncoding.EncodeToString(payload) + "." + hmacHex(payload, "s")

		res, err := codec.Validate(context.Background(), token, noLookup)
		require.NoError(t, err, "alias %s", key)
		assert.Equal(t, "rx_alias", res.RecordID)
	}
}
