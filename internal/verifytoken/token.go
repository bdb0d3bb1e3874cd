// Package verifytoken mints and validates the compact scan tokens carried in
// prescription QR codes. Two wire formats coexist because the system evolved
// without invalidating tokens already printed:
//
//   - raw:        base64url(JSON payload) "." MAC, where the MAC may be hex or
//     base64url and may cover either the base64url string or the
//     decoded JSON text (four combinations);
//   - structured: header.payload.signature, either a real HS256 JWT or a bare
//     HMAC over "header.payload".
//
// New tokens are always minted in the raw format with a hex MAC over the JSON
// text. Validation tries every accepted form against a chain of candidate
// secrets and compares in constant time throughout.
package verifytoken

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidFormat    = errors.New("INVALID_TOKEN_FORMAT")
	ErrInvalidSignature = errors.New("INVALID_TOKEN_SIGNATURE")
	ErrExpired          = errors.New("TOKEN_EXPIRED")
	ErrMissingRecordID  = errors.New("token payload carries no prescription id")
)

// devFallbackSecret is the last-resort candidate for pre-production tokens.
const devFallbackSecret = "dev-verify-secret"

// SecretLookup resolves the per-prescription secret for a provisionally
// extracted record id. Implementations return "" when the record is unknown;
// lookup failures must not abort validation.
type SecretLookup func(ctx context.Context, recordID string) string

type Result struct {
	RecordID string
	Payload  map[string]any
	IssuedAt *time.Time
}

type Codec struct {
	verifySecret  string
	signingSecret string
}

// New builds a codec with the deployment-wide fallback secrets: the
// dedicated verification secret and the platform signing secret older
// tokens were minted with.
func New(verifySecret, signingSecret string) *Codec {
	return &Codec{verifySecret: verifySecret, signingSecret: signingSecret}
}

type mintPayload struct {
	Pid string `json:"pid"`
	Ts  int64  `json:"ts"`
}

// Mint emits a raw-format token bound to one prescription:
// base64url({"pid":...,"ts":...}) "." hex HMAC-SHA256 over the JSON text.
func (c *Codec) Mint(recordID, perRecordSecret string) (string, error) {
	secret := firstNonEmpty(perRecordSecret, c.verifySecret, devFallbackSecret)

	data, err := json.Marshal(mintPayload{Pid: recordID, Ts: time.Now().UnixMilli()})
	if err != nil {
		return "", fmt.Errorf("encoding token payload: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data) + "." + hmacHex(data, secret), nil
}

// Validate checks a presented token against every accepted format and
// candidate secret. Candidates are tried in the order production migrations
// established: the record's own secret, the deployment verification secret,
// the legacy signing secret, then the development fallback.
func (c *Codec) Validate(ctx context.Context, token string, lookup SecretLookup) (*Result, error) {
	token = strings.TrimSpace(token)

	// Some scanner clients post the whole JSON body as the token value.
	if strings.HasPrefix(token, "{") {
		var wrapper struct {
			Token string `json:"token"`
			T     string `json:"t"`
		}
		if err := json.Unmarshal([]byte(token), &wrapper); err == nil {
			if wrapper.Token != "" {
				token = wrapper.Token
			} else if wrapper.T != "" {
				token = wrapper.T
			}
		}
	}

	parts := strings.Split(token, ".")
	if len(parts) < 2 {
		return nil, ErrInvalidFormat
	}

	provisionalID := provisionalRecordID(parts)

	candidates := make([]string, 0, 4)
	if provisionalID != "" && lookup != nil {
		if s := lookup(ctx, provisionalID); s != "" {
			candidates = append(candidates, s)
		}
	}
	for _, s := range []string{c.verifySecret, c.signingSecret, devFallbackSecret} {
		if s != "" {
			candidates = append(candidates, s)
		}
	}

	var payload map[string]any
	var ok bool
	if len(parts) == 3 {
		payload, ok = verifyStructured(token, parts, candidates)
		if !ok {
			payload, ok = verifyRaw(parts, candidates)
		}
	} else {
		payload, ok = verifyRaw(parts, candidates)
	}
	if !ok {
		return nil, ErrInvalidSignature
	}

	recordID := extractRecordID(payload)
	if recordID == "" {
		recordID = provisionalID
	}
	if recordID == "" {
		return nil, ErrMissingRecordID
	}

	if exp, found := numberClaim(payload, "exp"); found && time.Now().Unix() > int64(exp) {
		return nil, ErrExpired
	}

	res := &Result{RecordID: recordID, Payload: payload}
	if ts, found := numberClaim(payload, "ts"); found {
		issued := time.UnixMilli(int64(ts)).UTC()
		res.IssuedAt = &issued
	}
	return res, nil
}

// verifyStructured handles header.payload.signature tokens: first as a
// proper JWT restricted to HS256 (asymmetric and "none" algorithms are
// rejected), then as a bare base64url HMAC over "header.payload".
func verifyStructured(token string, parts []string, secrets []string) (map[string]any, bool) {
	for _, secret := range secrets {
		claims := jwt.MapClaims{}
		_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err == nil {
			return claims, true
		}

		mac := hmacB64url([]byte(parts[0]+"."+parts[1]), secret)
		if timingSafeEqual(parts[2], mac) {
			if payload := decodeJSONSegment(parts[1]); payload != nil {
				return payload, true
			}
		}
	}
	return nil, false
}

// verifyRaw handles payload.mac tokens. Historical minters disagreed on both
// the MAC encoding (base64url vs hex) and the MAC input (the base64url
// string vs the decoded JSON text), so all four combinations are accepted.
func verifyRaw(parts []string, secrets []string) (map[string]any, bool) {
	macGiven := parts[len(parts)-1]
	payloadB64 := strings.Join(parts[:len(parts)-1], ".")

	var payloadJSON []byte
	if decoded, err := decodeB64url(payloadB64); err == nil {
		payloadJSON = decoded
	}

	for _, secret := range secrets {
		macs := []string{
			hmacB64url([]byte(payloadB64), secret),
			hmacHex([]byte(payloadB64), secret),
		}
		if payloadJSON != nil {
			macs = append(macs, hmacB64url(payloadJSON, secret), hmacHex(payloadJSON, secret))
		}
		for _, mac := range macs {
			if timingSafeEqual(macGiven, mac) {
				payload := map[string]any{}
				if payloadJSON != nil {
					_ = json.Unmarshal(payloadJSON, &payload)
				}
				return payload, true
			}
		}
	}
	return nil, false
}

// provisionalRecordID pulls a record id out of the payload segment before
// any signature has been checked, so the per-record secret can join the
// candidate list. The id is only trusted after a MAC validates.
func provisionalRecordID(parts []string) string {
	segment := parts[len(parts)-1]
	if len(parts) == 3 {
		segment = parts[1]
	} else {
		segment = strings.Join(parts[:len(parts)-1], ".")
	}
	if payload := decodeJSONSegment(segment); payload != nil {
		return extractRecordID(payload)
	}
	return ""
}

// extractRecordID accepts every alias the payload field has carried over the
// system's lifetime.
func extractRecordID(payload map[string]any) string {
	for _, key := range []string{"prescription_id", "prescriptionId", "rx", "pid"} {
		if v, ok := payload[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func numberClaim(payload map[string]any, key string) (float64, bool) {
	v, ok := payload[key].(float64)
	return v, ok
}

func decodeJSONSegment(segment string) map[string]any {
	raw, err := decodeB64url(segment)
	if err != nil {
		return nil
	}
	payload := map[string]any{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil
	}
	return payload
}

func decodeB64url(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

func hmacHex(data []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

func hmacB64url(data []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func timingSafeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
