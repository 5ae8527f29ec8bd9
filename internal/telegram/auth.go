// Package telegram verifies Telegram Mini App launch parameters.
package telegram

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingHash = errors.New("init data has no hash")
	ErrBadHash     = errors.New("init data hash mismatch")
	ErrExpired     = errors.New("init data is too old")
	ErrNoAuthDate  = errors.New("init data has no auth_date")
)

// MaxClockSkew is how far in the future auth_date may be.
const MaxClockSkew = 5 * time.Minute

// ValidateInitData checks the HMAC of initData against botToken and that
// auth_date is within maxAge of now. The verified fields are returned
// without the hash.
func ValidateInitData(initData, botToken string, now time.Time, maxAge time.Duration) (url.Values, error) {
	values, err := url.ParseQuery(initData)
	if err != nil {
		return nil, err
	}

	hash := values.Get("hash")
	if hash == "" {
		return nil, ErrMissingHash
	}
	values.Del("hash")

	provided, err := hex.DecodeString(hash)
	if err != nil {
		return nil, ErrBadHash
	}
	if !hmac.Equal(Sign(values, botToken), provided) {
		return nil, ErrBadHash
	}

	authDate, err := strconv.ParseInt(values.Get("auth_date"), 10, 64)
	if err != nil {
		return nil, ErrNoAuthDate
	}
	issued := time.Unix(authDate, 0)
	if now.Sub(issued) > maxAge || issued.Sub(now) > MaxClockSkew {
		return nil, ErrExpired
	}
	return values, nil
}

// Sign computes the Mini App hash of values: HMAC-SHA256 over the sorted
// "key=value" lines, keyed by HMAC-SHA256("WebAppData", botToken).
func Sign(values url.Values, botToken string) []byte {
	lines := make([]string, 0, len(values))
	for k, v := range values {
		if k == "hash" {
			continue
		}
		lines = append(lines, k+"="+strings.Join(v, ""))
	}
	sort.Strings(lines)

	secret := hmac.New(sha256.New, []byte("WebAppData"))
	secret.Write([]byte(botToken))

	h := hmac.New(sha256.New, secret.Sum(nil))
	h.Write([]byte(strings.Join(lines, "\n")))
	return h.Sum(nil)
}
