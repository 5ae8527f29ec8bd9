package telegram

import (
	"encoding/hex"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const botToken = "123456:test-bot-token"

func buildInitData(fields map[string]string) string {
	vals := url.Values{}
	for k, v := range fields {
		vals.Set(k, v)
	}
	vals.Set("hash", hex.EncodeToString(Sign(vals, botToken)))
	return vals.Encode()
}

func TestValidateInitData_Valid(t *testing.T) {
	now := time.Now()
	initData := buildInitData(map[string]string{
		"auth_date": strconv.FormatInt(now.Unix(), 10),
		"user":      `{"id":4242,"username":"u","first_name":"F"}`,
	})

	vals, err := ValidateInitData(initData, botToken, now, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, vals.Get("hash"))

	user, err := ParseUser(vals)
	require.NoError(t, err)
	assert.Equal(t, "4242", user.LedgerID())
	assert.Equal(t, "u", user.Username)
}

func TestValidateInitData_Tampered(t *testing.T) {
	now := time.Now()
	initData := buildInitData(map[string]string{
		"auth_date": strconv.FormatInt(now.Unix(), 10),
		"user":      `{"id":1}`,
	})

	_, err := ValidateInitData(initData+"&x=1", botToken, now, time.Hour)
	assert.ErrorIs(t, err, ErrBadHash)

	_, err = ValidateInitData(initData, "other-token", now, time.Hour)
	assert.ErrorIs(t, err, ErrBadHash)
}

func TestValidateInitData_Freshness(t *testing.T) {
	now := time.Now()
	old := buildInitData(map[string]string{
		"auth_date": strconv.FormatInt(now.Add(-2*time.Hour).Unix(), 10),
		"user":      `{"id":1}`,
	})
	_, err := ValidateInitData(old, botToken, now, time.Hour)
	assert.ErrorIs(t, err, ErrExpired)

	future := buildInitData(map[string]string{
		"auth_date": strconv.FormatInt(now.Add(time.Hour).Unix(), 10),
		"user":      `{"id":1}`,
	})
	_, err = ValidateInitData(future, botToken, now, time.Hour)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestValidateInitData_MissingFields(t *testing.T) {
	_, err := ValidateInitData("user=%7B%7D", botToken, time.Now(), time.Hour)
	assert.ErrorIs(t, err, ErrMissingHash)

	noDate := buildInitData(map[string]string{"user": `{"id":1}`})
	_, err = ValidateInitData(noDate, botToken, time.Now(), time.Hour)
	assert.ErrorIs(t, err, ErrNoAuthDate)
}

func TestParseUser_RequiresID(t *testing.T) {
	_, err := ParseUser(url.Values{"user": {`{"username":"nobody"}`}})
	assert.Error(t, err)
	_, err = ParseUser(url.Values{})
	assert.Error(t, err)
}
