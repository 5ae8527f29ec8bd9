package cryptobox

import (
	"encoding/hex"
	"strings"
	"testing"

	"lime_farm/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestBox(t *testing.T) *Box {
	t.Helper()
	b, err := New(testSecret)
	require.NoError(t, err)
	return b
}

func TestNew_ShortSecret(t *testing.T) {
	_, err := New([]byte("too-short"))
	assert.ErrorIs(t, err, ErrShortSecret)
}

func TestSealOpen_RoundTrip(t *testing.T) {
	b := newTestBox(t)

	for _, in := range []string{"", "ABCD2345", "hello, мир", strings.Repeat("x", 4096), `{"a":1}`} {
		s, err := b.Seal(in)
		require.NoError(t, err)

		out, err := b.Open(s)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	}
}

func TestSeal_NonDeterministic(t *testing.T) {
	b := newTestBox(t)

	s1, err := b.Seal("ABCD2345")
	require.NoError(t, err)
	s2, err := b.Seal("ABCD2345")
	require.NoError(t, err)

	assert.NotEqual(t, s1.Ciphertext, s2.Ciphertext)
	assert.NotEqual(t, s1.IV, s2.IV)
	assert.NotEqual(t, s1.Salt, s2.Salt)
}

func flipBit(t *testing.T, h string, bit int) string {
	t.Helper()
	raw, err := hex.DecodeString(h)
	require.NoError(t, err)
	raw[bit/8] ^= 1 << (bit % 8)
	return hex.EncodeToString(raw)
}

func TestOpen_DetectsTampering(t *testing.T) {
	b := newTestBox(t)
	s, err := b.Seal("referral-code")
	require.NoError(t, err)

	ctBits := len(s.Ciphertext) / 2 * 8
	for bit := 0; bit < ctBits; bit++ {
		bad := s
		bad.Ciphertext = flipBit(t, s.Ciphertext, bit)
		_, err := b.Open(bad)
		require.ErrorIs(t, err, domain.ErrIntegrityCheckFailed, "ciphertext bit %d", bit)
	}

	for bit := 0; bit < tagSize*8; bit++ {
		bad := s
		bad.Tag = flipBit(t, s.Tag, bit)
		_, err := b.Open(bad)
		require.ErrorIs(t, err, domain.ErrIntegrityCheckFailed, "tag bit %d", bit)
	}

	bad := s
	bad.IV = flipBit(t, s.IV, 0)
	_, err = b.Open(bad)
	assert.ErrorIs(t, err, domain.ErrIntegrityCheckFailed)

	bad = s
	bad.Salt = flipBit(t, s.Salt, 3)
	_, err = b.Open(bad)
	assert.ErrorIs(t, err, domain.ErrIntegrityCheckFailed)
}

func TestOpen_Malformed(t *testing.T) {
	b := newTestBox(t)
	s, err := b.Seal("x")
	require.NoError(t, err)

	bad := s
	bad.Tag = "zz"
	_, err = b.Open(bad)
	assert.ErrorIs(t, err, domain.ErrIntegrityCheckFailed)

	bad = s
	bad.IV = s.IV[:4]
	_, err = b.Open(bad)
	assert.ErrorIs(t, err, domain.ErrIntegrityCheckFailed)
	assert.Equal(t, domain.KindIntegrity, domain.KindOf(err))
}

func TestOpen_WrongSecret(t *testing.T) {
	s, err := newTestBox(t).Seal("secret")
	require.NoError(t, err)

	other, err := New([]byte("ffffffffffffffffffffffffffffffff"))
	require.NoError(t, err)
	_, err = other.Open(s)
	assert.ErrorIs(t, err, domain.ErrIntegrityCheckFailed)
}

func TestLookupKey(t *testing.T) {
	b := newTestBox(t)

	assert.Equal(t, b.LookupKey("ABCD2345"), b.LookupKey("ABCD2345"))
	assert.NotEqual(t, b.LookupKey("ABCD2345"), b.LookupKey("ABCD2346"))
	assert.Len(t, b.LookupKey("ABCD2345"), 64)

	other, err := New([]byte("ffffffffffffffffffffffffffffffff"))
	require.NoError(t, err)
	assert.NotEqual(t, b.LookupKey("ABCD2345"), other.LookupKey("ABCD2345"))
}

func TestSanitize(t *testing.T) {
	cases := map[string]string{
		"  plain  ":                 "plain",
		"<script>alert(1)</script>": "scriptalert(1)/script",
		"tab\there\x00":             "tabhere",
		"ünïcode":                   "ünïcode",
	}
	for in, want := range cases {
		assert.Equal(t, want, Sanitize(in), "input %q", in)
	}
}

func TestNewReferralCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		code, err := NewReferralCode()
		require.NoError(t, err)
		require.Len(t, code, domain.ReferralCodeLength)
		for _, r := range code {
			require.True(t, strings.ContainsRune(codeAlphabet, r), "unexpected rune %q", r)
		}
		seen[code] = true
	}
	assert.Greater(t, len(seen), 190)
}

func TestNormalizeReferralCode(t *testing.T) {
	assert.Equal(t, "ABCD2345", NormalizeReferralCode(" abcd2345\n"))
}
