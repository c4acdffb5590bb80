package totp

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp"
	pqtotp "github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RFC 6238 appendix B reference values.
func TestGenerateCode_RFC6238Vectors(t *testing.T) {
	seeds := map[Algorithm]string{
		AlgorithmSHA1:   "12345678901234567890",
		AlgorithmSHA256: "12345678901234567890123456789012",
		AlgorithmSHA512: "1234567890123456789012345678901234567890123456789012345678901234",
	}

	tests := []struct {
		unix      int64
		algorithm Algorithm
		want      string
	}{
		{59, AlgorithmSHA1, "94287082"},
		{59, AlgorithmSHA256, "46119246"},
		{59, AlgorithmSHA512, "90693936"},
		{1111111109, AlgorithmSHA1, "07081804"},
		{1111111109, AlgorithmSHA256, "68084774"},
		{1111111109, AlgorithmSHA512, "25091201"},
		{1234567890, AlgorithmSHA1, "89005924"},
		{2000000000, AlgorithmSHA256, "90698825"},
		{20000000000, AlgorithmSHA512, "47863826"},
	}

	for _, tt := range tests {
		t.Run(string(tt.algorithm)+"_"+tt.want, func(t *testing.T) {
			secret := secretEncoding.EncodeToString([]byte(seeds[tt.algorithm]))
			code, err := GenerateCode(secret, Config{Algorithm: tt.algorithm, Digits: 8, Period: 30}, time.Unix(tt.unix, 0))
			require.NoError(t, err)
			assert.Equal(t, tt.want, code)
		})
	}
}

func TestGenerateCode_MatchesAuthenticatorLibrary(t *testing.T) {
	key, err := Generate(Config{})
	require.NoError(t, err)

	at := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	ours, err := GenerateCode(key.Secret, Config{}, at)
	require.NoError(t, err)

	theirs, err := pqtotp.GenerateCodeCustom(key.Secret, at, pqtotp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	assert.Equal(t, theirs, ours)
}

func TestGenerate_Defaults(t *testing.T) {
	key, err := Generate(Config{})
	require.NoError(t, err)

	assert.Equal(t, AlgorithmSHA1, key.Algorithm)
	assert.Equal(t, DefaultDigits, key.Digits)
	assert.Equal(t, DefaultPeriod, key.Period)
	assert.Equal(t, DigitCharSet, key.CharSet)
	assert.Len(t, key.OTP, DefaultDigits)
	assert.NotEmpty(t, key.Secret)
}

func TestGenerate_FreshSecretPerCall(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		key, err := Generate(Config{})
		require.NoError(t, err)
		require.False(t, seen[key.Secret], "secret reused")
		seen[key.Secret] = true
	}
}

func TestGenerate_UserFacingCharSet(t *testing.T) {
	key, err := Generate(Config{Algorithm: AlgorithmSHA256, CharSet: UserFacingCharSet, Period: 600})
	require.NoError(t, err)

	for _, c := range key.OTP {
		assert.True(t, strings.ContainsRune(UserFacingCharSet, c), "unexpected character %q", c)
	}
	assert.NotContains(t, key.OTP, "0")
	assert.NotContains(t, key.OTP, "O")
	assert.NotContains(t, key.OTP, "I")
}

func TestGenerate_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"unknown_algorithm", Config{Algorithm: "MD5"}},
		{"too_many_digits", Config{Digits: 11}},
		{"negative_period", Config{Period: -1}},
		{"single_char_charset", Config{CharSet: "A"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Generate(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestVerify_RoundTrip(t *testing.T) {
	configs := []Config{
		{},
		{Algorithm: AlgorithmSHA256, CharSet: UserFacingCharSet, Period: 1800},
		{Algorithm: AlgorithmSHA512, Digits: 8, Period: 60},
		{Algorithm: "SHA-256", Digits: 10, Period: 300},
	}

	for _, cfg := range configs {
		at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		key, err := generateAt(cfg, at)
		require.NoError(t, err)

		delta, ok := Verify(key.OTP, key.Params, VerifyOptions{At: at})
		assert.True(t, ok, "config %+v", cfg)
		assert.Equal(t, 0, delta)
	}
}

func TestVerify_Window(t *testing.T) {
	at := time.Date(2026, 5, 5, 12, 0, 0, 0, time.UTC)
	key, err := generateAt(Config{}, at)
	require.NoError(t, err)

	later := at.Add(30 * time.Second)

	_, ok := Verify(key.OTP, key.Params, VerifyOptions{At: later})
	assert.False(t, ok, "window 0 must only accept the current step")

	delta, ok := Verify(key.OTP, key.Params, VerifyOptions{At: later, Window: 1})
	assert.True(t, ok)
	assert.Equal(t, -1, delta)

	earlier := at.Add(-30 * time.Second)
	delta, ok = Verify(key.OTP, key.Params, VerifyOptions{At: earlier, Window: 1})
	assert.True(t, ok)
	assert.Equal(t, 1, delta)

	_, ok = Verify(key.OTP, key.Params, VerifyOptions{At: at.Add(90 * time.Second), Window: 1})
	assert.False(t, ok)
}

func TestVerify_ParameterMismatchFails(t *testing.T) {
	at := time.Date(2026, 7, 1, 9, 30, 0, 0, time.UTC)
	key, err := generateAt(Config{Algorithm: AlgorithmSHA256, CharSet: UserFacingCharSet, Period: 600}, at)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(p Params) Params
	}{
		{"algorithm", func(p Params) Params { p.Algorithm = AlgorithmSHA1; return p }},
		{"digits", func(p Params) Params { p.Digits = 8; return p }},
		{"period", func(p Params) Params { p.Period = 30; return p }},
		{"charset", func(p Params) Params { p.CharSet = DigitCharSet; return p }},
		{"unknown_algorithm", func(p Params) Params { p.Algorithm = "MD5"; return p }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := Verify(key.OTP, tt.mutate(key.Params), VerifyOptions{At: at})
			assert.False(t, ok)
		})
	}
}

func TestVerify_MalformedInputFailsClosed(t *testing.T) {
	key, err := Generate(Config{})
	require.NoError(t, err)

	tests := []struct {
		name   string
		otp    string
		params Params
	}{
		{"empty", "", key.Params},
		{"too_short", key.OTP[:5], key.Params},
		{"too_long", key.OTP + "1", key.Params},
		{"outside_charset", "12345A", key.Params},
		{"bad_secret", key.OTP, Params{Secret: "!!not-base32!!"}},
		{"empty_secret", key.OTP, Params{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				_, ok := Verify(tt.otp, tt.params, VerifyOptions{})
				assert.False(t, ok)
			})
		})
	}
}

func TestKeyURI(t *testing.T) {
	key, err := Generate(Config{})
	require.NoError(t, err)

	uri := KeyURI(key.Params, "Epic Notes", "kody@example.com")

	parsed, err := otp.NewKeyFromURL(uri)
	require.NoError(t, err)
	assert.Equal(t, "totp", parsed.Type())
	assert.Equal(t, "Epic Notes", parsed.Issuer())
	assert.Equal(t, "kody@example.com", parsed.AccountName())
	assert.Equal(t, key.Secret, parsed.Secret())

	u, err := url.Parse(uri)
	require.NoError(t, err)
	assert.Equal(t, "SHA1", u.Query().Get("algorithm"))
	assert.Equal(t, "6", u.Query().Get("digits"))
	assert.Equal(t, "30", u.Query().Get("period"))
}
