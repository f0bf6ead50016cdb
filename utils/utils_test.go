package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignature(t *testing.T) {
	body := []byte(`{"question_id":"q-1"}`)
	sig := Sign("s3cret", body)

	assert.True(t, VerifySignature("s3cret", body, sig))
	assert.True(t, VerifySignature("s3cret", body, "sha256="+sig))
	assert.False(t, VerifySignature("other", body, sig))
	assert.False(t, VerifySignature("s3cret", []byte(`{"question_id":"q-2"}`), sig))
	assert.False(t, VerifySignature("s3cret", body, "not-hex"))
	assert.False(t, VerifySignature("", body, Sign("", body)))
}

type accountDTO struct {
	Nickname    *string `json:"nickname"`
	AccessToken *string `json:"access_token" gorm:"column:token"`
	Ignored     *string `json:"-"`
	Plain       string  `json:"plain"`
}

func TestPatchColumns(t *testing.T) {
	nick, token := "  shop  ", "APP_USR-1"
	dto := accountDTO{Nickname: &nick, AccessToken: &token, Ignored: &nick, Plain: "x"}
	NormalizePtrDTO(&dto)

	got := PatchColumns(&dto)
	assert.Equal(t, map[string]any{"nickname": "shop", "token": "APP_USR-1"}, got)

	assert.Empty(t, PatchColumns(&accountDTO{}))
	assert.Empty(t, PatchColumns(dto), "a non-pointer body patches nothing")
}

func TestPageLimit(t *testing.T) {
	assert.Equal(t, 25, PageLimit(" 25 "))
	assert.Equal(t, MaxPageLimit, PageLimit("500"))
	assert.Equal(t, DefaultPageLimit, PageLimit(""))
	assert.Equal(t, DefaultPageLimit, PageLimit("0"))
	assert.Equal(t, DefaultPageLimit, PageLimit("-1"))
	assert.Equal(t, DefaultPageLimit, PageLimit("501"))
	assert.Equal(t, DefaultPageLimit, PageLimit("ten"))
}
