package testutil

import (
	"time"

	"github.com/AfshinJalili/dealrouter/libs/apikey"
	"github.com/AfshinJalili/dealrouter/libs/auth"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	MerchantID = uuid.MustParse("00000000-0000-0000-0000-0000000000a1")
	MethodID   = uuid.MustParse("00000000-0000-0000-0000-0000000000b1")
	TraderID   = uuid.MustParse("00000000-0000-0000-0000-0000000000c1")
)

// GenerateJWT issues a service token carrying the given scopes.
func GenerateJWT(subject string, scopes []string, secret []byte) (string, error) {
	return auth.IssueJWT(subject, scopes, secret, time.Hour, time.Now())
}

// GenerateCallbackToken returns a token and the hash to store on an aggregator.
func GenerateCallbackToken() (token string, hash string, err error) {
	token, _, hash, err = apikey.Generate("test")
	return token, hash, err
}

func Dec(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}
