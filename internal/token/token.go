// Package token はセッショントークン（JWT）の発行と検証を提供する。
// トークンはステートレスで、サーバー側の失効リストは持たない。
package token

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrForeignToken は署名は有効だがsubjectが数値のユーザーIDでないトークンを示す。
// 他システム発行のトークンが紛れ込んだ場合に返り、認証ガードでは無視扱いになる。
var ErrForeignToken = errors.New("token subject is not a numeric user ID")

// ErrNotConfigured は署名シークレットが未設定の場合に返る。
var ErrNotConfigured = errors.New("signing secret is not configured")

// Issuer はHMAC-SHA256で署名されたセッショントークンを発行・検証する。
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer はIssuerを生成する。
// nowがnilの場合はtime.Nowを使用する（テスト時のみ差し替える）。
func NewIssuer(secret string, ttl time.Duration, now func() time.Time) *Issuer {
	if now == nil {
		now = time.Now
	}
	return &Issuer{
		secret: []byte(secret),
		ttl:    ttl,
		now:    now,
	}
}

// Issue は指定ユーザーIDをsubjectとするセッショントークンを発行する。
func (i *Issuer) Issue(userID int64) (string, error) {
	if len(i.secret) == 0 {
		return "", ErrNotConfigured
	}

	now := i.now()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}

	return signed, nil
}

// Verify はトークンの署名と有効期限を検証し、subjectのユーザーIDを返す。
// subjectが欠落または数値でない場合はErrForeignTokenを返す。
func (i *Issuer) Verify(tokenString string) (int64, error) {
	if len(i.secret) == 0 {
		return 0, ErrNotConfigured
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to verify session token: %w", err)
	}

	if claims.Subject == "" {
		return 0, ErrForeignToken
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return 0, ErrForeignToken
	}

	return userID, nil
}
