package replication

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenIssuer = "islandd"
	defaultTokenTTL    = 12 * time.Hour
)

var ErrUnauthorized = errors.New("replication join token rejected")

// TokenAuthority 签发并校验对端加入令牌（HS256）。
// nil 的 *TokenAuthority 表示未配置密钥，此时任何对端都被接受。
type TokenAuthority struct {
	key    []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenAuthority 在 secret 为空时返回 nil。
func NewTokenAuthority(secret string, ttl time.Duration) *TokenAuthority {
	if strings.TrimSpace(secret) == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &TokenAuthority{key: []byte(secret), issuer: defaultTokenIssuer, ttl: ttl, now: time.Now}
}

// Issue 为对端签发令牌，subject 为对端 ID。
func (a *TokenAuthority) Issue(peerID string) (string, error) {
	if a == nil {
		return "", nil
	}
	now := a.now()
	claims := jwt.RegisteredClaims{
		Issuer:    a.issuer,
		Subject:   peerID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("sign join token: %w", err)
	}
	return signed, nil
}

// Verify 校验令牌并返回对端 ID。未配置密钥时原样接受 fallbackID。
func (a *TokenAuthority) Verify(token, fallbackID string) (string, error) {
	if a == nil {
		return fallbackID, nil
	}
	if token == "" {
		return "", fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrUnauthorized)
	}
	return claims.Subject, nil
}

// bearerToken 从 Authorization 头或 token 查询参数取令牌。
func bearerToken(header, query string) string {
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return query
}
