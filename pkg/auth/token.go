// Package auth 签发和校验会话凭证（HS256 JWT）
package auth

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultTTL 凭证有效期：一场比赛的时间
	DefaultTTL = 30 * time.Minute

	tokenIssuer = "racesync-server"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims 会话凭证声明
type Claims struct {
	PlayerName string `json:"player_name"`
	MatchID    string `json:"match_id,omitempty"`
	jwt.RegisteredClaims
}

// SigningKey 从环境变量 JWT_SECRET 读取签名密钥，不存在时使用开发默认值
func SigningKey() []byte {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "racesync-dev-secret-change-in-production"
	}
	return []byte(secret)
}

// GenerateToken 签发凭证
func GenerateToken(key []byte, playerName, matchID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		PlayerName: playerName,
		MatchID:    matchID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   playerName,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(key)
}

// VerifyToken 校验签名和有效期并返回声明
func VerifyToken(key []byte, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return key, nil
	}, jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return nil, fmt.Errorf("token parsing failed: %w", err)
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}

// PeekClaims 不校验签名地解析声明，客户端用来在连接前检查过期时间
func PeekClaims(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("token parsing failed: %w", err)
	}
	return claims, nil
}

// Expired 声明是否已过期（无过期时间视为不过期）
func (c *Claims) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(c.ExpiresAt.Time)
}
