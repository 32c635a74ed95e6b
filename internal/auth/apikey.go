// Package auth 处理管理员 API Key；用户令牌见子包 jwt。
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"

	"tempmail/mailcore/internal/cache"
)

// verifiedTTL 校验通过的 Key 在内存中缓存的时间
const verifiedTTL = 5 * time.Minute

// ErrInvalidAPIKey API Key 不匹配任何已配置的哈希
var ErrInvalidAPIKey = errors.New("invalid api key")

// APIKeyPrefix 生成的 Key 统一前缀
const APIKeyPrefix = "tm_"

// GenerateAPIKey 生成随机 Key
func GenerateAPIKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return APIKeyPrefix + hex.EncodeToString(buf), nil
}

// DigestAPIKey 返回 Key 的 SHA-256 十六进制摘要，数据库按它建唯一索引
func DigestAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// HashAPIKey 生成 API Key 的 bcrypt 哈希，用于写入配置
func HashAPIKey(key string) (string, error) {
	if key == "" {
		return "", errors.New("api key must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// APIKeyVerifier 对照配置中的 bcrypt 哈希校验引导用管理员 Key
type APIKeyVerifier struct {
	hashes   [][]byte
	verified *cache.LocalCache[bool]
}

// NewAPIKeyVerifier 创建校验器，hashes 为空时拒绝所有 Key
func NewAPIKeyVerifier(hashes []string) *APIKeyVerifier {
	v := &APIKeyVerifier{verified: cache.NewLocalCache[bool](verifiedTTL)}
	for _, h := range hashes {
		if h != "" {
			v.hashes = append(v.hashes, []byte(h))
		}
	}
	return v
}

// Enabled 是否配置了管理员 Key
func (v *APIKeyVerifier) Enabled() bool {
	return len(v.hashes) > 0
}

// Verify 校验 Key
func (v *APIKeyVerifier) Verify(key string) error {
	if key == "" || !v.Enabled() {
		return ErrInvalidAPIKey
	}

	// bcrypt 比较开销大，按摘要缓存成功结果
	digest := DigestAPIKey(key)
	if _, ok := v.verified.Get(digest); ok {
		return nil
	}

	for _, h := range v.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(key)) == nil {
			v.verified.Set(digest, true, verifiedTTL)
			return nil
		}
	}
	return ErrInvalidAPIKey
}
