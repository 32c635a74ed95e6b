package main

import (
	"fmt"
	"os"

	"tempmail/mailcore/internal/auth"
	jwtpkg "tempmail/mailcore/internal/auth/jwt"
	"tempmail/mailcore/internal/config"
	"tempmail/mailcore/internal/domain"
)

// 开发与运维工具：为测试用户签发 JWT，或生成管理员 API Key 及其哈希
func main() {
	if len(os.Args) < 2 {
		usage()
	}

	switch os.Args[1] {
	case "token":
		if len(os.Args) < 3 {
			usage()
		}
		issueToken(os.Args[2], os.Args[3:])
	case "hash-key":
		hashKey(os.Args[2:])
	default:
		usage()
	}
}

func usage() {
	fmt.Println("Usage:")
	fmt.Println("  issue-token token <user-id> [registered|premium|enterprise]")
	fmt.Println("  issue-token hash-key [api-key]")
	os.Exit(1)
}

func issueToken(userID string, rest []string) {
	tier := domain.TierRegistered
	if len(rest) > 0 {
		parsed, err := domain.ParseTier(rest[0])
		if err != nil {
			fmt.Printf("Invalid tier: %v\n", err)
			os.Exit(1)
		}
		tier = parsed
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	manager := jwtpkg.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.AccessExpiry)
	token, err := manager.Issue(userID, tier)
	if err != nil {
		fmt.Printf("Failed to issue token: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✅ Token issued\n")
	fmt.Printf("   User:    %s\n", userID)
	fmt.Printf("   Tier:    %s\n", tier)
	fmt.Printf("   Expires: %s\n", cfg.JWT.AccessExpiry)
	fmt.Println(token)
}

// hashKey 未提供 key 时随机生成一个
func hashKey(rest []string) {
	key := ""
	if len(rest) > 0 {
		key = rest[0]
	} else {
		generated, err := auth.GenerateAPIKey()
		if err != nil {
			fmt.Printf("Failed to generate key: %v\n", err)
			os.Exit(1)
		}
		key = generated
	}

	hash, err := auth.HashAPIKey(key)
	if err != nil {
		fmt.Printf("Failed to hash key: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("API Key: %s\n", key)
	fmt.Printf("Hash:    %s\n", hash)
	fmt.Println("将 Hash 加入 TEMPMAIL_ADMIN_API_KEY_HASHES（逗号分隔），作为引导 Key 调用 /v1/admin/keys 创建数据库 Key")
}
