package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	jwtpkg "unibox/backend/internal/auth/jwt"
	"unibox/backend/internal/config"
)

// issue-token 为指定用户签发访问令牌，用于本地调试
func main() {
	userID := flag.String("user", "", "用户 ID")
	role := flag.String("role", jwtpkg.RoleMember, "角色: member 或 admin")
	ttl := flag.Duration("ttl", 0, "有效期，默认使用 UNIBOX_JWT_ACCESS_EXPIRY")
	flag.Parse()

	if *userID == "" {
		fmt.Println("Usage: issue-token -user=<id> [-role=member|admin] [-ttl=1h]")
		os.Exit(1)
	}
	if *role != jwtpkg.RoleMember && *role != jwtpkg.RoleAdmin {
		fmt.Printf("Unsupported role %q\n", *role)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	manager := jwtpkg.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.AccessExpiry)
	token, err := manager.GenerateToken(*userID, *role, *ttl)
	if err != nil {
		fmt.Printf("Failed to sign token: %v\n", err)
		os.Exit(1)
	}

	expiry := *ttl
	if expiry <= 0 {
		expiry = cfg.JWT.AccessExpiry
	}
	fmt.Fprintf(os.Stderr, "user=%s role=%s expires=%s\n", *userID, *role, time.Now().Add(expiry).UTC().Format(time.RFC3339))
	fmt.Println(token)
}
