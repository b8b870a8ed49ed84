// Package main is a development utility that mints a member bearer token signed with the
// configured JWT secret. It lets developers call the member-only contract routes against a
// local server without running the membership platform. Tokens are printed to stdout.
//
// Usage:
//
//	CONFIG_PATH=config.yaml issue-token -user u-1 -email staff@example.com \
//	    -scopes contracts:manage,contracts:countersign -ttl 1h
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/membershiphub/esign/internal/auth"
	"github.com/membershiphub/esign/internal/config"
)

func main() {
	userID := flag.String("user", "", "user id to embed in the token (required)")
	email := flag.String("email", "", "email to embed in the token")
	scopes := flag.String("scopes", string(auth.ScopeContractsRead), "comma-separated scopes")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	token, err := issue(*userID, *email, *scopes, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "issue-token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}

func issue(userID, email, scopeList string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("-user is required")
	}

	var scopes []string
	for _, s := range strings.Split(scopeList, ",") {
		if s = strings.TrimSpace(s); s != "" {
			scopes = append(scopes, s)
		}
	}
	if err := auth.ValidateScopes(scopes); err != nil {
		return "", err
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("failed to load .env: %w", err)
	}
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return "", fmt.Errorf("failed to load config: %w", err)
	}
	// A generated development secret would produce a token no server accepts.
	if cfg.Auth.JWTSecret == "" && os.Getenv(auth.JWTSecretEnv) == "" {
		return "", fmt.Errorf("auth.jwt_secret or %s must be set", auth.JWTSecretEnv)
	}
	if err := auth.InitJWTSecret(cfg.Auth.JWTSecret); err != nil {
		return "", err
	}

	return auth.GenerateJWT(userID, email, scopes, ttl)
}
