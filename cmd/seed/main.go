// Package main provides a utility to seed development data.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/outpost-auth/outpost/internal/catalog"
	"github.com/outpost-auth/outpost/internal/domain"
	"github.com/outpost-auth/outpost/internal/guard"
	"github.com/outpost-auth/outpost/internal/store/file"
)

func main() {
	dataDir := flag.String("data-dir", "./data", "Data directory")
	flag.Parse()

	store, err := file.NewStore(*dataDir)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	catalogSvc := catalog.NewService(store, logger)
	if err := catalogSvc.EnsureStandardScopes(ctx); err != nil {
		log.Fatalf("Failed to seed standard scopes: %v", err)
	}
	fmt.Println("Seeded standard scopes: openid profile email offline_access")

	client, secret, err := catalogSvc.RegisterClient(ctx, &catalog.ClientSpec{
		Name:          "Test Application",
		Type:          domain.ClientTypeConfidential,
		RedirectURIs:  []string{"http://localhost:3000/callback", "http://localhost:8081/callback"},
		GrantTypes:    []string{domain.GrantAuthorizationCode, domain.GrantRefreshToken, domain.GrantClientCredentials},
		AllowedScopes: []string{"openid", "profile", "email", "offline_access"},
	})
	if err != nil {
		fmt.Printf("Confidential client not created: %v\n", err)
	} else {
		fmt.Printf("Created confidential client: %s (secret: %s)\n", client.ID, secret)
	}

	publicClient, _, err := catalogSvc.RegisterClient(ctx, &catalog.ClientSpec{
		Name:          "Test Public Application",
		Type:          domain.ClientTypePublic,
		RedirectURIs:  []string{"http://localhost:3000/callback", "http://localhost:8081/callback"},
		GrantTypes:    []string{domain.GrantAuthorizationCode, domain.GrantRefreshToken},
		AllowedScopes: []string{"openid", "profile", "email"},
	})
	if err != nil {
		fmt.Printf("Public client not created: %v\n", err)
	} else {
		fmt.Printf("Created public client: %s (PKCE required)\n", publicClient.ID)
	}

	g := guard.New(store.Users(), store.Security(), guard.Config{PasswordMinLen: 10}, logger)
	password := "password-123"
	user, err := g.CreateUser(ctx, "test@example.com", "testuser", password, "Test User")
	if err != nil {
		fmt.Printf("User not created: %v\n", err)
	} else {
		fmt.Printf("Created user: %s (password: %s)\n", user.Email, password)
	}

	fmt.Println("\nSeed data created.")
	fmt.Println("\nTest with:")
	fmt.Println("  1. Start server: go run ./cmd/outpost")
	fmt.Println("  2. Login: curl -X POST http://localhost:8080/login -d '{\"username\":\"testuser\",\"password\":\"" + password + "\"}'")
	fmt.Printf("%s\n", "  3. Authorize: http://localhost:8080/oauth/authorize?response_type=code&client_id=<id>&redirect_uri=http://localhost:3000/callback&scope=openid%20profile&state=test&code_challenge=<challenge>&code_challenge_method=S256")
}
