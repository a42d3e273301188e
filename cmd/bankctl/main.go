package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"

	"swapbank/cmd/internal/passphrase"
)

const (
	tokenCommand      = "token"
	verifyCommand     = "verify"
	adminTokenCommand = "admin-token"
	defaultSecretEnv  = "BANKD_JWT_SECRET"
	defaultTTL        = time.Hour
	minSecretLength   = 32
)

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case tokenCommand:
		err = runToken(os.Args[2:], os.Stdout)
	case verifyCommand:
		err = runVerify(os.Args[2:], os.Stdout)
	case adminTokenCommand:
		err = runAdminToken(os.Stdout)
	case "-h", "--help", "help":
		usage(os.Stdout)
		return
	default:
		usage(os.Stderr)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: bankctl <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintf(w, "  %-12s mint a principal bearer token for bankd\n", tokenCommand)
	fmt.Fprintf(w, "  %-12s check a principal token and print its claims\n", verifyCommand)
	fmt.Fprintf(w, "  %-12s generate a random admin bearer token\n", adminTokenCommand)
}

// claimsRequest describes a principal token to mint.
type claimsRequest struct {
	Subject  string
	Issuer   string
	Audience string
	TTL      time.Duration
	Now      time.Time
}

func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(tokenCommand, flag.ContinueOnError)
	subject := fs.String("sub", "", "Principal address (hex)")
	issuer := fs.String("issuer", "", "Token issuer; must match bankd auth.issuer when set")
	audience := fs.String("audience", "", "Token audience; must match bankd auth.audience when set")
	ttl := fs.Duration("ttl", defaultTTL, "Token lifetime")
	secretEnv := fs.String("secret-env", defaultSecretEnv, "Environment variable holding the HMAC secret")
	if err := fs.Parse(args); err != nil {
		return err
	}
	secret, err := passphrase.NewSource(*secretEnv, "bankd JWT secret").Get()
	if err != nil {
		return err
	}
	token, err := mintToken(secret, claimsRequest{
		Subject:  *subject,
		Issuer:   *issuer,
		Audience: *audience,
		TTL:      *ttl,
		Now:      time.Now(),
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

func runVerify(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(verifyCommand, flag.ContinueOnError)
	token := fs.String("token", "", "Token to verify")
	secretEnv := fs.String("secret-env", defaultSecretEnv, "Environment variable holding the HMAC secret")
	if err := fs.Parse(args); err != nil {
		return err
	}
	secret, err := passphrase.NewSource(*secretEnv, "bankd JWT secret").Get()
	if err != nil {
		return err
	}
	claims, err := verifyToken(secret, *token, time.Now())
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(claims)
}

func runAdminToken(out io.Writer) error {
	token, err := newAdminToken()
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

func mintToken(secret string, req claimsRequest) (string, error) {
	if len(secret) < minSecretLength {
		return "", fmt.Errorf("secret must be at least %d bytes", minSecretLength)
	}
	subject := strings.TrimSpace(req.Subject)
	if !common.IsHexAddress(subject) {
		return "", fmt.Errorf("sub %q is not a hex address", req.Subject)
	}
	principal := common.HexToAddress(subject)
	if principal == (common.Address{}) {
		return "", errors.New("sub must not be the zero address")
	}
	if req.TTL <= 0 {
		return "", errors.New("ttl must be positive")
	}
	claims := jwt.RegisteredClaims{
		Subject:   principal.Hex(),
		IssuedAt:  jwt.NewNumericDate(req.Now),
		ExpiresAt: jwt.NewNumericDate(req.Now.Add(req.TTL)),
		Issuer:    strings.TrimSpace(req.Issuer),
	}
	if aud := strings.TrimSpace(req.Audience); aud != "" {
		claims.Audience = jwt.ClaimStrings{aud}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func verifyToken(secret, token string, now time.Time) (*jwt.RegisteredClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("token required")
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func newAdminToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate admin token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
