// Package middleware provides authentication, logging, metrics and rate limiting middleware for the application.
package middleware

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"chatgate/internal/models"
	"chatgate/internal/observability"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

// WalletLocal is the fiber locals key holding the authenticated wallet address.
const WalletLocal = "wallet"

const tokenIssuer = "chatgate"

var (
	// ErrTokenRequired is returned when no bearer token or token query parameter is present.
	ErrTokenRequired = errors.New("token required")
	// ErrInvalidToken covers bad signatures, expiry and malformed claims.
	ErrInvalidToken = errors.New("invalid or expired token")
)

// ExtractToken reads the JWT from the Authorization header, falling back to the
// token query parameter used by browser websocket clients.
func ExtractToken(c *fiber.Ctx) (string, error) {
	if authHeader := c.Get("Authorization"); authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return "", ErrInvalidToken
		}
		return parts[1], nil
	}
	if token := c.Query("token"); token != "" {
		return token, nil
	}
	return "", ErrTokenRequired
}

// ParseWalletToken validates an HS256 token and returns the canonical wallet
// address held in its subject claim.
func ParseWalletToken(secret, tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", ErrInvalidToken
	}
	addr, err := models.CanonicalAddress(sub)
	if err != nil {
		return "", ErrInvalidToken
	}
	return addr, nil
}

// IssueWalletToken signs a token binding a wallet address for ttl.
func IssueWalletToken(secret, address string, ttl time.Duration) (string, error) {
	addr, err := models.CanonicalAddress(address)
	if err != nil {
		return "", err
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   addr,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// WalletAuthRequired enforces a valid wallet token on protected routes.
func WalletAuthRequired(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenString, err := ExtractToken(c)
		if err != nil {
			return models.RespondWithError(c, fiber.StatusUnauthorized, models.NewAuthRequiredError())
		}
		addr, err := ParseWalletToken(secret, tokenString)
		if err != nil {
			return models.RespondWithError(c, fiber.StatusUnauthorized,
				models.NewUnauthorizedError("Invalid or expired token"))
		}
		bindWallet(c, addr)
		return c.Next()
	}
}

// OptionalWalletAuth binds the wallet when a token is supplied and rejects
// only tokens that are present but invalid. Anonymous clients pass through.
func OptionalWalletAuth(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenString, err := ExtractToken(c)
		if errors.Is(err, ErrTokenRequired) {
			return c.Next()
		}
		if err != nil {
			return models.RespondWithError(c, fiber.StatusUnauthorized,
				models.NewUnauthorizedError("Invalid authorization header format"))
		}
		addr, err := ParseWalletToken(secret, tokenString)
		if err != nil {
			return models.RespondWithError(c, fiber.StatusUnauthorized,
				models.NewUnauthorizedError("Invalid or expired token"))
		}
		bindWallet(c, addr)
		return c.Next()
	}
}

// AdminRequired rejects callers whose wallet is not in the admin set.
// Must be placed after WalletAuthRequired.
func AdminRequired(admins map[string]struct{}) fiber.Handler {
	return func(c *fiber.Ctx) error {
		addr, _ := c.Locals(WalletLocal).(string)
		if _, ok := admins[addr]; !ok || addr == "" {
			return models.RespondWithError(c, fiber.StatusForbidden,
				models.NewUnauthorizedError("not authorized"))
		}
		return c.Next()
	}
}

func bindWallet(c *fiber.Ctx, addr string) {
	c.Locals(WalletLocal, addr)
	c.SetUserContext(observability.WithSender(c.UserContext(), addr))
}
