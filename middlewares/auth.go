package middlewares

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v4"
)

const (
	authHeader   = "Authorization"
	bearerPrefix = "Bearer "
)

// Locals keys set by Authenticated.
const (
	LocalSubject = "subject"
	LocalOrg     = "org"
)

// Claims is the operator JWT payload (subject=operator, plus organization).
type Claims struct {
	Org string `json:"org"`
	jwt.RegisteredClaims
}

// Authenticated validates a Bearer token, enforces HS256, and populates
// c.Locals("subject","org"). An empty secret rejects every request.
func Authenticated(secret string) fiber.Handler {
	key := []byte(strings.TrimSpace(secret))
	return func(c *fiber.Ctx) error {
		if len(key) == 0 {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"message": "server auth not configured",
			})
		}

		h := c.Get(authHeader)
		if h == "" || !strings.HasPrefix(strings.ToLower(h), strings.ToLower(bearerPrefix)) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"message": "missing/invalid Authorization header"})
		}
		raw := strings.TrimSpace(h[len(bearerPrefix):])
		if raw == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"message": "invalid bearer token"})
		}

		claims, err := ParseJWT(key, raw)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"message": "invalid or expired token"})
		}
		if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.Org) == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"message": "token missing subject/org"})
		}

		c.Locals(LocalSubject, claims.Subject)
		c.Locals(LocalOrg, claims.Org)
		return c.Next()
	}
}

// ParseJWT verifies raw with key and returns its claims.
func ParseJWT(key []byte, raw string) (*Claims, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	var claims Claims
	token, err := parser.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return key, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return &claims, nil
}

// GenerateJWT signs a new HS256 operator token for subject in org.
func GenerateJWT(secret, subject, org string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("JWT secret not configured (set JWT_SECRET)")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := time.Now()
	claims := &Claims{
		Org: org,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(strings.TrimSpace(secret)))
}

// Subject returns the operator set by Authenticated.
func Subject(c *fiber.Ctx) string {
	s, _ := c.Locals(LocalSubject).(string)
	return s
}

// Org returns the organization set by Authenticated.
func Org(c *fiber.Ctx) string {
	s, _ := c.Locals(LocalOrg).(string)
	return s
}
