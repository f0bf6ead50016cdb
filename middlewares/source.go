package middlewares

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/gofiber/fiber/v2"

	"marketplace-gateway/utils"
)

// AllowSources admits only requests whose client IP falls in one of cidrs.
// An empty list admits everything.
func AllowSources(cidrs []string) (fiber.Handler, error) {
	var prefixes []netip.Prefix
	for _, raw := range cidrs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("webhook source %q: %w", raw, err)
			}
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("webhook source %q: %w", raw, err)
		}
		prefixes = append(prefixes, p.Masked())
	}

	return func(c *fiber.Ctx) error {
		if len(prefixes) == 0 {
			return c.Next()
		}
		addr, err := netip.ParseAddr(c.IP())
		if err == nil {
			addr = addr.Unmap()
			for _, p := range prefixes {
				if p.Contains(addr) {
					return c.Next()
				}
			}
		}
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"message": "source not allowed"})
	}, nil
}

// RequireSignature checks the HMAC-SHA256 of the raw body against the
// X-Signature header. An empty secret rejects every request.
func RequireSignature(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !utils.VerifySignature(secret, c.Body(), c.Get(utils.SignatureHeader)) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"message": "invalid signature"})
		}
		return c.Next()
	}
}
