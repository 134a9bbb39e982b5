package validation

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
)

// LocalsKey is where the middleware leaves the cleaned query request.
const LocalsKey = "query_request"

type QueryRequest struct {
	Text      string            `json:"text"`
	SessionID string            `json:"session_id"`
	Context   map[string]string `json:"context"`
}

type Config struct {
	// MaxQueryLength is in runes; longer text is clipped, not rejected.
	MaxQueryLength      int
	MaxSessionIDLength  int
	AllowedContentTypes []string
}

// Middleware validates POST bodies. For query requests it only rejects
// malformed JSON: the text is clipped and stripped of NUL bytes, and an
// empty text is passed on as an ambiguous query.
func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxQueryLength <= 0 {
		cfg.MaxQueryLength = 5000
	}
	if cfg.MaxSessionIDLength <= 0 {
		cfg.MaxSessionIDLength = 128
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{fiber.MIMEApplicationJSON}
	}

	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost {
			return c.Next()
		}

		contentType := c.Get(fiber.HeaderContentType)
		if contentType != "" && !allowedType(contentType, cfg.AllowedContentTypes) {
			return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
				"error": "Unsupported content type",
				"code":  "unsupported_media_type",
			})
		}

		if strings.HasSuffix(c.Path(), "/query") {
			var req QueryRequest
			if err := json.Unmarshal(c.Body(), &req); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Invalid JSON format",
					"code":  "invalid_request",
				})
			}

			req.Text = Sanitize(req.Text, cfg.MaxQueryLength)
			req.SessionID = Sanitize(req.SessionID, cfg.MaxSessionIDLength)
			c.Locals(LocalsKey, req)
		}

		return c.Next()
	}
}

func allowedType(contentType string, allowed []string) bool {
	for _, t := range allowed {
		if strings.HasPrefix(strings.ToLower(contentType), t) {
			return true
		}
	}
	return false
}

// Sanitize removes NUL bytes and invalid UTF-8, trims whitespace and clips
// to max runes.
func Sanitize(input string, max int) string {
	input = strings.ReplaceAll(input, "\x00", "")
	input = strings.ToValidUTF8(input, "")
	input = strings.TrimSpace(input)
	if max > 0 && utf8.RuneCountInString(input) > max {
		input = string([]rune(input)[:max])
	}
	return input
}
