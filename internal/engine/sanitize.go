package engine

import (
	"encoding/base64"
	"log"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/openlocus/locus/internal/config"
	"github.com/openlocus/locus/internal/domain/models"
)

var (
	routeTagRe = regexp.MustCompile(`(?s)<(planning|high|fast|direct|chat)>(.*?)</(planning|high|fast|direct|chat)>`)
	base64Re   = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)
)

// sanitizeInput bounds the input length and redacts configured dangerous
// patterns.
func sanitizeInput(input string, cfg config.AppConfig) string {
	if cfg.MaxInputLength > 0 && len(input) > cfg.MaxInputLength {
		input = input[:cfg.MaxInputLength]
	}
	for _, pattern := range cfg.DangerousPatterns {
		if pattern == "" {
			continue
		}
		input = strings.ReplaceAll(input, pattern, "[redacted]")
	}
	return input
}

// extractRouteTag pulls a routing marker out of the input. The tag overrides
// the requested mode; the delivered input has the markers stripped.
func extractRouteTag(input string) (cleaned, mode, agentMode string) {
	match := routeTagRe.FindStringSubmatch(input)
	if match == nil || match[1] != match[3] {
		return input, "", ""
	}
	cleaned = strings.TrimSpace(match[2])
	switch match[1] {
	case "planning", "high":
		return cleaned, "agent", "high"
	case "fast":
		return cleaned, "agent", "fast"
	case "direct":
		return cleaned, "direct", ""
	case "chat":
		return cleaned, "chat", ""
	}
	return input, "", ""
}

// prepareAttachments drops oversized attachments and transparently decodes
// base64-encoded content. Strings longer than 100 characters that match the
// base64 alphabet and decode to valid UTF-8 are replaced with the decoded
// text; anything else passes through unchanged.
func prepareAttachments(attachments []models.Attachment, maxSize int) []models.Attachment {
	limit := int(float64(maxSize) * 1.35)
	out := make([]models.Attachment, 0, len(attachments))
	for _, att := range attachments {
		if limit > 0 && len(att.Content) > limit {
			log.Printf("[Engine] Dropping oversized attachment %s (%d bytes)", att.Name, len(att.Content))
			continue
		}
		out = append(out, decodeAttachment(att))
	}
	return out
}

func decodeAttachment(att models.Attachment) models.Attachment {
	trimmed := strings.TrimSpace(att.Content)
	compact := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return -1
		}
		return r
	}, trimmed)
	if len(compact) <= 100 || !base64Re.MatchString(compact) {
		return att
	}
	decoded, err := base64.StdEncoding.DecodeString(compact)
	if err != nil || !utf8.Valid(decoded) {
		return att
	}
	att.Content = string(decoded)
	return att
}
