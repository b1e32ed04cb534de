package redact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"net/url"
	"path"
	"regexp"
	"strings"
)

var (
	emailRe      = regexp.MustCompile(`(?i)[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phoneRe      = regexp.MustCompile(`\+?\d[\d\s\-()]{7,}\d`)
	bearerRe     = regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9._\-+/=]+)`)
	apiKeyRe     = regexp.MustCompile(`(?i)(api[_-]?key(?:s)?\s*[:=]\s*)([A-Za-z0-9._\-+/=]+)`)
	headerKeyRe  = regexp.MustCompile(`(?i)(x-kindline-key\s*[:=]\s*)([A-Za-z0-9._\-+/=]+)`)
	tokenishRe   = regexp.MustCompile(`(?i)(key|token|dsn)\s*[:=]\s*([A-Za-z0-9._\-+/=]{6,})`)
	urlRe        = regexp.MustCompile(`https?://[^\s"'<>]+`)
	longTokenRe  = regexp.MustCompile(`[A-Za-z0-9_\-]{24,}`)
)

// String redacts known secret and personal-data patterns from free-form strings.
func String(s string) string {
	if s == "" {
		return s
	}

	out := s
	out = bearerRe.ReplaceAllString(out, "${1}[REDACTED]")
	out = apiKeyRe.ReplaceAllString(out, "${1}[REDACTED]")
	out = headerKeyRe.ReplaceAllString(out, "${1}[REDACTED]")
	out = tokenishRe.ReplaceAllString(out, "${1}=[REDACTED]")
	out = emailRe.ReplaceAllString(out, "[REDACTED_EMAIL]")
	out = phoneRe.ReplaceAllString(out, "[REDACTED_PHONE]")
	out = urlRe.ReplaceAllStringFunc(out, redactURL)
	for strings.Contains(out, "[REDACTED][REDACTED]") {
		out = strings.ReplaceAll(out, "[REDACTED][REDACTED]", "[REDACTED]")
	}
	return out
}

// Sprintf formats like fmt.Sprintf and redacts the result.
func Sprintf(format string, args ...interface{}) string {
	return String(fmt.Sprintf(format, args...))
}

// Logf prints a redacted log line.
func Logf(format string, args ...interface{}) {
	log.Print(Sprintf(format, args...))
}

// Fatalf prints a redacted fatal log line.
func Fatalf(format string, args ...interface{}) {
	log.Fatal(Sprintf(format, args...))
}

// EvidenceHash fingerprints raw evidence text for the audit trail without
// retaining it. Audit entries store this hash plus a masked excerpt; the
// original text never reaches the log.
func EvidenceHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Excerpt masks and truncates evidence text for audit previews.
func Excerpt(text string, max int) string {
	if max <= 0 {
		max = 80
	}
	masked := String(longTokenRe.ReplaceAllString(text, "[REDACTED_TOKEN]"))
	if len(masked) <= max {
		return masked
	}
	return masked[:max] + "…"
}

func redactURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "[REDACTED_URL]"
	}

	host := u.Host
	if strings.HasSuffix(trimmed, "/") {
		return fmt.Sprintf("%s://%s/[REDACTED_PATH]", u.Scheme, host)
	}

	base := path.Base(strings.TrimSuffix(u.Path, "/"))
	if base == "." || base == "/" || base == "" {
		return fmt.Sprintf("%s://%s/[REDACTED_PATH]", u.Scheme, host)
	}
	return fmt.Sprintf("%s://%s/%s", u.Scheme, host, base)
}
