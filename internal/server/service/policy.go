package service

import (
	"mime"
	"strings"
)

// EncryptionPolicy decides per content type whether a blob is encrypted.
// Types matching one of its plaintext patterns are stored as-is; everything
// else goes through the cipher.
type EncryptionPolicy struct {
	exact    map[string]bool
	prefixes []string
}

// NewEncryptionPolicy builds a policy from plaintext patterns, either exact
// media types ("application/zip") or whole top-level types ("image/*").
func NewEncryptionPolicy(plaintextTypes []string) *EncryptionPolicy {
	p := &EncryptionPolicy{exact: make(map[string]bool)}
	for _, pattern := range plaintextTypes {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern == "" {
			continue
		}
		if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
			p.prefixes = append(p.prefixes, prefix+"/")
			continue
		}
		p.exact[pattern] = true
	}
	return p
}

// ShouldEncrypt reports whether content of the given type must be encrypted.
// Parameters such as charset are ignored.
func (p *EncryptionPolicy) ShouldEncrypt(mimeType string) bool {
	mediaType := normalizeMediaType(mimeType)
	if p.exact[mediaType] {
		return false
	}
	for _, prefix := range p.prefixes {
		if strings.HasPrefix(mediaType, prefix) {
			return false
		}
	}
	return true
}

func normalizeMediaType(mimeType string) string {
	if mediaType, _, err := mime.ParseMediaType(mimeType); err == nil {
		return mediaType
	}
	mediaType, _, _ := strings.Cut(mimeType, ";")
	return strings.ToLower(strings.TrimSpace(mediaType))
}
