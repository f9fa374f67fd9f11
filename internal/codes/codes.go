// Package codes generates and parses the textual payment codes embedded in
// QR images and payment links.
package codes

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/punchamoorthee/walletcore/internal/domain"
)

const (
	qrPrefix   = "PAY:v1;code="
	linkPrefix = "LINK:v1;code="
	cpmPrefix  = "CPM:v1;owner="

	opaqueBytes = 24
)

// New returns a fresh code string of the given kind.
func New(kind domain.CodeKind) (string, error) {
	buf := make([]byte, opaqueBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	opaque := base64.RawURLEncoding.EncodeToString(buf)
	switch kind {
	case domain.CodeQR:
		return qrPrefix + opaque, nil
	case domain.CodeLink:
		return linkPrefix + opaque, nil
	}
	return "", fmt.Errorf("unknown code kind %q", kind)
}

// Kind reports which kind of stored code s is. Unknown formats are rejected
// with code_invalid.
func Kind(s string) (domain.CodeKind, error) {
	switch {
	case strings.HasPrefix(s, qrPrefix) && len(s) > len(qrPrefix):
		return domain.CodeQR, nil
	case strings.HasPrefix(s, linkPrefix) && len(s) > len(linkPrefix):
		return domain.CodeLink, nil
	}
	return "", domain.ErrCodeInvalid
}

// CPM builds the customer-presented code for owner.
func CPM(ownerID string) string {
	return cpmPrefix + ownerID
}

// ParseCPM extracts the owner from a customer-presented code.
func ParseCPM(s string) (string, error) {
	owner, ok := strings.CutPrefix(strings.TrimSpace(s), cpmPrefix)
	if !ok || owner == "" || strings.ContainsAny(owner, "; ") {
		return "", domain.ErrCodeInvalid
	}
	return owner, nil
}
