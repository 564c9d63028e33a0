package license

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// Key format constants
const (
	KeyPrefix    = "ECL-"
	KeyAlphabet  = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	KeyDelimiter = "-"
	FirstGroup   = 3
	SecondGroup  = 4

	// headerLength covers "ECL-XXX-XXXX-", everything after it is the class.
	headerLength = len(KeyPrefix) + FirstGroup + 1 + SecondGroup + 1
)

// randRead is swapped in tests.
var randRead = rand.Read

// Generate returns a new key for the given entitlement class.
//
// The random groups are drawn from crypto/rand. len(KeyAlphabet) is 32, which
// divides 256, so b%32 maps every byte onto the alphabet uniformly.
func Generate(entitlementClass string) (string, error) {
	class := strings.TrimSpace(entitlementClass)
	if class == "" {
		return "", fmt.Errorf("entitlement class: %w", ErrMissingParameter)
	}

	buf := make([]byte, FirstGroup+SecondGroup)
	if _, err := randRead(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	for i, b := range buf {
		buf[i] = KeyAlphabet[int(b)%len(KeyAlphabet)]
	}

	var sb strings.Builder
	sb.Grow(headerLength + len(class))
	sb.WriteString(KeyPrefix)
	sb.Write(buf[:FirstGroup])
	sb.WriteString(KeyDelimiter)
	sb.Write(buf[FirstGroup:])
	sb.WriteString(KeyDelimiter)
	sb.WriteString(class)
	return sb.String(), nil
}

// ValidateFormat checks that key has the ECL-XXX-XXXX-<class> shape.
func ValidateFormat(key string) error {
	if len(key) <= headerLength {
		return fmt.Errorf("key too short: %w", ErrInvalidKey)
	}
	if !strings.HasPrefix(key, KeyPrefix) {
		return fmt.Errorf("key must start with %q: %w", KeyPrefix, ErrInvalidKey)
	}

	first := key[len(KeyPrefix) : len(KeyPrefix)+FirstGroup]
	sep1 := key[len(KeyPrefix)+FirstGroup]
	second := key[len(KeyPrefix)+FirstGroup+1 : headerLength-1]
	sep2 := key[headerLength-1]

	if sep1 != KeyDelimiter[0] || sep2 != KeyDelimiter[0] {
		return fmt.Errorf("key groups must be separated by %q: %w", KeyDelimiter, ErrInvalidKey)
	}
	if !inAlphabet(first) || !inAlphabet(second) {
		return fmt.Errorf("key contains characters outside the key alphabet: %w", ErrInvalidKey)
	}
	return nil
}

// EntitlementOf returns the entitlement class embedded in key.
func EntitlementOf(key string) (string, error) {
	if err := ValidateFormat(key); err != nil {
		return "", err
	}
	return key[headerLength:], nil
}

// NormalizeKey trims surrounding whitespace and upper-cases the random groups.
// The class suffix is left as issued.
func NormalizeKey(key string) string {
	key = strings.TrimSpace(key)
	if len(key) <= headerLength {
		return key
	}
	return strings.ToUpper(key[:headerLength]) + key[headerLength:]
}

// MaskKey hides the random groups of a key for logging.
func MaskKey(key string) string {
	if len(key) <= headerLength {
		return "****"
	}
	return KeyPrefix + "***-****-" + key[headerLength:]
}

func inAlphabet(s string) bool {
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(KeyAlphabet, s[i]) < 0 {
			return false
		}
	}
	return true
}
