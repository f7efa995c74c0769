// Package txhash turns on-chain transaction references into deposit dedup keys.
//
// Two client encodings are recognised. The Mini App appends
// "_<unix millis>_<nonce>" to a BOC (or any hash) to avoid client-side
// collisions; that suffix is stripped. Hex hashes are case-insensitive, so
// they are lower-cased and lose an optional 0x prefix.
package txhash

import (
	"errors"
	"regexp"
	"strings"
)

var ErrEmptyHash = errors.New("transaction hash is empty")

var (
	clientSuffix = regexp.MustCompile(`_\d{13}_[a-z0-9]+$`)
	hexHash      = regexp.MustCompile(`^(0x|0X)?[0-9a-fA-F]{64}$`)
)

func Normalize(raw string) (string, error) {
	key := strings.TrimSpace(raw)
	for clientSuffix.MatchString(key) {
		key = clientSuffix.ReplaceAllString(key, "")
	}
	if hexHash.MatchString(key) {
		key = strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(key, "0x"), "0X"))
	}
	if key == "" {
		return "", ErrEmptyHash
	}
	return key, nil
}

// HasClientSuffix reports whether raw carries the client timestamp+nonce suffix.
func HasClientSuffix(raw string) bool {
	return clientSuffix.MatchString(strings.TrimSpace(raw))
}
