package common

import (
	"encoding/base64"
	"fmt"

	apperrors "github.com/acme/outbound-followup-engine/pkg/errors"
)

// EncodePageToken encodes a store paging state to a URL-safe token. An empty
// state yields an empty token.
func EncodePageToken(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodePageToken reverses EncodePageToken.
func DecodePageToken(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid page token: %v", apperrors.ErrValidation, err)
	}
	return data, nil
}
