package webhook

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type Encoding string

const (
	EncodingHex    Encoding = "hex"
	EncodingBase64 Encoding = "base64"
)

// Scheme describes how a vendor signs deliveries. The signed message is
// timestamp + Separator + body, with the timestamp exactly as sent.
type Scheme struct {
	SignatureHeader string
	TimestampHeader string
	Encoding        Encoding
	Separator       string
	// Version selects one entry of a "v1=<sig>,v2=<sig>" header. A bare
	// signature is accepted as well.
	Version string
}

// DefaultScheme is used for vendors that do not declare their own.
var DefaultScheme = Scheme{
	SignatureHeader: "X-Signature",
	TimestampHeader: "X-Signature-Timestamp",
	Encoding:        EncodingHex,
	Separator:       ".",
	Version:         "v1",
}

func (s Scheme) withDefaults() Scheme {
	if s.SignatureHeader == "" {
		s.SignatureHeader = DefaultScheme.SignatureHeader
	}
	if s.TimestampHeader == "" {
		s.TimestampHeader = DefaultScheme.TimestampHeader
	}
	if s.Encoding == "" {
		s.Encoding = EncodingHex
	}
	return s
}

func (s Scheme) encode(sig []byte) string {
	if s.Encoding == EncodingBase64 {
		return base64.StdEncoding.EncodeToString(sig)
	}
	return hex.EncodeToString(sig)
}

func (s Scheme) decode(sig string) ([]byte, error) {
	if s.Encoding == EncodingBase64 {
		if b, err := base64.StdEncoding.DecodeString(sig); err == nil {
			return b, nil
		}
		return base64.URLEncoding.DecodeString(sig)
	}
	return hex.DecodeString(strings.ToLower(sig))
}

var versionKey = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]{0,15}$`)

// candidates splits a signature header into the signatures to try.
func (s Scheme) candidates(header string) []string {
	var versioned, bare []string
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if i := strings.IndexByte(part, '='); i > 0 && i < len(part)-1 && part[i+1] != '=' && versionKey.MatchString(part[:i]) {
			if s.Version == "" || part[:i] == s.Version {
				versioned = append(versioned, part[i+1:])
			}
			continue
		}
		bare = append(bare, part)
	}
	if len(versioned) > 0 {
		return versioned
	}
	return bare
}

var errBadTimestamp = errors.New("invalid timestamp")

// parseTimestamp accepts Unix seconds, Unix milliseconds and RFC 3339.
func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n), nil
		}
		return time.Unix(n, 0), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("%w %q", errBadTimestamp, raw)
}
