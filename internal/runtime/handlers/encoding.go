package handlers

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf16"
)

var encodingAliases = map[string]string{
	"":         "utf8",
	"utf8":     "utf8",
	"utf-8":    "utf8",
	"raw":      "utf8",
	"ascii":    "ascii",
	"latin1":   "latin1",
	"binary":   "latin1",
	"base64":   "base64",
	"hex":      "hex",
	"ucs2":     "utf16le",
	"ucs-2":    "utf16le",
	"utf16le":  "utf16le",
	"utf-16le": "utf16le",
}

// NormalizeEncoding maps an encoding name onto its canonical form. The second
// result is false for unknown encodings.
func NormalizeEncoding(name string) (string, bool) {
	canonical, ok := encodingAliases[strings.ToLower(strings.TrimSpace(name))]
	return canonical, ok
}

// DecodePayload turns raw delivery bytes into the message string for the given
// encoding. base64 and hex render the bytes in that form.
func DecodePayload(payload []byte, encoding string) (string, error) {
	canonical, ok := NormalizeEncoding(encoding)
	if !ok {
		return "", fmt.Errorf("unknown encoding %q", encoding)
	}
	switch canonical {
	case "ascii":
		out := make([]byte, len(payload))
		for i, b := range payload {
			out[i] = b & 0x7f
		}
		return string(out), nil
	case "latin1":
		runes := make([]rune, len(payload))
		for i, b := range payload {
			runes[i] = rune(b)
		}
		return string(runes), nil
	case "base64":
		return base64.StdEncoding.EncodeToString(payload), nil
	case "hex":
		return hex.EncodeToString(payload), nil
	case "utf16le":
		units := make([]uint16, len(payload)/2)
		for i := range units {
			units[i] = uint16(payload[2*i]) | uint16(payload[2*i+1])<<8
		}
		return string(utf16.Decode(units)), nil
	default:
		return string(payload), nil
	}
}
