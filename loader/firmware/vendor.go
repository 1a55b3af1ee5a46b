package firmware

import (
	"bytes"

	"golang.org/x/text/encoding/unicode"
)

var ucs2 = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// DecodeString converts a NUL terminated UCS-2 firmware string to UTF-8.
// Anything after the first NUL character is ignored.
func DecodeString(b []byte) (string, error) {
	for i := 0; i+1 < len(b); i += 2 {
		if b[i] == 0 && b[i+1] == 0 {
			b = b[:i]
			break
		}
	}

	out, err := ucs2.NewDecoder().Bytes(b)
	if err != nil {
		return "", err
	}
	return string(bytes.TrimRight(out, "\x00")), nil
}

// EncodeString converts s to a NUL terminated UCS-2 firmware string.
func EncodeString(s string) ([]byte, error) {
	out, err := ucs2.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, err
	}
	return append(out, 0, 0), nil
}
