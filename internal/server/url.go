package server

import (
	"net/http"
	"strings"

	"pagesaver/capture"
)

// urlDecode converts percent-encoded sequences like %2f into their byte
// values. Malformed escapes are kept as they are.
func urlDecode(s string) string {
	b := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]) {
			b = append(b, fromHex(s[i+1])<<4|fromHex(s[i+2]))
			i += 2
			continue
		}
		b = append(b, c)
	}
	return string(b)
}

func isHex(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'
}

func fromHex(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	}
	return 0
}

// decodeTarget undoes the extra encoding bookmarklets add to the target,
// up to two levels. Targets with a literal scheme separator are kept.
func decodeTarget(raw string) string {
	s := strings.TrimSpace(raw)
	for i := 0; i < 2; i++ {
		if strings.Contains(s, "://") || !strings.Contains(strings.ToLower(s), "%3a%2f%2f") {
			break
		}
		s = urlDecode(s)
	}
	return s
}

// targetFromRequest extracts and validates the capture target of r.
func targetFromRequest(r *http.Request) (string, error) {
	return capture.NormalizeURL(decodeTarget(r.URL.Query().Get("url")))
}
