package utils

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// LiteralKeys lists the parameters whose values keep '+' and malformed
// percent sequences as is. Their values embed timestamps with time zone
// offsets and axis expressions that clients rarely escape properly.
var LiteralKeys = map[string]bool{
	"subset":      true,
	"rangesubset": true,
	"time":        true,
}

func ishex(c byte) bool {
	switch {
	case '0' <= c && c <= '9':
		return true
	case 'a' <= c && c <= 'f':
		return true
	case 'A' <= c && c <= 'F':
		return true
	}
	return false
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10
	}
	return 0
}

// unescapeLiteral decodes the valid percent sequences of s and copies
// everything else through.
func unescapeLiteral(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		if s[i] == '%' && i+2 < len(s) && ishex(s[i+1]) && ishex(s[i+2]) {
			b.WriteByte(unhex(s[i+1])<<4 | unhex(s[i+2]))
			i += 3
			continue
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String()
}

// ParseQuery parses a query string or form body into lower cased keys.
// Unlike url.ParseQuery, an ampersand escaped with a backslash does not
// separate parameters, so filter expressions can carry it. Malformed pairs
// are skipped and the first error is returned along with the rest.
func ParseQuery(query string) (url.Values, error) {
	m := make(url.Values)
	var err error
	for query != "" {
		key := query
		sep := -1
		for i := 0; i < len(key); i++ {
			if key[i] == '&' && (i == 0 || key[i-1] != '\\') {
				sep = i
				break
			}
		}
		if sep >= 0 {
			key, query = key[:sep], key[sep+1:]
		} else {
			query = ""
		}
		if key == "" {
			continue
		}

		value := ""
		if i := strings.Index(key, "="); i >= 0 {
			key, value = key[:i], key[i+1:]
			value = strings.Replace(value, `\&`, "&", -1)
		}
		k, e := url.QueryUnescape(key)
		if e != nil {
			if err == nil {
				err = e
			}
			continue
		}
		k = strings.ToLower(k)

		if LiteralKeys[k] {
			value = unescapeLiteral(value)
		} else if value, e = url.QueryUnescape(value); e != nil {
			if err == nil {
				err = e
			}
			continue
		}
		m[k] = append(m[k], value)
	}
	return m, err
}

// ParseRemoteAddr splits a host:port address. Addresses without a port
// are returned whole as host.
func ParseRemoteAddr(addr string) (host, port string) {
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, ""
	}
	return h, p
}

// RemoteHost returns the client address of r, the first X-Forwarded-For
// entry when the call came through a proxy.
func RemoteHost(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.Index(fwd, ","); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _ := ParseRemoteAddr(r.RemoteAddr)
	return host
}
