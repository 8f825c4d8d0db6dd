package transport

import (
	"fmt"
	"regexp"
	"strconv"

	"varys"
)

var varysURLRegexp = regexp.MustCompile(`^varys://([^:/]+):(\d+)$`)

// ParseURL resolves a varys://host:port peer URL to its parts.
func ParseURL(raw string) (host string, port uint16, err error) {
	m := varysURLRegexp.FindStringSubmatch(raw)
	if m == nil {
		return "", 0, varys.Error{Code: varys.ConfigError, Err: fmt.Sprintf("invalid varys URL %q", raw)}
	}
	p, err := strconv.ParseUint(m[2], 10, 16)
	if err != nil {
		return "", 0, varys.Error{Code: varys.ConfigError, Err: fmt.Sprintf("invalid port in varys URL %q", raw)}
	}
	return m[1], uint16(p), nil
}

// URL builds the canonical peer URL for host:port.
func URL(host string, port uint16) string {
	return fmt.Sprintf("varys://%s:%d", host, port)
}

// Addr builds the transport address for host:port.
func Addr(host string, port uint16) varys.ServerAddress {
	return varys.ServerAddress(fmt.Sprintf("%s:%d", host, port))
}
