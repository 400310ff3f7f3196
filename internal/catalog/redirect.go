// Package catalog implements the client and scope management service.
package catalog

import (
	"net"
	"net/url"
	"strings"

	outerrors "github.com/outpost-auth/outpost/internal/errors"
)

// Schemes that are never acceptable as redirect targets: they execute
// in the user agent or read local files.
var blockedRedirectSchemes = map[string]bool{
	"javascript": true,
	"data":       true,
	"file":       true,
	"vbscript":   true,
}

// ValidateRedirectURI validates a redirect URI at registration or
// update time. Each URI must be absolute, use https (http only for
// localhost/loopback hosts) and carry no fragment.
func ValidateRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return invalidRedirect("not a valid URI")
	}
	if !u.IsAbs() || u.Host == "" {
		return invalidRedirect("must be an absolute URI")
	}
	if u.Fragment != "" {
		return invalidRedirect("must not contain a fragment")
	}

	scheme := strings.ToLower(u.Scheme)
	if blockedRedirectSchemes[scheme] {
		return invalidRedirect("scheme '" + scheme + "' is not allowed")
	}

	switch scheme {
	case "https":
		return nil
	case "http":
		if isLoopbackHost(u.Hostname()) {
			return nil
		}
		return invalidRedirect("http is only allowed for localhost")
	default:
		return invalidRedirect("scheme '" + scheme + "' is not allowed")
	}
}

// isLoopbackHost reports whether host is localhost or a loopback
// address literal.
func isLoopbackHost(host string) bool {
	h := strings.ToLower(host)
	if h == "localhost" || strings.HasSuffix(h, ".localhost") {
		return true
	}
	if ip := net.ParseIP(h); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

func invalidRedirect(detail string) error {
	return outerrors.New(outerrors.CodeInvalidRedirectURI, "redirect_uri: "+detail)
}
