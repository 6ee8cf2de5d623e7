// Package scheme rewrites wallet links a mini-app navigates to so they come
// back to the host instead of the wallet's own redirect.
package scheme

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	TonScheme        = "ton"
	TonkeeperScheme  = "tonkeeper"
	TonConnectScheme = "tc"

	TonkeeperHost = "app.tonkeeper.com"
	tonBridgeHost = "bridge.tonapi.io"

	tonConnectAction = "tonconnect-"
	returnMarker     = "-ret__back"
)

var (
	// RFC 3986 appendix B.
	uriPattern = regexp.MustCompile(`^(([^:/?#]+):)?(//([^/?#]*))?([^?#]*)(\?([^#]*))?(#(.*))?`)

	redirectParam = regexp.MustCompile(`redirect_link=[^&]*`)
	refParam      = regexp.MustCompile(`ref=[^&]*`)

	phantomHosts = map[string]bool{"phantom.app": true, "phantom.com": true}
)

// tgReplacements are applied in order; later pairs see the output of earlier ones.
var tgReplacements = [][2]string{
	{"%5C", ""},
	{"-", "--2D"},
	{"_", "--5F"},
	{"%3D", "__"},
	{".", "--2E"},
	{"%26", "-"},
	{"%7B", "--7B"},
	{"%22", "--22"},
	{"%3A", "--3A"},
	{"%2F", "--2F"},
	{"%5B", "--5B"},
	{"%5D", "--5D"},
	{"%7D", "--7D"},
	{"%2C", "--2C"},
	{"%5F", "--5F"},
}

// hostAuthority returns the lowercased authority of raw.
func hostAuthority(raw string) string {
	m := uriPattern.FindStringSubmatch(raw)
	if m == nil {
		return ""
	}
	return strings.ToLower(m[4])
}

// IsInternalURI reports whether the authority of raw appears within any of hosts.
func IsInternalURI(raw string, hosts []string) bool {
	host := hostAuthority(raw)
	for _, h := range hosts {
		if strings.Contains(strings.ToLower(h), host) {
			return true
		}
	}
	return false
}

// IsTonConnectURI reports whether u is a TON Connect request.
func IsTonConnectURI(u *url.URL) bool {
	if u == nil {
		return false
	}
	if strings.EqualFold(u.Scheme, TonConnectScheme) {
		return true
	}
	return TonkeeperFirstPath(u) == "ton-connect"
}

// TonkeeperFirstPath returns the first path segment, counting the host of a
// tonkeeper: URI as a segment.
func TonkeeperFirstPath(u *url.URL) string {
	var segments []string
	if strings.EqualFold(u.Scheme, TonkeeperScheme) && u.Host != "" {
		segments = append(segments, u.Host)
	}
	for _, s := range strings.Split(u.Path, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	if len(segments) == 0 {
		return ""
	}
	return segments[0]
}

// EncodeToPhantomAction points the redirect of a Phantom link at redirectBase.
// The ref parameter is rewritten when there is no redirect_link.
func EncodeToPhantomAction(raw, redirectBase string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || !phantomHosts[strings.ToLower(u.Hostname())] {
		return "", false
	}
	enc := url.QueryEscape(redirectBase)
	switch {
	case strings.Contains(raw, "redirect_link="):
		return redirectParam.ReplaceAllLiteralString(raw, "redirect_link="+enc), true
	case strings.Contains(raw, "ref="):
		return refParam.ReplaceAllLiteralString(raw, "ref="+enc), true
	default:
		return raw, true
	}
}

// EncodeToTonAction turns a TON Connect link into a startapp parameter.
func EncodeToTonAction(raw string, now time.Time) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || !IsTonConnectURI(u) {
		return "", false
	}
	query, err := url.PathUnescape(u.RawQuery)
	if err != nil {
		query = u.RawQuery
	}
	encoded := url.QueryEscape(strings.ReplaceAll(query, `\`, ""))
	action := strings.ReplaceAll(tonConnectAction+EncodeTgParams(encoded), returnMarker, "")
	return action + returnMarker + "-ct__" + strconv.FormatInt(now.UnixMilli(), 10), true
}

// EncodeToTonBridgeAction maps a sendTransaction on the TON bridge to a
// return into the host app.
func EncodeToTonBridgeAction(raw, returnURL string, now time.Time) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || !strings.EqualFold(u.Hostname(), tonBridgeHost) {
		return "", false
	}
	if u.Query().Get("topic") != "sendTransaction" {
		return "", false
	}
	return returnURL + "?startapp=tonconnect" + returnMarker + "-ct__" + strconv.FormatInt(now.UnixMilli(), 10), true
}

// EncodeTgParams escapes a query-encoded string into the alphabet Telegram
// accepts in a startapp parameter.
func EncodeTgParams(s string) string {
	for _, r := range tgReplacements {
		s = strings.ReplaceAll(s, r[0], r[1])
	}
	return s
}
