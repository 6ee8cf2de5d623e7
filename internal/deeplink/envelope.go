// Package deeplink parses wallet-return URIs and suppresses duplicate OS deliveries.
package deeplink

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrNotWalletReturn marks a URI that does not carry the host/id/method path.
var ErrNotWalletReturn = errors.New("not a wallet return uri")

const (
	ParamPhantomPublicKey = "phantom_encryption_public_key"
	ParamData             = "data"
	ParamNonce            = "nonce"
	ParamErrorCode        = "errorCode"
	ParamErrorMessage     = "errorMessage"
)

// Envelope is a parsed wallet return.
type Envelope struct {
	Raw    string
	Host   string
	ID     string
	Method string
	Query  url.Values
}

// Parse splits raw into its three path segments. For custom schemes the
// authority is the first segment, so miniappx://host/abc/onPhantomConnected
// and https://t.example/dapp_data/abc/onPhantomConnected parse alike.
func Parse(raw string) (Envelope, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrNotWalletReturn, err)
	}

	segments := pathSegments(u.EscapedPath())
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" && u.Host != "" {
		segments = append([]string{u.Host}, segments...)
	}
	if len(segments) != 3 {
		return Envelope{}, fmt.Errorf("%w: %d path segments", ErrNotWalletReturn, len(segments))
	}

	env := Envelope{Raw: raw, Query: u.Query()}
	for i, seg := range segments {
		dec, err := url.PathUnescape(seg)
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: segment %d: %v", ErrNotWalletReturn, i, err)
		}
		segments[i] = dec
	}
	env.Host, env.ID, env.Method = segments[0], segments[1], segments[2]
	if env.ID == "" {
		return Envelope{}, fmt.Errorf("%w: empty id", ErrNotWalletReturn)
	}
	return env, nil
}

func pathSegments(p string) []string {
	var out []string
	for _, seg := range strings.Split(p, "/") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

// Param returns the first value of key, or "".
func (e Envelope) Param(key string) string {
	return e.Query.Get(key)
}

// IsError reports whether the wallet returned errorCode.
func (e Envelope) IsError() bool {
	_, ok := e.Query[ParamErrorCode]
	return ok
}

// Missing lists the required keys that are absent or empty.
func (e Envelope) Missing(keys ...string) []string {
	var missing []string
	for _, k := range keys {
		if e.Query.Get(k) == "" {
			missing = append(missing, k)
		}
	}
	return missing
}
