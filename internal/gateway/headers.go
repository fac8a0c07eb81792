package gateway

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"botgate.io/internal/quota"
)

// Response headers describing usage.
const (
	HeaderTokensRequest     = "X-Tokens-Used-Request"
	HeaderTokensResponse    = "X-Tokens-Used-Response"
	HeaderTokensTotal       = "X-Tokens-Used-Total"
	HeaderTotalTokens       = "X-Total-Tokens"
	HeaderRemainingTokens   = "X-Remaining-Tokens"
	HeaderTokenLimit        = "X-Token-Limit"
	HeaderBalanceBefore     = "X-Token-Balance-Before"
	HeaderBalanceAfter      = "X-Token-Balance-After"
	HeaderRegistrationError = "X-Token-Registration-Error"
	HeaderErrorDetails      = "X-Token-Error-Details"
)

// Identity headers injected on the way to the origin.
const (
	HeaderBotUserID   = "X-Bot-User-Id"
	HeaderBotTenantID = "X-Bot-Tenant-Id"
	HeaderBotID       = "X-Bot-Id"
	HeaderBotToken    = "X-Bot-Token"
)

var hopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// credentials never leave the gateway.
var credentials = []string{"Authorization", "Cookie", HeaderBotToken, HeaderBotUserID, HeaderBotTenantID, HeaderBotID}

// TokenFromRequest reads the token from the Authorization bearer, the token query
// parameter or the X-Bot-Token header, in that order.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "bearer "
		if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
			return strings.TrimSpace(h[len(prefix):])
		}
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	return strings.TrimSpace(r.Header.Get(HeaderBotToken))
}

func outboundHeaders(in http.Header) http.Header {
	out := in.Clone()
	for _, c := range out.Values("Connection") {
		for _, f := range strings.Split(c, ",") {
			out.Del(strings.TrimSpace(f))
		}
	}
	for _, h := range hopByHop {
		out.Del(h)
	}
	for _, h := range credentials {
		out.Del(h)
	}
	return out
}

func copyResponseHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append([]string(nil), vv...)
	}
	for _, h := range hopByHop {
		dst.Del(h)
	}
	dst.Del("Content-Length")
}

// targetURL joins the origin with the sub-path and the query without the token parameter.
func targetURL(origin, subPath string, query url.Values) (string, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", err
	}
	if subPath != "" {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(subPath, "/")
	}
	q := u.Query()
	for k, vv := range query {
		if k == "token" {
			continue
		}
		for _, v := range vv {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func setUsageHeaders(h http.Header, u Usage) {
	h.Set(HeaderTokensRequest, strconv.FormatInt(u.Request, 10))
	h.Set(HeaderTokensResponse, strconv.FormatInt(u.Response, 10))
	h.Set(HeaderTokensTotal, strconv.FormatInt(u.Total(), 10))
}

func setBalanceHeaders(h http.Header, before, after quota.Balance) {
	h.Set(HeaderTotalTokens, strconv.FormatInt(after.Used, 10))
	h.Set(HeaderRemainingTokens, strconv.FormatInt(after.Remaining(), 10))
	h.Set(HeaderTokenLimit, strconv.FormatInt(after.Limit, 10))
	h.Set(HeaderBalanceBefore, strconv.FormatInt(before.Remaining(), 10))
	h.Set(HeaderBalanceAfter, strconv.FormatInt(after.Remaining(), 10))
}
