package treeherder

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"go.skia.org/autophone/go/skerr"
)

// hawkAuthHeader builds a Hawk Authorization header (HMAC-SHA256 with
// payload validation) for the given request. ts and nonce are parameters so
// tests can produce stable headers.
func hawkAuthHeader(clientID, secret, method, requestURL, contentType string, body []byte, ts int64, nonce string) (string, error) {
	u, err := url.Parse(requestURL)
	if err != nil {
		return "", skerr.Wrapf(err, "parsing %s", requestURL)
	}
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	path := u.EscapedPath()
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}

	payloadMac := sha256.New()
	fmt.Fprintf(payloadMac, "hawk.1.payload\n%s\n", strings.ToLower(contentType))
	payloadMac.Write(body)
	payloadMac.Write([]byte("\n"))
	hash := base64.StdEncoding.EncodeToString(payloadMac.Sum(nil))

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "hawk.1.header\n%d\n%s\n%s\n%s\n%s\n%s\n%s\n\n",
		ts, nonce, strings.ToUpper(method), path, host, port, hash)
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return fmt.Sprintf(`Hawk id="%s", ts="%d", nonce="%s", hash="%s", mac="%s"`,
		clientID, ts, nonce, hash, signature), nil
}
