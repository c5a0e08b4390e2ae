package paytoken

import (
	"fmt"
	"strings"

	"github.com/nooterra-labs/paygate/internal/canonjson"
)

// BodySHA256 returns the lowercase hex SHA-256 of the request body. An
// empty or absent body hashes as the empty byte string.
func BodySHA256(body []byte) string {
	return canonjson.SHA256Hex(body)
}

// RequestBindingSHA256 computes the hash that ties a token to one
// specific HTTP request:
//
//	sha256Hex(upper(method) + "\n" + lower(host) + "\n" + pathWithQuery + "\n" + lower(bodySha256))
//
// pathWithQuery must begin with "/" exactly as recorded on the wire.
func RequestBindingSHA256(method, host, pathWithQuery, bodySHA256 string) (string, error) {
	if !strings.HasPrefix(pathWithQuery, "/") {
		return "", fmt.Errorf("pathWithQuery %q must start with /", pathWithQuery)
	}
	material := strings.ToUpper(method) + "\n" +
		strings.ToLower(host) + "\n" +
		pathWithQuery + "\n" +
		strings.ToLower(bodySHA256)
	return canonjson.SHA256Hex([]byte(material)), nil
}
