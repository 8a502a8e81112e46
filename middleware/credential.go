package middleware

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultCredentialHeader carries the presented credential
const DefaultCredentialHeader = "X-Verifiable-Credential"

// CredentialFormat names the envelope a credential arrived in
type CredentialFormat string

const (
	FormatJSON      CredentialFormat = "json"
	FormatBase64URL CredentialFormat = "base64url"
	FormatJWT       CredentialFormat = "jwt"
	FormatOpaque    CredentialFormat = "opaque"
)

// Credential is a credential as presented by the caller. JSON holds the
// credential document handed to the evaluator.
type Credential struct {
	JSON   string
	Format CredentialFormat
}

// CredentialFromRequest reads the credential from header, falling back to a
// bearer token. It returns nil when nothing was presented.
func CredentialFromRequest(r *http.Request, header string) *Credential {
	if header == "" {
		header = DefaultCredentialHeader
	}
	value := strings.TrimSpace(r.Header.Get(header))
	if value == "" {
		value = bearerToken(r)
	}
	if value == "" {
		return nil
	}
	return DecodeCredential(value)
}

// DecodeCredential unwraps a presented value into the credential JSON.
// Values that match no known envelope are passed through unchanged so the
// evaluator rejects them as malformed.
func DecodeCredential(value string) *Credential {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "{") {
		return &Credential{JSON: value, Format: FormatJSON}
	}
	if looksLikeJWT(value) {
		if doc, ok := credentialFromJWT(value); ok {
			return &Credential{JSON: doc, Format: FormatJWT}
		}
	}
	if doc, ok := decodeBase64JSON(value); ok {
		return &Credential{JSON: doc, Format: FormatBase64URL}
	}
	return &Credential{JSON: value, Format: FormatOpaque}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func looksLikeJWT(value string) bool {
	parts := strings.Split(value, ".")
	return len(parts) == 3 && parts[0] != "" && parts[1] != ""
}

// credentialFromJWT decodes a VC-JWT payload. Signatures are checked upstream.
// The vc claim is the credential; iss and sub fill issuer and subject id when
// the vc claim leaves them out.
func credentialFromJWT(token string) (string, bool) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return "", false
	}
	payload, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", false
	}

	vc, ok := payload["vc"].(map[string]interface{})
	if !ok {
		data, err := json.Marshal(payload)
		if err != nil {
			return "", false
		}
		return string(data), true
	}

	if iss, ok := payload["iss"].(string); ok {
		if _, present := vc["issuer"]; !present {
			vc["issuer"] = iss
		}
	}
	if sub, ok := payload["sub"].(string); ok {
		if subject, ok := vc["credentialSubject"].(map[string]interface{}); ok {
			if _, present := subject["id"]; !present {
				subject["id"] = sub
			}
		}
	}

	data, err := json.Marshal(vc)
	if err != nil {
		return "", false
	}
	return string(data), true
}

func decodeBase64JSON(value string) (string, bool) {
	for _, enc := range []*base64.Encoding{base64.RawURLEncoding, base64.URLEncoding, base64.StdEncoding, base64.RawStdEncoding} {
		data, err := enc.DecodeString(value)
		if err != nil {
			continue
		}
		data = bytes.TrimSpace(data)
		if len(data) > 0 && data[0] == '{' {
			return string(data), true
		}
	}
	return "", false
}
