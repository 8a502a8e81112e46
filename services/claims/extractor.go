package claims

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/upb/vc-policy-gateway/services"
)

var (
	errEmpty     = errors.New("empty payload")
	errNotObject = errors.New("top-level value is not an object")
	errTrailing  = errors.New("unexpected data after top-level object")
)

// Extract decodes a raw credential serialization. Any decoding failure is
// returned as a CredentialMalformed domain error.
func Extract(raw string) (Tree, error) {
	if strings.TrimSpace(raw) == "" {
		return Tree{}, malformed(errEmpty)
	}

	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()

	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return Tree{}, malformed(err)
	}
	obj, ok := doc.(map[string]interface{})
	if !ok {
		return Tree{}, malformed(fmt.Errorf("%w: got %s", errNotObject, present(doc).Kind()))
	}
	if _, err := dec.Token(); err != io.EOF {
		return Tree{}, malformed(errTrailing)
	}

	return Tree{root: present(obj), raw: raw}, nil
}

// MustExtract is Extract for trusted fixtures; it panics on malformed input
func MustExtract(raw string) Tree {
	t, err := Extract(raw)
	if err != nil {
		panic(err)
	}
	return t
}

func malformed(err error) error {
	return services.WrapError(services.ErrorTypeCredentialMalformed, "malformed credential", err)
}
