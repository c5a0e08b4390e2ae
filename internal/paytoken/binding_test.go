package paytoken

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
)

func TestBodySHA256_EmptyBody(t *testing.T) {
	want := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got := BodySHA256(nil); got != want {
		t.Errorf("BodySHA256(nil): got %s want %s", got, want)
	}
	if got := BodySHA256([]byte{}); got != want {
		t.Errorf("BodySHA256(empty): got %s want %s", got, want)
	}
}

func TestRequestBindingSHA256_KnownVector(t *testing.T) {
	bodyHash := BodySHA256([]byte(`{"q":"tides"}`))
	material := "POST\napi.example.com\n/v1/search?q=tides\n" + bodyHash
	sum := sha256.Sum256([]byte(material))
	want := hex.EncodeToString(sum[:])

	got, err := RequestBindingSHA256("POST", "api.example.com", "/v1/search?q=tides", bodyHash)
	if err != nil {
		t.Fatalf("RequestBindingSHA256: %v", err)
	}
	if got != want {
		t.Errorf("got %s want %s", got, want)
	}
}

func TestRequestBindingSHA256_CaseNormalization(t *testing.T) {
	bodyHash := BodySHA256([]byte("body"))

	base, err := RequestBindingSHA256("POST", "api.example.com", "/send", bodyHash)
	if err != nil {
		t.Fatal(err)
	}

	// Method, host, and body hash are case-normalized; the same request
	// spelled differently must bind identically.
	same, err := RequestBindingSHA256("post", "API.Example.COM", "/send", strings.ToUpper(bodyHash))
	if err != nil {
		t.Fatal(err)
	}
	if same != base {
		t.Error("case variants of the same request produced different bindings")
	}

	// The path is not case-normalized.
	diff, err := RequestBindingSHA256("POST", "api.example.com", "/Send", bodyHash)
	if err != nil {
		t.Fatal(err)
	}
	if diff == base {
		t.Error("different path produced the same binding")
	}
}

func TestRequestBindingSHA256_SingleFieldMutationsChangeHash(t *testing.T) {
	bodyHash := BodySHA256([]byte("body-a"))
	base, _ := RequestBindingSHA256("POST", "h.example.com", "/p?x=1", bodyHash)

	variants := []struct {
		name                         string
		method, host, path, bodyHash string
	}{
		{"method", "PUT", "h.example.com", "/p?x=1", bodyHash},
		{"host", "POST", "h2.example.com", "/p?x=1", bodyHash},
		{"path", "POST", "h.example.com", "/p?x=2", bodyHash},
		{"body", "POST", "h.example.com", "/p?x=1", BodySHA256([]byte("body-b"))},
	}
	for _, v := range variants {
		got, err := RequestBindingSHA256(v.method, v.host, v.path, v.bodyHash)
		if err != nil {
			t.Fatalf("%s: %v", v.name, err)
		}
		if got == base {
			t.Errorf("%s mutation did not change the binding", v.name)
		}
	}
}

func TestRequestBindingSHA256_PathMustStartWithSlash(t *testing.T) {
	if _, err := RequestBindingSHA256("GET", "h.example.com", "search", BodySHA256(nil)); err == nil {
		t.Error("path without leading slash accepted")
	}
}
