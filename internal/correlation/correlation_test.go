package correlation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	if got, ok := Normalize("  xyz  "); !ok || got != "xyz" {
		t.Fatalf("expected trimmed normalize to xyz, got %q ok=%v", got, ok)
	}
	if _, ok := Normalize(""); ok {
		t.Fatal("empty id should be invalid")
	}
	if _, ok := Normalize(strings.Repeat("a", MaxIDLength+1)); ok {
		t.Fatal("overlong id should be invalid")
	}
	if _, ok := Normalize("bad\x01suffix"); ok {
		t.Fatal("non-printable should be invalid")
	}
}

func TestEnsureKeepsExistingID(t *testing.T) {
	ctx := Set(context.Background(), "foo")
	if got := ID(Ensure(ctx)); got != "foo" {
		t.Fatalf("expected foo, got %q", got)
	}
	if ID(Ensure(context.Background())) == "" {
		t.Fatal("Ensure must generate an id")
	}
}

func TestRequestPropagation(t *testing.T) {
	in := httptest.NewRequest(http.MethodPost, "/v1/gpac/elect", nil)
	in.Header.Set(HeaderName, "cid-1")
	ctx := FromRequest(in)
	if ID(ctx) != "cid-1" {
		t.Fatalf("incoming id lost: %q", ID(ctx))
	}
	out, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://peer/v1/gpac/apply", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	Inject(ctx, out)
	if got := out.Header.Get(HeaderName); got != "cid-1" {
		t.Fatalf("outgoing header mismatch: %q", got)
	}
}
