package correlation

import (
	"context"
	"net/http"
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	valid := "abc-123"
	if got, ok := Normalize(valid); !ok || got != valid {
		t.Fatalf("expected %q to normalize, got %q ok=%v", valid, got, ok)
	}
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

func TestSetAndGet(t *testing.T) {
	ctx := context.Background()
	if Has(ctx) {
		t.Fatalf("expected empty context to have no correlation id")
	}
	ctx = Set(ctx, "")
	if Has(ctx) {
		t.Fatalf("expected invalid set to be ignored")
	}
	ctx = Set(ctx, "foo")
	if got := ID(ctx); got != "foo" {
		t.Fatalf("expected foo, got %q", got)
	}
	child := Set(ctx, "bar")
	if ID(ctx) != "foo" || ID(child) != "bar" {
		t.Fatalf("set must not mutate the parent context")
	}
}

func TestFromHeaderAndInject(t *testing.T) {
	h := http.Header{}
	h.Set(Header, " client-1 ")
	ctx := FromHeader(context.Background(), h)
	if got := ID(ctx); got != "client-1" {
		t.Fatalf("expected client-1, got %q", got)
	}

	h.Set(Header, "bad\x01")
	generated := FromHeader(context.Background(), h)
	if !Has(generated) || ID(generated) == "bad\x01" {
		t.Fatalf("expected a generated id, got %q", ID(generated))
	}

	out := http.Header{}
	Inject(ctx, out)
	if out.Get(Header) != "client-1" {
		t.Fatalf("inject wrote %q", out.Get(Header))
	}
	empty := http.Header{}
	Inject(context.Background(), empty)
	if _, ok := empty[Header]; ok {
		t.Fatalf("inject should skip contexts without an id")
	}
}

func TestForInstance(t *testing.T) {
	if got := ID(ForInstance(context.Background(), "order-9")); got != "order-9" {
		t.Fatalf("expected instance id fallback, got %q", got)
	}
	ctx := Set(context.Background(), "req-1")
	if got := ID(ForInstance(ctx, "order-9")); got != "req-1" {
		t.Fatalf("existing id must win, got %q", got)
	}
}

func TestGenerate(t *testing.T) {
	id := Generate()
	if id == "" {
		t.Fatalf("expected generated id")
	}
	if _, ok := Normalize(id); !ok {
		t.Fatalf("generated id should be valid, got %q", id)
	}
}
