package registry_test

import (
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/base64"
	"testing"

	"github.com/tenzoki/agenorc/internal/registry"
)

func TestVerifyPlugin_acceptsRawBytesSignature(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	data := []byte("plugin archive contents")
	sig := ed25519.Sign(priv, data)
	sigB64 := base64.StdEncoding.EncodeToString(sig)

	table := registry.DigestTable{"plugin.tar.gz": sigB64}
	if err := registry.VerifyPlugin("plugin.tar.gz", data, sigB64, pub, table); err != nil {
		t.Fatalf("expected raw-bytes signature to verify, got: %v", err)
	}
}

func TestVerifyPlugin_acceptsSHA512DigestSignature(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	data := []byte("plugin archive contents")
	digest := sha512.Sum512(data)
	sig := ed25519.Sign(priv, digest[:])
	sigB64 := base64.StdEncoding.EncodeToString(sig)

	table := registry.DigestTable{"plugin.tar.gz": sigB64}
	if err := registry.VerifyPlugin("plugin.tar.gz", data, sigB64, pub, table); err != nil {
		t.Fatalf("expected sha-512 digest signature to verify, got: %v", err)
	}
}

func TestVerifyPlugin_rejectsWithoutPinnedTableEntry(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	data := []byte("plugin archive contents")
	sig := ed25519.Sign(priv, data)
	sigB64 := base64.StdEncoding.EncodeToString(sig)

	table := registry.DigestTable{}
	if err := registry.VerifyPlugin("plugin.tar.gz", data, sigB64, pub, table); err == nil {
		t.Fatal("expected rejection when digest table has no entry")
	}
}

func TestVerifyPlugin_rejectsTableMismatchEvenWithValidSignature(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	data := []byte("plugin archive contents")
	sig := ed25519.Sign(priv, data)
	sigB64 := base64.StdEncoding.EncodeToString(sig)

	table := registry.DigestTable{"plugin.tar.gz": "not-the-real-signature"}
	if err := registry.VerifyPlugin("plugin.tar.gz", data, sigB64, pub, table); err == nil {
		t.Fatal("expected rejection when signature does not match pinned table entry")
	}
}

func TestVerifyPlugin_rejectsForgedSignature(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	_, otherPriv, _ := ed25519.GenerateKey(nil)
	data := []byte("plugin archive contents")
	sig := ed25519.Sign(otherPriv, data)
	sigB64 := base64.StdEncoding.EncodeToString(sig)

	table := registry.DigestTable{"plugin.tar.gz": sigB64}
	if err := registry.VerifyPlugin("plugin.tar.gz", data, sigB64, pub, table); err == nil {
		t.Fatal("expected rejection of signature made with wrong key")
	}
}
