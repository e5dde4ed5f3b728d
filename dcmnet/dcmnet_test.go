package dcmnet

import (
	"os"
	"path/filepath"
	"testing"
)

func TestItoa(t *testing.T) {
	cases := []struct {
		in   int
		want string
	}{
		{0, "0"},
		{7, "7"},
		{104, "104"},
		{-1, "-1"},
		{-2049, "-2049"},
	}
	for _, c := range cases {
		if got := itoa(c.in); got != c.want {
			t.Errorf("itoa(%d) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestPortAddr(t *testing.T) {
	if got := portAddr(11112); got != ":11112" {
		t.Fatalf("portAddr(11112) = %q", got)
	}
}

func TestAddrOf(t *testing.T) {
	if got := addrOf("pacs.example.org", 104); got != "pacs.example.org:104" {
		t.Fatalf("addrOf(...) = %q", got)
	}
}

func TestLoadPKCS12TLSConfigMissingFile(t *testing.T) {
	_, err := loadPKCS12TLSConfig("/nonexistent/identity.p12", "changeit")
	if err == nil {
		t.Fatalf("expected an error reading a nonexistent PKCS#12 bundle")
	}
}

func TestLoadPKCS12TLSConfigMalformedBundle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.p12")
	if err := os.WriteFile(path, []byte("not a pkcs12 bundle"), 0o644); err != nil {
		t.Fatalf("os.WriteFile: %v", err)
	}
	_, err := loadPKCS12TLSConfig(path, "changeit")
	if err == nil {
		t.Fatalf("expected an error decoding a malformed PKCS#12 bundle")
	}
}
