package codesignvalidate

import (
	"testing"

	"github.com/opencontainers/go-digest"
)

func TestValidateWithoutCMSSignatureSkipsParsing(t *testing.T) {
	info, err := Validate("ABCDE12345", nil, []byte("code directory bytes"))
	if err != nil {
		t.Fatal(err)
	}
	if info.TeamID != "ABCDE12345" {
		t.Fatalf("TeamID = %q", info.TeamID)
	}
	if info.SignerCommonName != "" {
		t.Fatalf("expected no signer without a CMS blob, got %q", info.SignerCommonName)
	}
	if info.CDHash == "" {
		t.Fatal("expected a non-empty code directory digest")
	}
}

func TestValidateRejectsMalformedCMSSignature(t *testing.T) {
	if _, err := Validate("", []byte("not a real CMS blob"), []byte("cd")); err == nil {
		t.Fatal("expected an error parsing a malformed CMS blob")
	}
}

func TestCDHashBytesTruncatesTo20Bytes(t *testing.T) {
	d := digest.FromString("hello")
	out := CDHashBytes(d)
	if len(out) != 20 {
		t.Fatalf("len(out) = %d, want 20", len(out))
	}
	var zero [20]byte
	if out == zero {
		t.Fatal("expected a non-zero truncated digest")
	}
}

func TestCDHashBytesIsDeterministic(t *testing.T) {
	d := digest.FromString("hello")
	if CDHashBytes(d) != CDHashBytes(d) {
		t.Fatal("expected CDHashBytes to be a pure function of its input")
	}
}
