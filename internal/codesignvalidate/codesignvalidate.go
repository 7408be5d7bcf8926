// Package codesignvalidate extracts signer identity out of the CMS
// blob the teacher's pkg/codesign stops at ("openssl pkcs7 -inform DER
// ... -print_certs"): go-macho's ParseCodeSignature already decodes
// the CodeDirectory and hands back the raw CMSSignature bytes, and
// this package is the piece spec.md §4.4's "validate the file's code
// signature" step needs on top of that — a parsed signer chain plus
// the code directory hash, in the shape FileValidationInfo wants.
package codesignvalidate

import (
	"encoding/hex"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"go.mozilla.org/pkcs7"
)

// SignerInfo is the diagnostic-level identity extracted from a code
// signature's CMS blob: who signed it, and what the code directory it
// signed hashes to.
type SignerInfo struct {
	SignerCommonName string
	TeamID           string
	CDHash           digest.Digest
}

// Validate parses cmsSignature and recomputes the code directory
// digest, returning a SignerInfo for diagnostics. teamID and
// codeDirectoryBytes come straight out of go-macho's ParseCodeSignature
// result. It never consults a system trust store and does not verify
// the signature: it only surfaces human-readable signer identity, the
// way codesign -dvvv does. Kernel-side validation is not done here
// either; internal/syscallshim's FAddFileSigsReturn op is the hook for
// it, and that op reports success without passing the blob to a kernel.
func Validate(teamID string, cmsSignature, codeDirectoryBytes []byte) (SignerInfo, error) {
	info := SignerInfo{
		TeamID: teamID,
		CDHash: digest.FromBytes(codeDirectoryBytes, digest.SHA256),
	}
	if len(cmsSignature) == 0 {
		return info, nil
	}
	p7, err := pkcs7.Parse(cmsSignature)
	if err != nil {
		return SignerInfo{}, errors.Wrap(err, "codesignvalidate: parsing CMS signature")
	}
	if len(p7.Certificates) > 0 {
		info.SignerCommonName = p7.Certificates[0].Subject.CommonName
	}
	return info, nil
}

// CDHashBytes truncates a SHA-256 code-directory digest to the 20
// bytes FileValidationInfo.CDHash stores, matching the legacy
// SHA-1-sized cdhash slot the fixup/validation wire format carries
// even when the underlying digest algorithm is SHA-256.
func CDHashBytes(d digest.Digest) [20]byte {
	var out [20]byte
	raw, err := hex.DecodeString(d.Encoded())
	if err != nil {
		return out
	}
	copy(out[:], raw)
	return out
}
