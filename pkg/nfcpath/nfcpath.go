// Package nfcpath normalizes filesystem paths to Unicode Normalization
// Form C. macOS stores filenames in NFD on HFS+/APFS in some code paths,
// while iCloud's web API returns NFC; without normalization a file whose
// name differs only in composition form looks like a spurious rename.
package nfcpath

import "golang.org/x/text/unicode/norm"

// Normalize returns p with every path segment's Unicode form set to NFC.
func Normalize(p string) string {
	if norm.NFC.IsNormalString(p) {
		return p
	}

	return norm.NFC.String(p)
}
