package files

import "bytes"

// signature is a magic-byte prefix at a fixed offset.
type signature struct {
	offset int
	prefix []byte
}

// signatures maps MIME types with well-known magic bytes. Declared types
// without an entry fall back to the client-declared header.
var signatures = map[string][]signature{
	"image/jpeg":       {{0, []byte{0xFF, 0xD8, 0xFF}}},
	"image/png":        {{0, []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}}},
	"image/gif":        {{0, []byte("GIF87a")}, {0, []byte("GIF89a")}},
	"image/webp":       {{0, []byte("RIFF")}},
	"application/pdf":  {{0, []byte("%PDF-")}},
	"application/zip":  {{0, []byte{'P', 'K', 0x03, 0x04}}, {0, []byte{'P', 'K', 0x05, 0x06}}},
	"application/gzip": {{0, []byte{0x1F, 0x8B}}},
}

// matchesSignature reports whether head is plausible for the declared MIME
// type. Types without a known signature always match.
func matchesSignature(mimeType string, head []byte) bool {
	sigs, ok := signatures[mimeType]
	if !ok {
		return true
	}
	for _, sig := range sigs {
		end := sig.offset + len(sig.prefix)
		if len(head) >= end && bytes.Equal(head[sig.offset:end], sig.prefix) {
			return true
		}
	}
	return false
}
