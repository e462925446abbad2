package gateway

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"path"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/unicode/norm"
)

// Fingerprint derives the deduplication key for a request. Two specs with
// the same method, normalized path, query and semantically equal JSON body
// share a fingerprint regardless of object key order.
func Fingerprint(spec Spec) (string, error) {
	body, err := canonicalBody(spec.Body)
	if err != nil {
		return "", fmt.Errorf("fingerprinting %s %s: %w", spec.method(), spec.Path, err)
	}

	h, _ := blake2b.New256(nil)

	writeField(h, spec.method())
	writeField(h, normalizePath(spec.Path))
	writeField(h, spec.Query.Encode())
	writeField(h, body)

	return hex.EncodeToString(h.Sum(nil)), nil
}

// writeField writes a length-prefixed field so adjacent fields can never
// run together.
func writeField(h hash.Hash, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}

// normalizePath returns the NFC form of p, rooted, cleaned and without a
// trailing slash.
func normalizePath(p string) string {
	p = norm.NFC.String(p)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}

	return path.Clean(p)
}

// canonicalBody re-encodes body through a generic value so map keys come
// out sorted. Numbers keep their literal text.
func canonicalBody(body any) (string, error) {
	if body == nil {
		return "", nil
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return "", err
	}

	out, err := json.Marshal(v)
	if err != nil {
		return "", err
	}

	return string(out), nil
}
