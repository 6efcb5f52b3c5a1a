// Package digest provides the canonical content-addressing primitives:
// hex-SHA256 hashes paired with blob size, usable as map keys.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/golang/protobuf/proto"
	"github.com/pkg/errors"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
)

var hexStringRegex = regexp.MustCompile("^[a-f0-9]+$")

// Digest is {hash, size_bytes} per spec §3. It is a plain comparable
// struct so it can be used directly as a map key without a wrapper Key
// type — comparison is hash-and-size equality, never content-length
// dependent.
type Digest struct {
	Hash string
	Size int64
}

// Empty is the digest of the zero-length blob.
var Empty = FromBlob(nil)

// IsEmpty reports whether d is the digest of the empty blob.
func (d Digest) IsEmpty() bool {
	return d.Size == 0 && d.Hash == Empty.Hash
}

// String renders the canonical "hash/size" form.
func (d Digest) String() string {
	return fmt.Sprintf("%s/%d", d.Hash, d.Size)
}

// Validate returns nil if d appears to be a well-formed digest. Every
// function accepting a Digest from an untrusted source (RPC response,
// parsed proto) must call this.
func (d Digest) Validate() error {
	if len(d.Hash) != sha256.Size*2 {
		return errors.Errorf("valid hash length is %d, got %d (%s)", sha256.Size*2, len(d.Hash), d.Hash)
	}
	if !hexStringRegex.MatchString(d.Hash) {
		return errors.Errorf("hash is not a lowercase hex string: %s", d.Hash)
	}
	if d.Size < 0 {
		return errors.Errorf("expected non-negative size, got %d", d.Size)
	}
	return nil
}

// New validates and constructs a Digest.
func New(hash string, size int64) (Digest, error) {
	d := Digest{Hash: hash, Size: size}
	if err := d.Validate(); err != nil {
		return Digest{}, err
	}
	return d, nil
}

// FromBlob is compute_digest from spec §4.1: SHA-256 of bytes, hex
// lowercased, size_bytes = len(bytes). Changing this function invalidates
// every cache keyed by digest.
func FromBlob(blob []byte) Digest {
	sum := sha256.Sum256(blob)
	return Digest{Hash: hex.EncodeToString(sum[:]), Size: int64(len(blob))}
}

// FromReader streams a reader through SHA-256 without holding the whole
// blob in memory, for use on path-backed (large) resources.
func FromReader(r io.Reader) (Digest, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Digest{}, errors.Wrap(err, "hashing reader")
	}
	return Digest{Hash: hex.EncodeToString(h.Sum(nil)), Size: n}, nil
}

// FromMessage digests the canonical proto serialization of msg.
func FromMessage(msg proto.Message) (Digest, []byte, error) {
	b, err := proto.Marshal(msg)
	if err != nil {
		return Digest{}, nil, errors.Wrap(err, "marshalling message for digest")
	}
	return FromBlob(b), b, nil
}

// ToProto converts to the wire Digest message.
func (d Digest) ToProto() *repb.Digest {
	return &repb.Digest{Hash: d.Hash, SizeBytes: d.Size}
}

// FromProto converts from the wire Digest message, validating it — all
// digests arriving from a server response must go through this.
func FromProto(p *repb.Digest) (Digest, error) {
	if p == nil {
		return Digest{}, errors.New("nil digest")
	}
	return New(p.Hash, p.SizeBytes)
}

// FromString parses the canonical "hash/size" form.
func FromString(s string) (Digest, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return Digest{}, errors.Errorf("expected digest in form hash/size, got %q", s)
	}
	size, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || size < 0 {
		return Digest{}, errors.Errorf("invalid size in digest %q", s)
	}
	return New(parts[0], size)
}
