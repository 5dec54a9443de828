// Package bittorrent implements the domain types used to decouple the broker
// from the specifics of resource identifiers and the transfer engine.
package bittorrent

import (
	"encoding/hex"
	"strings"

	"github.com/anacrolix/torrent/metainfo"
)

// ClientError represents an error that should be exposed to the remote client
// over the wire.
type ClientError string

// Error implements the error interface for ClientError.
func (c ClientError) Error() string { return string(c) }

// ErrInvalidResourceID is returned when a resource identifier cannot be
// parsed into an infohash.
var ErrInvalidResourceID = ClientError("invalid resource identifier")

// InfoHash represents an infohash.
type InfoHash [20]byte

// InfoHashFromBytes creates an InfoHash from a byte slice.
//
// It panics if b is not 20 bytes long.
func InfoHashFromBytes(b []byte) InfoHash {
	if len(b) != 20 {
		panic("infohash must be 20 bytes")
	}

	var buf [20]byte
	copy(buf[:], b)
	return InfoHash(buf)
}

// InfoHashFromHexString creates an InfoHash from a 40 character hex string.
//
// It panics if s fails to decode to 20 bytes.
func InfoHashFromHexString(s string) InfoHash {
	if len(s) != 40 {
		panic("infohash must be 40 hex characters")
	}

	var buf [20]byte
	if _, err := hex.Decode(buf[:], []byte(s)); err != nil {
		panic("infohash must be valid hex: " + err.Error())
	}

	return InfoHash(buf)
}

// String implements fmt.Stringer, returning a string of hex encoded bytes.
func (i InfoHash) String() string {
	var b strings.Builder
	b.Grow(40) // 2 chars * 20 bytes

	w := hex.NewEncoder(&b)
	w.Write(i[:])

	return b.String()
}

// Resource is the parsed form of a client-supplied resource identifier.
//
// Raw preserves the identifier as the client sent it so that the engine can
// re-parse tracker lists and other parameters the broker does not care about.
type Resource struct {
	InfoHash    InfoHash
	DisplayName string
	Trackers    []string
	Raw         string
}

// ParseResourceID parses a resource identifier into a Resource.
//
// Magnet URIs and bare 40 character hex infohashes are accepted. Parsing
// never touches the transfer engine, so callers may parse identifiers without
// causing an engine instance to exist.
func ParseResourceID(s string) (Resource, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Resource{}, ErrInvalidResourceID
	}

	if strings.HasPrefix(s, "magnet:") {
		m, err := metainfo.ParseMagnetUri(s)
		if err != nil {
			return Resource{}, ErrInvalidResourceID
		}

		return Resource{
			InfoHash:    InfoHashFromBytes(m.InfoHash[:]),
			DisplayName: m.DisplayName,
			Trackers:    m.Trackers,
			Raw:         s,
		}, nil
	}

	if len(s) == 40 {
		var buf [20]byte
		if _, err := hex.Decode(buf[:], []byte(s)); err == nil {
			return Resource{
				InfoHash: InfoHash(buf),
				Raw:      s,
			}, nil
		}
	}

	return Resource{}, ErrInvalidResourceID
}
