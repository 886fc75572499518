package utils

import (
	"encoding/json"
	"io"
)

// MaxResponseBytes caps how much of a peer response body is decoded.
const MaxResponseBytes = 32 << 20

// DrainAndClose closes the given ReadCloser.
func DrainAndClose(rc io.ReadCloser) error {
	if rc == nil {
		return nil
	}
	// Drain to let the transport reuse the connection.
	_, _ = io.Copy(io.Discard, rc)
	return rc.Close()
}

// DecodeJSON decodes at most MaxResponseBytes of r into out.
func DecodeJSON(r io.Reader, out any) error {
	return json.NewDecoder(io.LimitReader(r, MaxResponseBytes)).Decode(out)
}
