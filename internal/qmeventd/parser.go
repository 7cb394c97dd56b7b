package qmeventd

import (
	"bytes"
	"encoding/json"
	"io"
)

// decodeOne attempts to decode exactly one top-level JSON value from the
// front of buf. A valid but incomplete value (the common case mid-stream)
// reports needMore=true and consumes nothing; the caller must wait for
// more bytes before retrying. A malformed value is a hard error: the
// caller discards the entire buffer, since there is no way to resync to
// the start of the next object within a corrupted byte stream.
func decodeOne(buf []byte) (raw json.RawMessage, consumed int, needMore bool, err error) {
	if len(buf) == 0 {
		return nil, 0, true, nil
	}
	dec := json.NewDecoder(bytes.NewReader(buf))
	var v json.RawMessage
	if decErr := dec.Decode(&v); decErr != nil {
		if decErr == io.EOF || decErr == io.ErrUnexpectedEOF {
			return nil, 0, true, nil
		}
		return nil, 0, false, decErr
	}
	return v, int(dec.InputOffset()), false, nil
}

// recognizedKeys lists the object keys the wire protocol dispatches on,
// in priority order: an object carrying more than one is classified by
// whichever is checked first.
var recognizedKeys = []string{"QMP", "event", "return", "error", "vzdump"}

// objectKind classifies a decoded top-level value by the first
// recognized key present. A value that is not a JSON object, or an
// object matching none of the recognized keys, yields ok=false and is
// silently ignored by the caller.
func objectKind(raw json.RawMessage) (key string, fields map[string]json.RawMessage, ok bool) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", nil, false
	}
	for _, candidate := range recognizedKeys {
		if _, present := m[candidate]; present {
			return candidate, m, true
		}
	}
	return "", m, false
}

// parseBuffered drains as many complete top-level JSON values as are
// currently buffered for c, dispatching each through objectKind. It
// stops when the remaining bytes form an incomplete value, a malformed
// value (buffer discarded), or when dispatch has closed the client.
func (d *Daemon) parseBuffered(c *Client) {
	for {
		raw, consumed, needMore, err := decodeOne(c.buf[:c.buflen])
		if err != nil {
			c.buflen = 0
			return
		}
		if needMore {
			if c.buflen == len(c.buf) {
				// No recognized object can be larger than the fixed
				// buffer; whatever is sitting in it is unparsable.
				c.buflen = 0
			}
			return
		}

		remaining := c.buflen - consumed
		copy(c.buf[:remaining], c.buf[consumed:c.buflen])
		c.buflen = remaining

		if key, fields, ok := objectKind(raw); ok {
			d.dispatch(c, key, fields, raw)
		}

		if _, stillOpen := d.clients[c.fd]; !stillOpen {
			return
		}
	}
}
