// Package trigger interprets inbound update-trigger payloads. A trigger is a
// JSON object keyed by device identity; the value names the firmware image
// the device should fetch. Triggers addressed to other devices, or carrying
// the wrong shape, are rejected before any session state is touched.
package trigger

import (
	"encoding/json"

	"github.com/gecl/otawatch/pkg/session"
	"github.com/pkg/errors"
)

// Request is a decoded, validated update trigger. Immutable once created.
type Request struct {
	// Identity is the device identity the trigger addressed, matching this
	// device's own (eg: its burned-in MAC address).
	Identity string
	// URL locates the firmware image to fetch.
	URL string
	// Checksum is the optional hex SHA-256 of the image. Whether it is
	// enforced is the orchestrator's policy, not the decoder's.
	Checksum string
}

// target is the object form of a trigger value. The bare-string form carries
// the URL only.
type target struct {
	URL      string `json:"url"`
	Checksum string `json:"checksum,omitempty"`
}

// Decode parses payload and extracts the entry addressed to identity.
func Decode(payload []byte, identity string) (*Request, error) {
	if identity == "" {
		return nil, session.NewError(session.KindDecode, errors.New("device identity must be provided"))
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, session.NewError(session.KindDecode, errors.Wrap(err, "trigger payload is not a JSON object"))
	}

	raw, ok := doc[identity]
	if !ok {
		return nil, session.Errorf(session.KindDecode, "trigger has no entry for identity %q", identity)
	}

	req := &Request{Identity: identity}

	// Accept both the plain URL string and the richer object form.
	var url string
	if err := json.Unmarshal(raw, &url); err == nil {
		req.URL = url
	} else {
		var t target
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, session.Errorf(session.KindDecode, "entry for %q is neither a URL nor a target object", identity)
		}
		req.URL = t.URL
		req.Checksum = t.Checksum
	}

	if req.URL == "" {
		return nil, session.Errorf(session.KindDecode, "entry for %q names no image URL", identity)
	}

	return req, nil
}
