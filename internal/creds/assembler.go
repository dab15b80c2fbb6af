// Package creds merges the credential fragments the protocol layer persists
// under a session's storage directory into a single exportable artifact.
package creds

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Fragment naming within a session's storage directory. The base credentials
// file has a fixed name; pre-key and sender-key fragments are recognized by
// filename prefix because the protocol layer numbers them as it rotates keys.
const (
	credsFile       = "creds.json"
	preKeyPrefix    = "pre-key"
	senderKeyPrefix = "sender-key"
)

// Artifact is one session's merged credential export. It exists only in
// memory, long enough to be delivered; nothing is written back to disk.
type Artifact struct {
	fields map[string]json.RawMessage
}

// JSON renders the artifact as a single JSON document with sorted keys, so
// equal artifacts serialize identically.
func (a *Artifact) JSON() ([]byte, error) {
	data, err := json.Marshal(a.fields)
	if err != nil {
		return nil, fmt.Errorf("creds: encode artifact: %w", err)
	}
	return data, nil
}

// Assembler builds artifacts from on-disk fragment sets.
type Assembler struct {
	// Clock stamps assembled artifacts. Defaults to time.Now.
	Clock func() time.Time
}

// NewAssembler returns an Assembler using the wall clock.
func NewAssembler() *Assembler {
	return &Assembler{Clock: time.Now}
}

// Assemble reads the base credentials plus the first pre-key and sender-key
// fragments under dir and merges them with a timestamp:
//
//	{ ...base, "preKeys": ..., "senderKeys": ..., "timestamp": "<RFC3339>" }
//
// A missing file defaults to an empty object. Any read or parse error makes
// the whole assembly absent (ok false) with the cause logged, never returned;
// callers treat absence as a soft failure and leave the session alone.
//
// When the protocol layer has emitted several fragments with the same prefix
// the lexically first filename wins. That mirrors a single directory scan in
// listing order; most sessions only ever hold one fragment per prefix.
func (a *Assembler) Assemble(dir string) (*Artifact, bool) {
	base, ok := readBase(filepath.Join(dir, credsFile))
	if !ok {
		return nil, false
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Error().Err(err).Str("dir", dir).Msg("creds: scan storage dir")
		return nil, false
	}

	preKeys := json.RawMessage(`{}`)
	senderKeys := json.RawMessage(`{}`)
	foundPre, foundSender := false, false
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		switch {
		case !foundPre && strings.HasPrefix(name, preKeyPrefix):
			if preKeys, ok = readFragment(filepath.Join(dir, name)); !ok {
				return nil, false
			}
			foundPre = true
		case !foundSender && strings.HasPrefix(name, senderKeyPrefix):
			if senderKeys, ok = readFragment(filepath.Join(dir, name)); !ok {
				return nil, false
			}
			foundSender = true
		}
	}

	fields := make(map[string]json.RawMessage, len(base)+3)
	for k, v := range base {
		fields[k] = v
	}
	fields["preKeys"] = preKeys
	fields["senderKeys"] = senderKeys
	ts, _ := json.Marshal(a.Clock().UTC().Format(time.RFC3339))
	fields["timestamp"] = ts
	return &Artifact{fields: fields}, true
}

// readBase loads the base credentials object. Absence is not an error; the
// artifact then carries only the fragment and metadata keys.
func readBase(path string) (map[string]json.RawMessage, bool) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]json.RawMessage{}, true
	}
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("creds: read base credentials")
		return nil, false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		log.Error().Err(err).Str("path", path).Msg("creds: parse base credentials")
		return nil, false
	}
	if obj == nil {
		obj = map[string]json.RawMessage{}
	}
	return obj, true
}

// readFragment loads one fragment file, requiring only that it parses.
func readFragment(path string) (json.RawMessage, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("creds: read fragment")
		return nil, false
	}
	if !json.Valid(data) {
		log.Error().Str("path", path).Msg("creds: fragment is not valid json")
		return nil, false
	}
	return json.RawMessage(data), true
}
