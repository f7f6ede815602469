package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnknownVersion = errors.New("manifest: unknown document version")

// PolicyConfig is the storage-policy configuration persisted alongside
// a manifest. StorageLayout selects the backend URL convention ("V1"
// legacy flat-by-digest, "V2" by region and birth artifact).
type PolicyConfig struct {
	StorageLayout string `json:"storageLayout"`
	StorageRegion string `json:"storageRegion,omitempty"`
}

type entryDoc struct {
	Digest          string         `json:"digest"`
	Ref             string         `json:"ref,omitempty"`
	Extra           map[string]any `json:"extra,omitempty"`
	Size            *int64         `json:"size,omitempty"`
	BirthArtifactID string         `json:"birthArtifactID,omitempty"`
	SkipCache       bool           `json:"skip_cache,omitempty"`
}

type document struct {
	Version             int                 `json:"version"`
	StoragePolicy       string              `json:"storagePolicy"`
	StoragePolicyConfig PolicyConfig        `json:"storagePolicyConfig"`
	Contents            map[string]entryDoc `json:"contents"`
}

// Encode serializes the manifest as a versioned JSON document.
// encoding/json writes map keys in sorted order, so the byte output is
// deterministic for a given set of entries.
func Encode(m *Manifest, policyName string, cfg PolicyConfig) ([]byte, error) {
	doc := document{
		Version:             Version,
		StoragePolicy:       policyName,
		StoragePolicyConfig: cfg,
		Contents:            make(map[string]entryDoc, m.Len()),
	}
	for _, e := range m.Entries() {
		doc.Contents[e.Path] = entryDoc{
			Digest:          e.Digest,
			Ref:             e.Ref,
			Extra:           e.Extra,
			Size:            e.Size,
			BirthArtifactID: e.BirthArtifactID,
			SkipCache:       e.SkipCache,
		}
	}
	return json.Marshal(doc)
}

// Decode parses a manifest document, failing on any version this
// package does not understand.
func Decode(data []byte) (*Manifest, string, PolicyConfig, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, "", PolicyConfig{}, fmt.Errorf("manifest: decode: %w", err)
	}
	if doc.Version != Version {
		return nil, "", PolicyConfig{}, fmt.Errorf("%w: %d", ErrUnknownVersion, doc.Version)
	}

	m := New()
	for p, d := range doc.Contents {
		e := Entry{
			Path:            p,
			Digest:          d.Digest,
			Ref:             d.Ref,
			Extra:           d.Extra,
			Size:            d.Size,
			BirthArtifactID: d.BirthArtifactID,
			SkipCache:       d.SkipCache,
		}
		if err := m.Add(e, false); err != nil {
			return nil, "", PolicyConfig{}, err
		}
	}
	return m, doc.StoragePolicy, doc.StoragePolicyConfig, nil
}
