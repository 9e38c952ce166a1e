package bundle

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ManifestEntry is the archive entry holding the manifest.
const ManifestEntry = "manifest.json"

// Manifest is the metadata embedded in every bundle.
type Manifest struct {
	BundleFormat int    `json:"bundleFormat"`
	AssetGUID    string `json:"assetGuid"`
	AssetName    string `json:"assetName"`
	FMUName      string `json:"fmuName,omitempty"`
}

// Sentinel errors for bundle validation. Callers match them with errors.Is.
var (
	ErrManifestMissing   = errors.New("bundle manifest missing")
	ErrManifestMalformed = errors.New("bundle manifest malformed")
	ErrVersionMismatch   = errors.New("bundle format version mismatch")
	ErrPayloadMissing    = errors.New("bundle payload missing")
	ErrUnsupportedLayout = errors.New("unsupported bundle layout")
)

// VersionError reports a manifest whose format version differs from the one
// expected for its category.
type VersionError struct {
	Category Category
	Got      int
	Want     int
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("%s bundle format %d is outdated (expected %d), please rebuild or download the asset again",
		e.Category, e.Got, e.Want)
}

func (e *VersionError) Unwrap() error { return ErrVersionMismatch }

// ParseManifest decodes manifest JSON. Unknown fields are ignored; the format
// version and asset GUID are required.
func ParseManifest(data []byte) (Manifest, error) {
	var raw struct {
		BundleFormat *int   `json:"bundleFormat"`
		AssetGUID    string `json:"assetGuid"`
		AssetName    string `json:"assetName"`
		FMUName      string `json:"fmuName"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrManifestMalformed, err)
	}
	if raw.BundleFormat == nil {
		return Manifest{}, fmt.Errorf("%w: bundleFormat is required", ErrManifestMalformed)
	}
	if raw.AssetGUID == "" {
		return Manifest{}, fmt.Errorf("%w: assetGuid is required", ErrManifestMalformed)
	}
	return Manifest{
		BundleFormat: *raw.BundleFormat,
		AssetGUID:    raw.AssetGUID,
		AssetName:    raw.AssetName,
		FMUName:      raw.FMUName,
	}, nil
}

// Marshal encodes the manifest as written into bundles.
func (m Manifest) Marshal() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// CheckVersion returns a *VersionError when m was built for a different
// format version than category c expects.
func (m Manifest) CheckVersion(c Category) error {
	want := ExpectedVersion(c)
	if m.BundleFormat != want {
		return &VersionError{Category: c, Got: m.BundleFormat, Want: want}
	}
	return nil
}
