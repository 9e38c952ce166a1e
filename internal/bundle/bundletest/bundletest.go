// Package bundletest builds bundle archives for tests in other packages.
package bundletest

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nvandessel/simcore/internal/bundle"
)

// Spec describes a bundle to build. Zero values produce a valid
// single-scene bundle for the current platform.
type Spec struct {
	Category bundle.Category
	GUID     string
	Name     string

	// Version overrides the manifest format version; zero uses the expected one.
	Version int
	// Platform overrides the main payload platform; empty uses CurrentPlatform.
	Platform bundle.Platform
	// Scenes lists the scene/asset names in the main payload descriptor.
	// Nil produces a single scene named after the bundle.
	Scenes []string
	// Textures adds a texture payload when non-nil.
	Textures []byte
	// FMUName declares a native plugin and packs a library for it.
	FMUName string
	// OmitMain leaves out the main payload.
	OmitMain bool
}

// Descriptor renders the YAML scene descriptor the headless engine reads.
func Descriptor(scenes []string) []byte {
	var sb strings.Builder
	sb.WriteString("scenes:\n")
	for _, s := range scenes {
		fmt.Fprintf(&sb, "  - %q\n", s)
	}
	return []byte(sb.String())
}

// Build writes the bundle into dir and returns its path.
func Build(t testing.TB, dir string, spec Spec) string {
	t.Helper()

	if spec.Category == "" {
		spec.Category = bundle.Vehicle
	}
	if spec.GUID == "" {
		spec.GUID = "guid-" + string(spec.Category)
	}
	if spec.Version == 0 {
		spec.Version = bundle.ExpectedVersion(spec.Category)
	}
	if spec.Platform == "" {
		spec.Platform = bundle.CurrentPlatform()
	}
	if spec.Scenes == nil {
		spec.Scenes = []string{spec.GUID}
	}

	m := bundle.Manifest{
		BundleFormat: spec.Version,
		AssetGUID:    spec.GUID,
		AssetName:    spec.Name,
		FMUName:      spec.FMUName,
	}

	var payloads []bundle.Payload
	if !spec.OmitMain {
		payloads = append(payloads, bundle.Payload{
			Key:  bundle.Key{Category: spec.Category, Platform: spec.Platform, Kind: bundle.KindMain},
			Data: Descriptor(spec.Scenes),
		})
	}
	if spec.Textures != nil {
		payloads = append(payloads, bundle.Payload{
			Key:  bundle.Key{Category: spec.Category, Platform: spec.Platform, Kind: bundle.KindTextures},
			Data: spec.Textures,
		})
	}
	if spec.FMUName != "" {
		payloads = append(payloads, bundle.Payload{
			Key:  bundle.Key{Category: spec.Category, Platform: spec.Platform, Kind: bundle.KindPlugin},
			Data: []byte("\x7fELF plugin " + spec.FMUName),
		})
	}

	path := filepath.Join(dir, spec.GUID+".zip")
	if err := bundle.WriteFile(path, m, payloads); err != nil {
		t.Fatalf("bundletest.Build: %v", err)
	}
	return path
}
