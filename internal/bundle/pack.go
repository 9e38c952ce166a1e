package bundle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Source file names PackDir looks for in a bundle source directory.
const (
	SourceMain     = "main.yaml"    // main payload shared by all platforms
	SourceTextures = "textures.bin" // optional texture payload
)

// sourceMain returns the platform-specific main payload name, e.g. main_linux.yaml.
func sourceMain(p Platform) string {
	return "main_" + string(p) + ".yaml"
}

// sourcePlugin returns the native plugin source name, e.g. plugin_linux.so.
func sourcePlugin(p Platform) string {
	return "plugin_" + pluginSuffix[p]
}

// PackDir builds a bundle at dest from the files in dir. A platform gets a
// main payload from main_<platform>.yaml, falling back to main.yaml. Native
// plugins are read from plugin_windows.dll and plugin_linux.so and require
// m.FMUName. The manifest format version defaults to the one expected for
// category.
func PackDir(dir, dest string, category Category, m Manifest) error {
	if _, err := ParseCategory(string(category)); err != nil {
		return err
	}
	if m.AssetGUID == "" {
		return fmt.Errorf("%w: assetGuid is required", ErrManifestMalformed)
	}
	if m.BundleFormat == 0 {
		m.BundleFormat = ExpectedVersion(category)
	}

	shared, err := readOptional(filepath.Join(dir, SourceMain))
	if err != nil {
		return err
	}

	var payloads []Payload
	for _, p := range []Platform{Windows, Linux} {
		data, err := readOptional(filepath.Join(dir, sourceMain(p)))
		if err != nil {
			return err
		}
		if data == nil {
			data = shared
		}
		if data != nil {
			payloads = append(payloads, Payload{Key: Key{Category: category, Platform: p, Kind: KindMain}, Data: data})
		}

		plugin, err := readOptional(filepath.Join(dir, sourcePlugin(p)))
		if err != nil {
			return err
		}
		if plugin != nil {
			if m.FMUName == "" {
				return fmt.Errorf("%s found but no plugin name given", sourcePlugin(p))
			}
			payloads = append(payloads, Payload{Key: Key{Category: category, Platform: p, Kind: KindPlugin}, Data: plugin})
		}
	}
	if len(payloads) == 0 {
		return fmt.Errorf("%w: %s contains no %s or %s", ErrPayloadMissing, dir, SourceMain, sourceMain(CurrentPlatform()))
	}

	textures, err := readOptional(filepath.Join(dir, SourceTextures))
	if err != nil {
		return err
	}
	if textures != nil {
		payloads = append(payloads, Payload{Key: Key{Category: category, Kind: KindTextures}, Data: textures})
	}

	return WriteFile(dest, m, payloads)
}

// readOptional returns nil, nil when path does not exist.
func readOptional(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	return data, nil
}
