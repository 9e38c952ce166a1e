package bundle

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// MaxEntrySize is the maximum allowed decompressed size of a single entry (2GB).
const MaxEntrySize = 2 << 30

// openArchive is swapped in tests to observe handle balance.
var openArchive = func(path string) (archive, error) {
	return zip.OpenReader(path)
}

type archive interface {
	Open(name string) (fs.File, error)
	Close() error
}

// Options controls how a bundle is opened.
type Options struct {
	// Platform selects the main payload. Empty uses CurrentPlatform.
	Platform Platform

	// PluginDir receives extracted native plugins under <PluginDir>/<guid>/.
	// Empty skips extraction; the plugin payload stays in memory.
	PluginDir string
}

// Bundle is a validated bundle with its payloads loaded as seekable streams.
type Bundle struct {
	Path     string
	Category Category
	Platform Platform
	Manifest Manifest

	// Main is the engine-loadable payload for Platform.
	Main io.ReadSeeker
	// Textures is nil when the bundle carries no texture payload.
	Textures io.ReadSeeker
	// Plugin is nil when the manifest declares no native plugin.
	Plugin io.ReadSeeker
	// PluginPath is where the plugin was extracted, if it was.
	PluginPath string
}

// Open reads the bundle at path and validates it against category.
// Every archive handle is released before Open returns, on success or failure.
func Open(path string, category Category, opts Options) (*Bundle, error) {
	platform := opts.Platform
	if platform == "" {
		platform = CurrentPlatform()
	}

	ar, err := openArchive(path)
	if err != nil {
		return nil, fmt.Errorf("open bundle %s: %w", path, err)
	}
	defer ar.Close()

	manifestData, err := readEntry(ar, ManifestEntry)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("open bundle %s: %w", path, ErrManifestMissing)
		}
		return nil, fmt.Errorf("open bundle %s: reading manifest: %w", path, err)
	}

	manifest, err := ParseManifest(manifestData)
	if err != nil {
		return nil, fmt.Errorf("open bundle %s: %w", path, err)
	}
	if err := manifest.CheckVersion(category); err != nil {
		return nil, fmt.Errorf("open bundle %s: %w", path, err)
	}

	b := &Bundle{
		Path:     path,
		Category: category,
		Platform: platform,
		Manifest: manifest,
	}

	mainName := EntryName(manifest, Key{Category: category, Platform: platform, Kind: KindMain})
	main, err := readEntry(ar, mainName)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("open bundle %s: %w: %s", path, ErrPayloadMissing, mainName)
		}
		return nil, fmt.Errorf("open bundle %s: reading %s: %w", path, mainName, err)
	}
	b.Main = bytes.NewReader(main)

	texName := EntryName(manifest, Key{Category: category, Platform: platform, Kind: KindTextures})
	textures, err := readEntry(ar, texName)
	switch {
	case err == nil:
		b.Textures = bytes.NewReader(textures)
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("open bundle %s: reading %s: %w", path, texName, err)
	}

	if pluginName := EntryName(manifest, Key{Category: category, Platform: platform, Kind: KindPlugin}); pluginName != "" {
		plugin, err := readEntry(ar, pluginName)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("open bundle %s: %w: %s", path, ErrPayloadMissing, pluginName)
			}
			return nil, fmt.Errorf("open bundle %s: reading %s: %w", path, pluginName, err)
		}
		b.Plugin = bytes.NewReader(plugin)

		if opts.PluginDir != "" {
			dest, err := extractPlugin(opts.PluginDir, manifest.AssetGUID, pluginName, plugin)
			if err != nil {
				return nil, fmt.Errorf("open bundle %s: %w", path, err)
			}
			b.PluginPath = dest
		}
	}

	return b, nil
}

// Close drops the payload streams. Safe to call more than once.
func (b *Bundle) Close() error {
	if b == nil {
		return nil
	}
	b.Main = nil
	b.Textures = nil
	b.Plugin = nil
	return nil
}

// ReadMain returns the full main payload, rewinding the stream first.
func (b *Bundle) ReadMain() ([]byte, error) {
	if b.Main == nil {
		return nil, fmt.Errorf("bundle %s: %w", b.Path, ErrPayloadMissing)
	}
	if _, err := b.Main.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(b.Main)
}

// VerifyLayout enforces the single-scene, single-root-asset invariant on what
// an engine reports after loading a bundle.
func VerifyLayout(names []string) error {
	if len(names) != 1 {
		return fmt.Errorf("%w: expected exactly one scene or asset, found %d", ErrUnsupportedLayout, len(names))
	}
	return nil
}

func readEntry(ar archive, name string) ([]byte, error) {
	f, err := ar.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxEntrySize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > MaxEntrySize {
		return nil, fmt.Errorf("entry %s exceeds maximum size of %d bytes", name, MaxEntrySize)
	}
	return data, nil
}

// extractPlugin writes the plugin library into dir/guid/. The directory is
// created if needed; an existing library with identical size is left alone.
func extractPlugin(dir, guid, name string, data []byte) (string, error) {
	target := filepath.Join(dir, guid)
	if err := os.MkdirAll(target, 0755); err != nil {
		return "", fmt.Errorf("creating plugin directory: %w", err)
	}

	dest := filepath.Join(target, name)
	if info, err := os.Stat(dest); err == nil && info.Size() == int64(len(data)) {
		return dest, nil
	}

	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, data, 0755); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("writing plugin: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("installing plugin: %w", err)
	}
	return dest, nil
}
