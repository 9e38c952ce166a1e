// Package bundle reads and validates versioned asset bundles.
//
// A bundle is a zip archive with a root manifest.json plus platform-specific
// payload entries. Entry names are never built ad hoc by callers: they are
// resolved from a tagged Key{Category, Platform, Kind} through a lookup table.
package bundle

import (
	"fmt"
	"runtime"
)

// Category is the kind of asset a bundle carries.
type Category string

const (
	Environment Category = "environment"
	Vehicle     Category = "vehicle"
	Sensor      Category = "sensor"
)

// Format versions each category is expected to carry in its manifest.
const (
	EnvironmentFormatVersion = 6
	VehicleFormatVersion     = 6
	SensorFormatVersion      = 3
)

var expectedVersions = map[Category]int{
	Environment: EnvironmentFormatVersion,
	Vehicle:     VehicleFormatVersion,
	Sensor:      SensorFormatVersion,
}

// ExpectedVersion returns the manifest format version required for c.
func ExpectedVersion(c Category) int {
	return expectedVersions[c]
}

// ParseCategory maps a name to a Category.
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if _, ok := expectedVersions[c]; !ok {
		return "", fmt.Errorf("unknown bundle category %q (valid: environment, vehicle, sensor)", s)
	}
	return c, nil
}

// Platform identifies the native platform a payload was built for.
type Platform string

const (
	Windows Platform = "windows"
	Linux   Platform = "linux"
)

// CurrentPlatform returns the platform simcore is running on. Anything that
// is not Windows loads Linux payloads.
func CurrentPlatform() Platform {
	if runtime.GOOS == "windows" {
		return Windows
	}
	return Linux
}

// ParsePlatform maps a name to a Platform; empty selects CurrentPlatform.
func ParsePlatform(s string) (Platform, error) {
	switch s {
	case "":
		return CurrentPlatform(), nil
	case string(Windows):
		return Windows, nil
	case string(Linux):
		return Linux, nil
	default:
		return "", fmt.Errorf("unknown platform %q (valid: windows, linux)", s)
	}
}

// Kind is the role of a payload entry inside a bundle.
type Kind int

const (
	KindMain Kind = iota
	KindTextures
	KindPlugin
)

func (k Kind) String() string {
	switch k {
	case KindMain:
		return "main"
	case KindTextures:
		return "textures"
	case KindPlugin:
		return "plugin"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Key addresses one payload entry.
type Key struct {
	Category Category
	Platform Platform
	Kind     Kind
}

// entryNames resolves a Key to an archive entry name. The plugin entry is
// named after the manifest's native plugin rather than the asset GUID.
var entryNames = map[Kind]func(m Manifest, k Key) string{
	KindMain: func(m Manifest, k Key) string {
		return fmt.Sprintf("%s_%s_main_%s", m.AssetGUID, k.Category, k.Platform)
	},
	KindTextures: func(m Manifest, k Key) string {
		return fmt.Sprintf("%s_%s_textures", m.AssetGUID, k.Category)
	},
	KindPlugin: func(m Manifest, k Key) string {
		if m.FMUName == "" {
			return ""
		}
		return m.FMUName + "_" + pluginSuffix[k.Platform]
	},
}

var pluginSuffix = map[Platform]string{
	Windows: "windows.dll",
	Linux:   "linux.so",
}

// EntryName returns the archive entry name for k in a bundle described by m.
// It returns "" when the entry cannot exist (no plugin declared).
func EntryName(m Manifest, k Key) string {
	resolve, ok := entryNames[k.Kind]
	if !ok {
		return ""
	}
	return resolve(m, k)
}
