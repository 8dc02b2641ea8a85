package matrix

import "fmt"

// Platform identifies a concrete (operating system, device/simulator) pair
// that a shader library is built for.
type Platform string

const (
	PlatformMacOS        Platform = "macos"
	PlatformIOSSimulator Platform = "ios_sim"
	PlatformIOS          Platform = "ios"
)

// OS is the operating-system family a Platform belongs to. Variant API pins
// are keyed by OS so that the device and simulator builds share one pin.
type OS string

const (
	OSMacOS OS = "macos"
	OSIOS   OS = "ios"
)

// Platforms returns every supported platform in canonical rank order:
// desktop first, then simulator, then device.
func Platforms() []Platform {
	return []Platform{PlatformMacOS, PlatformIOSSimulator, PlatformIOS}
}

// ParsePlatform validates a raw platform identifier.
func ParsePlatform(raw string) (Platform, error) {
	switch p := Platform(raw); p {
	case PlatformMacOS, PlatformIOSSimulator, PlatformIOS:
		return p, nil
	default:
		return "", invalidf("unknown platform %q (expected macos|ios_sim|ios)", raw)
	}
}

// Rank is the platform's position in the dispatch order.
func (p Platform) Rank() int {
	switch p {
	case PlatformMacOS:
		return 0
	case PlatformIOSSimulator:
		return 1
	case PlatformIOS:
		return 2
	default:
		return 1000
	}
}

func (p Platform) OS() OS {
	if p == PlatformMacOS {
		return OSMacOS
	}
	return OSIOS
}

func (p Platform) Simulator() bool { return p == PlatformIOSSimulator }

// SDK is the xcrun SDK name for the platform.
func (p Platform) SDK() string {
	switch p {
	case PlatformMacOS:
		return "macosx"
	case PlatformIOSSimulator:
		return "iphonesimulator"
	default:
		return "iphoneos"
	}
}

// VersionMinFlag renders the deployment-target flag for version.
func (p Platform) VersionMinFlag(version string) string {
	switch p {
	case PlatformMacOS:
		return fmt.Sprintf("-mmacosx-version-min=%s", version)
	case PlatformIOSSimulator:
		return fmt.Sprintf("-mios-simulator-version-min=%s", version)
	default:
		return fmt.Sprintf("-mios-version-min=%s", version)
	}
}

// Suffix is used in generated and intermediate file names.
func (p Platform) Suffix() string {
	if p == PlatformMacOS {
		return "mac"
	}
	return string(p)
}

func (p Platform) String() string { return string(p) }
