package dispatch

import "metallibgen/internal/matrix"

// Environment is the set of TargetConditionals macros that are non-zero for
// a concrete build.
type Environment struct {
	OSX         bool
	MacCatalyst bool
	IOS         bool
	Simulator   bool
}

// ConcreteEnvironment pairs a real build configuration with the platform
// whose library it must select.
type ConcreteEnvironment struct {
	Name string
	Env  Environment
	Want matrix.Platform
}

// SupportedEnvironments lists every concrete configuration the document has
// to resolve. Mac Catalyst defines TARGET_OS_IOS but runs the macOS library.
func SupportedEnvironments() []ConcreteEnvironment {
	return []ConcreteEnvironment{
		{Name: "macOS", Env: Environment{OSX: true}, Want: matrix.PlatformMacOS},
		{Name: "Mac Catalyst", Env: Environment{MacCatalyst: true, IOS: true}, Want: matrix.PlatformMacOS},
		{Name: "iOS simulator", Env: Environment{IOS: true, Simulator: true}, Want: matrix.PlatformIOSSimulator},
		{Name: "iOS device", Env: Environment{IOS: true}, Want: matrix.PlatformIOS},
	}
}

// Holds reports whether the predicate of p is true in env.
func Holds(p matrix.Platform, env Environment) bool {
	switch p {
	case matrix.PlatformMacOS:
		return env.OSX || env.MacCatalyst
	case matrix.PlatformIOSSimulator:
		return env.IOS && env.Simulator
	case matrix.PlatformIOS:
		return env.IOS
	default:
		return false
	}
}

// Select evaluates the #if/#elif chain of branches the way the preprocessor
// does and returns the index of the active branch, or -1 if none is.
func Select(branches []Branch, env Environment) int {
	for i, br := range branches {
		if Holds(br.Platform, env) {
			return i
		}
	}
	return -1
}
