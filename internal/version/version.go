package version

import "runtime/debug"

var (
	// Version is set with -ldflags "-X github.com/MEKXH/deskhand/internal/version.Version=v1.2.3".
	// It falls back to the module version stamped by go install.
	Version = "dev"
	// Commit is the VCS revision the binary was built from, when known.
	Commit = ""
)

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if Version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		Version = info.Main.Version
	}
	if Commit == "" {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" {
				Commit = s.Value
			}
		}
	}
}

// String renders the version with a short commit suffix when available.
func String() string {
	if len(Commit) >= 7 {
		return Version + " (" + Commit[:7] + ")"
	}
	return Version
}
