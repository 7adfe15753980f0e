package appid

// Build describes the running binary. main sets it once from ldflags.
type Build struct {
	Version   string
	Commit    string
	BuildDate string
}

var build = Build{Version: "dev", Commit: "unknown", BuildDate: "unknown"}

// SetBuild records build metadata. Empty fields keep their defaults.
func SetBuild(b Build) {
	if b.Version != "" {
		build.Version = b.Version
	}
	if b.Commit != "" {
		build.Commit = b.Commit
	}
	if b.BuildDate != "" {
		build.BuildDate = b.BuildDate
	}
}

// CurrentBuild returns the recorded build metadata.
func CurrentBuild() Build {
	return build
}
