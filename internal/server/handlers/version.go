package handlers

import (
	"encoding/json"
	"net/http"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"

	"github.com/cryptowealth/datahub/internal/appid"
)

// VersionResponse is the body of GET /version.
type VersionResponse struct {
	App          AppInfo     `json:"app"`
	Upstreams    []string    `json:"upstreams"`
	Dependencies DepInfo     `json:"dependencies"`
	Runtime      RuntimeInfo `json:"runtime"`
}

// AppInfo contains application version details
type AppInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version"`
	Commit      string `json:"git_commit"`
	BuildDate   string `json:"build_date"`
	GoVersion   string `json:"go_version,omitempty"`
}

// DepInfo contains dependency version information
type DepInfo struct {
	Gofulmen string `json:"gofulmen"`
	Crucible string `json:"crucible"`
}

// RuntimeInfo contains runtime environment information
type RuntimeInfo struct {
	Platform      string `json:"platform"`
	NumCPU        int    `json:"num_cpu"`
	NumGoroutines int    `json:"num_goroutines"`
}

// NewVersionHandler reports identity, build and the enabled upstreams. A
// zero identity falls back to the compiled one.
func NewVersionHandler(identity appid.Identity, upstreams []string) http.HandlerFunc {
	if identity.BinaryName == "" {
		identity = appid.Get()
	}
	if upstreams == nil {
		upstreams = []string{}
	}
	return func(w http.ResponseWriter, r *http.Request) {
		deps := crucible.GetVersion()
		b := appid.CurrentBuild()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(VersionResponse{
			App: AppInfo{
				Name:        identity.BinaryName,
				Description: identity.Description,
				Version:     b.Version,
				Commit:      b.Commit,
				BuildDate:   b.BuildDate,
				GoVersion:   runtime.Version(),
			},
			Upstreams: upstreams,
			Dependencies: DepInfo{
				Gofulmen: deps.Gofulmen,
				Crucible: deps.Crucible,
			},
			Runtime: RuntimeInfo{
				Platform:      runtime.GOOS + "/" + runtime.GOARCH,
				NumCPU:        runtime.NumCPU(),
				NumGoroutines: runtime.NumGoroutine(),
			},
		})
	}
}
