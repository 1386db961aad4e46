// Package buildinfo reports the agent's version, set at build time.
package buildinfo

import (
	"encoding/json"
	"net/http"
	"runtime"
)

// Set via ldflags:
// -X github.com/otherjamesbrown/penf-capture/pkg/buildinfo.Version=v0.3.1
// -X github.com/otherjamesbrown/penf-capture/pkg/buildinfo.Commit=4f1c2aa
// -X github.com/otherjamesbrown/penf-capture/pkg/buildinfo.BuildTime=2026-06-01T08:00:00Z
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Product is the agent's name in user agents and version output.
const Product = "penf-capture"

// Info holds build information.
type Info struct {
	Product   string `json:"product"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Get returns the build info of the running binary.
func Get() Info {
	return Info{
		Product:   Product,
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// String returns a one-liner like "v0.3.1 (4f1c2aa, 2026-06-01T08:00:00Z)".
func String() string {
	return Version + " (" + Commit + ", " + BuildTime + ")"
}

// UserAgent is sent with every backend request.
func UserAgent() string {
	return Product + "/" + Version + " (" + runtime.GOOS + ")"
}

// Handler serves the build info as JSON.
func Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Get())
	}
}
