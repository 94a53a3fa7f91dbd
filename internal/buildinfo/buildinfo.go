// Package buildinfo carries version data stamped at link time:
//
//	go build -ldflags "-X garagemsg/internal/buildinfo.Version=v1.2.0 -X garagemsg/internal/buildinfo.Commit=$(git rev-parse --short HEAD)"
package buildinfo

import "runtime"

var (
	Version = "dev"
	Commit  = ""
	BuiltAt = ""
)

func Info() map[string]string {
	return map[string]string{
		"version":   Version,
		"commit":    Commit,
		"builtAt":   BuiltAt,
		"goVersion": runtime.Version(),
	}
}
