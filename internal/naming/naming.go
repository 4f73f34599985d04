// Package naming computes destination addresses (log groups, log streams, local paths) from identity tags.
package naming

import (
	"path/filepath"
	"time"

	"github.com/uselesscalc/orchestrator/internal/event"
)

// DefaultLocalRoot is the root directory for the local file hierarchy.
const DefaultLocalRoot = "logs"

// streamDateLayout renders the date component of a log stream (YYYY/MM/DD).
const streamDateLayout = "2006/01/02"

// LogGroup returns "/{environment}/{application}/{kind}".
func LogGroup(id event.Identity, kind event.Kind) string {
	return "/" + id.Environment + "/" + id.Application + "/" + kind.String()
}

// LogStream returns "{service}/{host}/{YYYY/MM/DD}" for the UTC date of t.
func LogStream(id event.Identity, t time.Time) string {
	return id.Service + "/" + id.Host + "/" + t.UTC().Format(streamDateLayout)
}

// LocalDir returns "{root}/{environment}/{application}/{service}/{kind}".
func LocalDir(root string, id event.Identity, kind event.Kind) string {
	return filepath.Join(root, id.Environment, id.Application, id.Service, kind.String())
}

// LocalFile returns the appendable file for kind inside LocalDir.
func LocalFile(root string, id event.Identity, kind event.Kind) string {
	return filepath.Join(LocalDir(root, id, kind), kind.String()+".log")
}
