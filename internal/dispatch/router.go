package dispatch

import (
	"path/filepath"

	"github.com/rs/zerolog"

	"mailout/internal/task"
)

// routeDelivered moves a sent task's files into the origin's delivered
// folder. The message is already on the wire, so a move failure is
// logged but never reverts the recorded outcome.
func (e *Engine) routeDelivered(t task.Task, log zerolog.Logger) {
	e.moveAll(t.Files, e.fsys.Join(t.Origin, e.cfg.Folders.Delivered), log)
}

// routeFailed moves a failed task's files into the origin's failed
// folder, creating it on demand, so a human can remediate them.
func (e *Engine) routeFailed(t task.Task, log zerolog.Logger) {
	dest := e.fsys.Join(t.Origin, e.cfg.Folders.Failed)
	if err := e.fsys.MkdirAll(dest, 0o755); err != nil {
		log.Error().Err(err).Str("dir", dest).Msg("cannot create failed folder, files left in place")
		return
	}
	e.moveAll(t.Files, dest, log)
}

func (e *Engine) moveAll(files []string, destDir string, log zerolog.Logger) {
	for _, f := range files {
		target := e.fsys.Join(destDir, filepath.Base(f))
		if err := e.fsys.Rename(f, target); err != nil {
			log.Error().Err(err).Str("file", f).Str("dest", destDir).Msg("file move failed")
			continue
		}
		log.Debug().Str("file", filepath.Base(f)).Str("dest", destDir).Msg("file moved")
	}
}
