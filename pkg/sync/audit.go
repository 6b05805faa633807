package sync

import (
	"os"
	"path/filepath"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/wpeztools/ezsync/pkg/errors"
)

// auditLog appends one structured line per significant transition (claim,
// per-item outcome, release) to a daily file under the logs working
// directory. It is separate from the console logger so operators can
// reconstruct a run after the fact.
type auditLog struct {
	logger *log.Logger
}

func newAuditLog(dir string, clock clockwork.Clock) (*auditLog, error) {
	path := filepath.Join(dir,
		"ezsync_"+clock.Now().Format("20060102")+".log")
	f, err := fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.WithContext(err, "open audit log")
	}

	logger := log.New()
	logger.SetOutput(f)
	logger.SetFormatter(&log.JSONFormatter{})
	return &auditLog{logger: logger}, nil
}

func (a *auditLog) event(category, action, who string) {
	a.logger.WithFields(log.Fields{
		"category": category,
		"action":   action,
		"who":      who,
	}).Info("transition")
}

func (a *auditLog) item(category, name string, err error) {
	fields := log.Fields{"category": category, "item": name}
	if err != nil {
		a.logger.WithFields(fields).WithError(err).Warn("item failed")
		return
	}
	a.logger.WithFields(fields).Info("item synced")
}

func (a *auditLog) run(category string, report Report) {
	a.logger.WithFields(log.Fields{
		"category": category,
		"synced":   len(report.Synced),
		"failed":   len(report.Failures),
	}).Info("run finished")
}
