package watchdog

import (
	"fmt"
	"time"

	"gopkg.in/gomail.v2"

	"github.com/cylvy/landscape-pipeline/internal/logger"
)

// AlertLevel is one of the three thresholds spec §4.9 defines for a
// running pipeline's elapsed runtime.
type AlertLevel string

const (
	AlertWarning  AlertLevel = "warning"  // > 6h
	AlertCritical AlertLevel = "critical" // > 12h
	AlertStuck    AlertLevel = "stuck"    // > 24h
)

// AlertConfig configures outbound SMTP delivery for watchdog alerts.
// A zero-value config (no SMTPHost) means alerts are logged only,
// never mailed — the common case in development and in tests.
type AlertConfig struct {
	SMTPHost  string
	SMTPPort  int
	Username  string
	Password  string
	FromEmail string
	FromName  string
	To        []string
}

// Alerter delivers a watchdog alert. MailAlerter sends real email via
// gomail; LogAlerter (the default when no SMTP host is configured)
// only logs, grounded on the teacher's internal/notification EmailProvider
// dialer pattern, trimmed to the one fixed message shape the watchdog needs.
type Alerter interface {
	Alert(level AlertLevel, runID, project string, runtime time.Duration, detail string)
}

// LogAlerter logs alerts without attempting delivery.
type LogAlerter struct{ Log logger.Logger }

func (a LogAlerter) Alert(level AlertLevel, runID, project string, runtime time.Duration, detail string) {
	a.Log.Warn("pipeline run alert",
		logger.String("level", string(level)),
		logger.String("run_id", runID),
		logger.String("project", project),
		logger.Duration("runtime", runtime),
		logger.String("detail", detail))
}

// MailAlerter sends the alert as an email via SMTP, falling back to
// logging if delivery fails.
type MailAlerter struct {
	cfg    AlertConfig
	dialer *gomail.Dialer
	log    logger.Logger
}

// NewMailAlerter builds a MailAlerter from cfg, grounded on
// internal/notification's gomail.NewDialer usage.
func NewMailAlerter(cfg AlertConfig, log logger.Logger) *MailAlerter {
	return &MailAlerter{
		cfg:    cfg,
		dialer: gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.Username, cfg.Password),
		log:    log,
	}
}

func (a *MailAlerter) Alert(level AlertLevel, runID, project string, runtime time.Duration, detail string) {
	msg := gomail.NewMessage()
	msg.SetHeader("From", fmt.Sprintf("%s <%s>", a.cfg.FromName, a.cfg.FromEmail))
	msg.SetHeader("To", a.cfg.To...)
	msg.SetHeader("Subject", fmt.Sprintf("[%s] pipeline run %s (%s) has run for %s", level, runID, project, runtime.Round(time.Minute)))
	msg.SetBody("text/plain", fmt.Sprintf("Project: %s\nRun: %s\nLevel: %s\nRuntime: %s\n\n%s", project, runID, level, runtime, detail))

	if err := a.dialer.DialAndSend(msg); err != nil {
		a.log.Error("watchdog: alert email delivery failed", logger.Err(err), logger.String("run_id", runID))
	}
}
