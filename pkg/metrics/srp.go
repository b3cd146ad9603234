package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// instruments is the full instrument set, created once per Init.
type instruments struct {
	commandsIssued    *prometheus.CounterVec
	commandsRetried   *prometheus.CounterVec
	commandsCompleted *prometheus.CounterVec

	loginAttempts   prometheus.Counter
	loginsCompleted *prometheus.CounterVec

	iusReceived    *prometheus.CounterVec
	iuDecodeErrors prometheus.Counter
	tagsActive     prometheus.Gauge
}

func newInstruments(reg *prometheus.Registry) *instruments {
	return &instruments{
		commandsIssued: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "srpblk_commands_issued_total",
				Help: "Commands handed to the transport, including reissues, by command kind",
			},
			[]string{"op"},
		),
		commandsRetried: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "srpblk_commands_retried_total",
				Help: "Command retry attempts by command kind",
			},
			[]string{"op"},
		),
		commandsCompleted: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "srpblk_commands_completed_total",
				Help: "Commands resolved to a final outcome by command kind and status",
			},
			[]string{"op", "status"},
		),
		loginAttempts: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "srpblk_login_attempts_total",
				Help: "Login requests sent",
			},
		),
		loginsCompleted: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "srpblk_logins_completed_total",
				Help: "Login handshakes resolved, by outcome",
			},
			[]string{"status"},
		),
		iusReceived: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "srpblk_ius_received_total",
				Help: "Inbound information units by type",
			},
			[]string{"type"},
		),
		iuDecodeErrors: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "srpblk_iu_decode_errors_total",
				Help: "Inbound units rejected as structurally invalid",
			},
		),
		tagsActive: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "srpblk_tags_active",
				Help: "Commands currently outstanding on the session",
			},
		),
	}
}

func status(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

// CommandIssued records one command handed to the transport.
func CommandIssued(op string) {
	if i := get(); i != nil {
		i.commandsIssued.WithLabelValues(op).Inc()
	}
}

// CommandRetried records one retry attempt.
func CommandRetried(op string) {
	if i := get(); i != nil {
		i.commandsRetried.WithLabelValues(op).Inc()
	}
}

// CommandCompleted records a command's final outcome.
func CommandCompleted(op string, ok bool) {
	if i := get(); i != nil {
		i.commandsCompleted.WithLabelValues(op, status(ok)).Inc()
	}
}

// LoginAttempt records one login request sent.
func LoginAttempt() {
	if i := get(); i != nil {
		i.loginAttempts.Inc()
	}
}

// LoginCompleted records a resolved login handshake.
func LoginCompleted(ok bool) {
	if i := get(); i != nil {
		i.loginsCompleted.WithLabelValues(status(ok)).Inc()
	}
}

// IUReceived records one inbound unit by type name.
func IUReceived(typeName string) {
	if i := get(); i != nil {
		i.iusReceived.WithLabelValues(typeName).Inc()
	}
}

// IUDecodeError records one structurally invalid inbound unit.
func IUDecodeError() {
	if i := get(); i != nil {
		i.iuDecodeErrors.Inc()
	}
}

// TagsActive records the current outstanding-command count.
func TagsActive(n int) {
	if i := get(); i != nil {
		i.tagsActive.Set(float64(n))
	}
}
