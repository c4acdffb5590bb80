package core

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the auth counters. A nil *Metrics records nothing.
type Metrics struct {
	verificationsIssued *prometheus.CounterVec
	verifications       *prometheus.CounterVec
	logins              *prometheus.CounterVec
	sessionsCreated     prometheus.Counter
}

// NewMetrics registers the auth counters on reg. A nil reg disables metrics.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &Metrics{
		verificationsIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "auth",
			Name:      "verifications_issued_total",
			Help:      "Verification codes issued, by type.",
		}, []string{"type"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "auth",
			Name:      "verification_attempts_total",
			Help:      "Verification code submissions, by type and result.",
		}, []string{"type", "result"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "auth",
			Name:      "logins_total",
			Help:      "Password logins, by result.",
		}, []string{"result"}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "auth",
			Name:      "sessions_created_total",
			Help:      "Sessions created.",
		}),
	}

	for _, c := range []prometheus.Collector{m.verificationsIssued, m.verifications, m.logins, m.sessionsCreated} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) verificationIssued(typ VerificationType) {
	if m == nil {
		return
	}
	m.verificationsIssued.WithLabelValues(string(typ)).Inc()
}

func (m *Metrics) verificationAttempt(typ VerificationType, result string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(string(typ), result).Inc()
}

func (m *Metrics) login(result string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(result).Inc()
}

func (m *Metrics) sessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
}
