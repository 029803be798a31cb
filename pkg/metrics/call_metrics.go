package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Call session metrics
var (
	CallSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "call_sessions_active",
		Help: "Current number of call sessions not yet ended",
	})

	CallSessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_sessions_total",
		Help: "Total number of call sessions started",
	}, []string{"role", "kind"})

	CallOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_outcomes_total",
		Help: "Total number of finished calls by outcome and termination reason",
	}, []string{"outcome", "reason"})

	CallDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "call_duration_seconds",
		Help:    "Connected duration of completed calls",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	}, []string{"kind"})

	CallConnectSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "call_connect_seconds",
		Help:    "Time from session start to connected",
		Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30},
	})

	SignalingMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_signaling_messages_total",
		Help: "Signaling messages sent and received",
	}, []string{"direction", "kind"})

	CallHistoryWriteErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_history_write_errors_total",
		Help: "History inserts that failed and were dropped",
	})

	CallInvitesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_invites_total",
		Help: "Incoming call invites by resolution",
	}, []string{"resolution"}) // received, accepted, declined, missed

	PushNotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_push_notifications_total",
		Help: "Incoming-call push notifications by status",
	}, []string{"status"})
)
