// Package metrics exposes Prometheus counters for the interview server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "opi"

var (
	// TurnsTotal counts committed transcript turns by role.
	TurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "turns_total",
		Help:      "Transcript turns committed, by role.",
	}, []string{"role"})

	// GenerationFailures counts failed generation attempts by candidate model.
	GenerationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "generation_failures_total",
		Help:      "Failed generation attempts, by candidate model.",
	}, []string{"model"})

	// DegradedArtifacts counts degraded text substituted after every candidate failed.
	DegradedArtifacts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "degraded_artifacts_total",
		Help:      "Degraded question/evaluation/summary texts, by kind.",
	}, []string{"kind"})

	// RecordingsRejected counts recordings that did not produce a student turn.
	RecordingsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "recordings_rejected_total",
		Help:      "Recordings discarded or sent back for retry, by reason.",
	}, []string{"reason"})

	// SessionsFinished counts sessions reaching the terminal state, by mode.
	SessionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_finished_total",
		Help:      "Interview sessions that reached the finished state, by mode.",
	}, []string{"mode"})

	// ResultSaves counts result persistence outcomes.
	ResultSaves = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "result_saves_total",
		Help:      "Result row persistence attempts, by outcome.",
	}, []string{"outcome"})

	// SessionsEvicted counts idle sessions dropped from memory.
	SessionsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_evicted_total",
		Help:      "Idle interview sessions removed from memory.",
	})

	// LiveSessions reports the sessions held in memory after the last sweep.
	LiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "live_sessions",
		Help:      "Interview sessions held in memory.",
	})
)
