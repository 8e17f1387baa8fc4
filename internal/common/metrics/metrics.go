// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StepSubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flow_step_submissions_total",
			Help: "Total number of step submissions by flow step",
		},
		[]string{"step"},
	)

	StepSubmissionsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flow_step_submissions_failed_total",
			Help: "Total number of failed step submissions by step and error code",
		},
		[]string{"step", "error_code"},
	)

	StepSubmissionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "flow_step_submission_duration_seconds",
			Help: "Duration of step submission processing in seconds",
		},
		[]string{"step"},
	)

	SubmissionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flow_submissions_active",
			Help: "Number of submissions currently in flight per step",
		},
		[]string{"step"},
	)

	SmsResendTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flow_sms_resend_total",
			Help: "Total number of SMS resend attempts by result",
		},
		[]string{"result"},
	)

	ResumesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flow_existing_user_resumes_total",
			Help: "Total number of existing-user resume jumps by destination step",
		},
		[]string{"destination"},
	)
)
