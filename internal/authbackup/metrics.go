package authbackup

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	backupWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wabot_auth_backup_writes_total",
		Help: "Credential backup writes per tier and result.",
	}, []string{"tier", "result"})

	restores = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wabot_auth_restores_total",
		Help: "Credential restores per source tier.",
	}, []string{"tier"})

	lastBackup = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wabot_auth_last_backup_timestamp_seconds",
		Help: "Unix time of the last successful credential backup.",
	})
)
