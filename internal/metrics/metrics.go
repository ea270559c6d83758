package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PullConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_pull_connections_total",
		Help: "Total number of handled pull connections by outcome.",
	}, []string{"outcome"})
	PullRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_pull_rejected_total",
		Help: "Total number of rejected pull connections by reason.",
	}, []string{"reason"})
	PullActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "courier_pull_active_connections",
		Help: "Number of pull connections currently in flight.",
	})
	RegistryReloadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_registry_reloads_total",
		Help: "Total number of registry reloads triggered by file changes.",
	})
	RenewalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_certificate_renewals_total",
		Help: "Total number of certificate renewal attempts by status.",
	}, []string{"status"})
	PushCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_push_cycles_total",
		Help: "Total number of push deliveries by status.",
	}, []string{"status"})
)
