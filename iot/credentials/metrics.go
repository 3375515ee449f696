// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package credentials

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/relabs-tech/devicecerts/iot/pki"
)

var (
	issuanceCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devicecerts_issuance_total",
		Help: "Total number of device certificate issuances",
	}, []string{"result"}) // result: success or the error kind

	issuanceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "devicecerts_issuance_duration_seconds",
		Help:    "Duration of device creation including key generation, signing and packaging",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	deletedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "devicecerts_devices_deleted_total",
		Help: "Total number of deleted devices",
	})

	reconcileRemovedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "devicecerts_reconcile_removed_total",
		Help: "Total number of orphaned artifact sets removed by reconciliation",
	})
)

func recordIssuance(err error, seconds float64) {
	result := "success"
	if err != nil {
		result = pki.KindOf(err).String()
	}
	issuanceCounter.WithLabelValues(result).Inc()
	issuanceDuration.Observe(seconds)
}
