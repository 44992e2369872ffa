// Package metrics holds the document pipeline counters.
package metrics

import "github.com/prometheus/client_golang/prometheus"

type Pipeline struct {
	Uploads        *prometheus.CounterVec
	Compensations  *prometheus.CounterVec
	OrphanBlobs    prometheus.Counter
	SweeperActions *prometheus.CounterVec
	Downloads      *prometheus.CounterVec
}

// NewPipeline registers the pipeline metrics on reg.
func NewPipeline(reg prometheus.Registerer) (*Pipeline, error) {
	p := &Pipeline{
		Uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docvault_uploads_total",
			Help: "Uploads by final outcome.",
		}, []string{"outcome"}),
		Compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docvault_compensations_total",
			Help: "Compensating blob deletes after a failed upload.",
		}, []string{"result"}),
		OrphanBlobs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docvault_orphan_blobs_total",
			Help: "Blobs left without a catalog record after compensation failed.",
		}),
		SweeperActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docvault_sweeper_actions_total",
			Help: "Reconciliation actions taken by the sweeper.",
		}, []string{"action"}),
		Downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docvault_downloads_total",
			Help: "Plaintext retrievals by outcome.",
		}, []string{"outcome"}),
	}
	for _, c := range []prometheus.Collector{p.Uploads, p.Compensations, p.OrphanBlobs, p.SweeperActions, p.Downloads} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Discard returns metrics registered on a throwaway registry.
func Discard() *Pipeline {
	p, _ := NewPipeline(prometheus.NewRegistry())
	return p
}
