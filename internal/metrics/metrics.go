// Package metrics exposes prometheus instrumentation for the chat core.
// The exporter runs on its own plain HTTP listener so the main app surface
// stays untouched.
package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_published_total",
		Help: "Chat messages accepted by moderation and published.",
	})
	MessagesBlocked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_blocked_total",
		Help: "Messages rejected by the content filter.",
	})
	MessagesFiltered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_filtered_total",
		Help: "Messages delivered with profanity masked.",
	})
	MessagesDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_deleted_total",
		Help: "Moderator message deletions recorded in the audit trail.",
	})
	UsersMuted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_users_muted_total",
		Help: "Mute records created or superseded.",
	})
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_rate_limited_total",
		Help: "Send attempts rejected by the per-user rate window.",
	})
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chat_active_connections",
		Help: "Clients currently registered on the hub.",
	})
	PendingQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chat_pending_queue_depth",
		Help: "Envelopes queued for offline delivery.",
	})
)

// Serve exposes /metrics on addr. Blocks; run in a goroutine.
func Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	log.Printf("metrics listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("metrics server stopped: %v", err)
	}
}
