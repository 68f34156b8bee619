package tus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChunkBytesTotal counts accepted chunk bytes.
	ChunkBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coursemedia_tus_chunk_bytes_total",
		Help: "Bytes accepted through the chunk-upload protocol",
	})

	// ConflictsTotal counts offset-mismatch responses.
	ConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coursemedia_tus_offset_conflicts_total",
		Help: "Chunk writes rejected with the session's true offset",
	})

	// CompletionsTotal counts finalized chunk uploads.
	CompletionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coursemedia_tus_completions_total",
		Help: "Chunk sessions completed and finalized",
	})
)
