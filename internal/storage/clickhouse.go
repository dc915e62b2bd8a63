package storage

import (
	"context"
	"crypto/tls"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	bufferSize    = 10_000
	flushInterval = 100 * time.Millisecond
	flushBatch    = 1000
	drainTimeout  = 2 * time.Second
)

// eventsTableDDL creates the analytics table when it does not exist yet.
const eventsTableDDL = `
	CREATE TABLE IF NOT EXISTS tool_gate_events (
		event_id     String,
		event_type   LowCardinality(String),
		timestamp    DateTime64(3),
		agent_id     String,
		channel_id   String,
		tool_name    LowCardinality(String),
		request_id   String,
		level        LowCardinality(String),
		outcome      LowCardinality(String),
		risk_score   Float32,
		latency_ms   Float32,
		payload_json String
	)
	ENGINE = MergeTree
	PARTITION BY toYYYYMM(timestamp)
	ORDER BY (tool_name, timestamp)
	TTL toDateTime(timestamp) + INTERVAL 90 DAY
`

// ClickHouseWriter batches pipeline events into the tool_gate_events table.
// Write never blocks; a full buffer drops the event and counts it.
type ClickHouseWriter struct {
	conn    driver.Conn
	send    func([]*PipelineEvent)
	buffer  chan *PipelineEvent
	done    chan struct{}
	flushed chan struct{}
	dropped atomic.Int64
	failed  atomic.Int64
	logger  *zap.Logger
}

// NewClickHouseWriter creates a ClickHouseWriter and starts the background flush loop.
func NewClickHouseWriter(dsn string, logger *zap.Logger) (*ClickHouseWriter, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}

	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		return nil, err
	}
	if err := conn.Exec(ctx, eventsTableDDL); err != nil {
		return nil, err
	}

	w := newWriter(nil, logger)
	w.conn = conn
	w.send = w.flush
	go w.flushLoop()
	return w, nil
}

func newWriter(send func([]*PipelineEvent), logger *zap.Logger) *ClickHouseWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClickHouseWriter{
		send:    send,
		buffer:  make(chan *PipelineEvent, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}
}

// Write queues an event for the next batch.
func (w *ClickHouseWriter) Write(event *PipelineEvent) {
	select {
	case w.buffer <- event:
	default:
		w.dropped.Add(1)
		w.logger.Warn("clickhouse buffer full, dropping event",
			zap.String("event_type", event.EventType),
			zap.String("request_id", event.RequestID),
		)
	}
}

// Stats reports events dropped on a full buffer and events lost to failed
// inserts.
func (w *ClickHouseWriter) Stats() (dropped, failed int64) {
	return w.dropped.Load(), w.failed.Load()
}

// Close drains buffered events into a final batch and closes the connection.
func (w *ClickHouseWriter) Close() {
	close(w.done)
	<-w.flushed
	if w.conn != nil {
		if err := w.conn.Close(); err != nil {
			w.logger.Warn("clickhouse close failed", zap.Error(err))
		}
	}
}

func (w *ClickHouseWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*PipelineEvent, 0, flushBatch)

	for {
		select {
		case event := <-w.buffer:
			batch = append(batch, event)
			if len(batch) >= flushBatch {
				w.send(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.send(batch)
				batch = batch[:0]
			}
		case <-w.done:
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
		drainLoop:
			for {
				select {
				case event := <-w.buffer:
					batch = append(batch, event)
				case <-drainCtx.Done():
					break drainLoop
				default:
					break drainLoop
				}
			}
			if len(batch) > 0 {
				w.send(batch)
			}
			return
		}
	}
}

func (w *ClickHouseWriter) flush(events []*PipelineEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, `
		INSERT INTO tool_gate_events (
			event_id, event_type, timestamp,
			agent_id, channel_id, tool_name, request_id,
			level, outcome, risk_score, latency_ms, payload_json
		)
	`)
	if err != nil {
		w.failed.Add(int64(len(events)))
		w.logger.Error("clickhouse prepare batch failed", zap.Error(err))
		return
	}

	for _, e := range events {
		if err := batch.Append(
			e.EventID,
			e.EventType,
			e.Timestamp,
			e.AgentID,
			e.ChannelID,
			e.ToolName,
			e.RequestID,
			e.Level,
			e.Outcome,
			e.RiskScore,
			e.LatencyMs,
			e.PayloadJSON,
		); err != nil {
			w.failed.Add(1)
			w.logger.Error("clickhouse append event failed",
				zap.String("event_id", e.EventID),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		w.failed.Add(int64(len(events)))
		w.logger.Error("clickhouse batch send failed",
			zap.Int("batch_size", len(events)),
			zap.Error(err),
		)
	}
}
