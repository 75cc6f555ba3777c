// Package clocksync implements per-connection offset/RTT estimation, used
// by the Playback Coordinator to pick a safe start-lead and exposed to
// clients for diagnostics only.
package clocksync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/waveroomhq/roomserver/internal/v1/bus"
	"github.com/waveroomhq/roomserver/internal/v1/domain"
	"github.com/waveroomhq/roomserver/internal/v1/metrics"
)

// offsetTTL bounds offset retention: offsets are kept for observability, not
// correctness, and expire after an hour of inactivity on the connection.
const offsetTTL = 1 * time.Hour

// sanityCapMs bounds what the server is willing to record; anything past
// this is almost certainly a clock that's wrong by more than jitter, and
// storing it would corrupt the lead-time computation's RTT percentile.
const sanityCapMs = 30_000

// PingResult is the reply to a sync:ping probe.
type PingResult struct {
	ClientT0 int64 `json:"clientT0"`
	ServerT1 int64 `json:"serverT1"`
	ServerT2 int64 `json:"serverT2"`
}

// Service stores and serves per-connection clock-sync state.
type Service struct {
	store *bus.Service
	roomID string
}

// New builds a clock-sync service for one room; roomID is used only as the
// metrics label. The Shared-State Store is process-wide, so keys are
// qualified by connection ID alone ("socket:{id}:offset").
func New(store *bus.Service, roomID string) *Service {
	return &Service{store: store, roomID: roomID}
}

// Ping handles sync:ping(client_t0): stamps the instant processing began
// (t1) and the instant just before replying (t2), and persists the derived
// offset best-effort. Persistence failures never block the reply.
func (s *Service) Ping(ctx context.Context, connID string, clientT0 int64) PingResult {
	serverT1 := nowMs()

	offset := serverT1 - clientT0
	if abs64(offset) <= sanityCapMs {
		rec := domain.PerConnectionSyncRecord{
			ConnectionID:  domain.ConnectionIDType(connID),
			ClockOffsetMs: offset,
			LastUpdated:   time.UnixMilli(serverT1),
		}
		if err := s.persist(ctx, connID, rec); err != nil {
			slog.Warn("clock-sync: failed to persist offset", "connID", connID, "error", err)
		}
		metrics.ClockOffsetMs.WithLabelValues(s.roomID).Observe(float64(abs64(offset)))
	} else {
		slog.Warn("clock-sync: discarding unusable offset", "connID", connID, "offsetMs", offset)
	}

	serverT2 := nowMs()
	return PingResult{ClientT0: clientT0, ServerT1: serverT1, ServerT2: serverT2}
}

// Report handles sync:report(rtt_ms): merges the client's observed RTT into
// the connection's stored record.
func (s *Service) Report(ctx context.Context, connID string, rttMs int64) {
	if rttMs < 0 || rttMs > sanityCapMs {
		slog.Warn("clock-sync: discarding unusable rtt report", "connID", connID, "rttMs", rttMs)
		return
	}

	rec, err := s.get(ctx, connID)
	if err != nil {
		slog.Warn("clock-sync: failed to load record for rtt report", "connID", connID, "error", err)
		rec = domain.PerConnectionSyncRecord{ConnectionID: domain.ConnectionIDType(connID)}
	}
	rec.LastRTTMs = rttMs
	rec.LastUpdated = time.Now()

	if err := s.persist(ctx, connID, rec); err != nil {
		slog.Warn("clock-sync: failed to persist rtt report", "connID", connID, "error", err)
	}
}

// RecentRTT returns the last reported RTT for a connection, or (0, false) if
// none has been recorded. Used by the Playback Coordinator's lead-time
// computation; a miss simply drops out of the percentile sample.
func (s *Service) RecentRTT(ctx context.Context, connID string) (int64, bool) {
	rec, err := s.get(ctx, connID)
	if err != nil || rec.LastRTTMs == 0 {
		return 0, false
	}
	return rec.LastRTTMs, true
}

func (s *Service) key(connID string) string {
	return fmt.Sprintf("socket:%s:offset", connID)
}

func (s *Service) persist(ctx context.Context, connID string, rec domain.PerConnectionSyncRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.store.SetEx(ctx, s.key(connID), string(data), offsetTTL)
}

func (s *Service) get(ctx context.Context, connID string) (domain.PerConnectionSyncRecord, error) {
	var rec domain.PerConnectionSyncRecord
	raw, err := s.store.Get(ctx, s.key(connID))
	if err != nil {
		return rec, err
	}
	if raw == "" {
		return rec, nil
	}
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return rec, err
	}
	return rec, nil
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
