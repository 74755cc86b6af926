package service

import (
	"context"
	"time"

	"spa_engine/internal/models"
)

const (
	healthOK       = "ok"
	healthDegraded = "degraded"
)

// HealthInfo is the liveness summary.
type HealthInfo struct {
	Status     string                 `json:"status"`
	Version    string                 `json:"version"`
	UptimeS    int64                  `json:"uptime_s"`
	Connection models.ConnectionState `json:"connection"`
}

type stateViewer interface {
	View() models.StateView
}

type statusSource interface {
	Status() models.ConnectionStatus
}

// MonitoringService exposes read-only device state.
type MonitoringService struct {
	cache   stateViewer
	conn    statusSource
	version string
	started time.Time
	nowFunc func() time.Time
}

func NewMonitoringService(cache stateViewer, conn statusSource, version string) *MonitoringService {
	return &MonitoringService{cache: cache, conn: conn, version: version, started: time.Now(), nowFunc: time.Now}
}

// GetState returns the latest snapshot annotated with the connection status. Before the
// first read the snapshot is nil; it never blocks waiting for the device.
func (s *MonitoringService) GetState(ctx context.Context) (models.StateView, error) {
	if err := ctx.Err(); err != nil {
		return models.StateView{}, err
	}
	v := s.cache.View()
	if v.LastUpdated != nil {
		at := toUTC(*v.LastUpdated)
		v.LastUpdated = &at
	}
	return v, nil
}

// Health never touches the device and does not count as interest.
func (s *MonitoringService) Health() HealthInfo {
	st := s.conn.Status()
	status := healthDegraded
	if st.Connected() {
		status = healthOK
	}
	return HealthInfo{
		Status:     status,
		Version:    s.version,
		UptimeS:    int64(s.nowFunc().Sub(s.started).Seconds()),
		Connection: st.State,
	}
}
