package syncmgr

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// RemoteEvent is broadcast by the endpoint after it accepts a push.
type RemoteEvent struct {
	DataType  string    `json:"dataType"`
	UserID    string    `json:"userId"`
	DeviceID  string    `json:"deviceId"`
	Timestamp time.Time `json:"timestamp"`
}

type StateListener interface {
	HandleSyncState(State)
}

type StateListenerFunc func(State)

func (f StateListenerFunc) HandleSyncState(s State) {
	f(s)
}

// Subscribe registers l for state changes and returns a func that removes it.
func (m *Manager) Subscribe(l StateListener) func() {
	if l == nil {
		return func() {}
	}
	m.lmu.Lock()
	m.nextListener++
	id := m.nextListener
	m.listeners[id] = l
	m.lmu.Unlock()
	return func() {
		m.lmu.Lock()
		delete(m.listeners, id)
		m.lmu.Unlock()
	}
}

func (m *Manager) notify(s State) {
	m.lmu.RLock()
	listeners := make([]StateListener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.lmu.RUnlock()
	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("sync state listener panicked", zap.Any("panic", r))
				}
			}()
			l.HandleSyncState(s)
		}()
	}
}

const reconnectDelay = 5 * time.Second

func (m *Manager) startNotificationsLocked() {
	if !m.settings.Notifications || m.loopCtx == nil {
		return
	}
	client, ok := m.client.(*HTTPClient)
	if !ok {
		return
	}
	ctx, cancel := context.WithCancel(m.loopCtx)
	m.stopNotify = cancel
	go m.listen(ctx, client)
}

func (m *Manager) stopNotificationsLocked() {
	if m.stopNotify != nil {
		m.stopNotify()
		m.stopNotify = nil
	}
}

func (m *Manager) listen(ctx context.Context, client *HTTPClient) {
	for {
		err := m.listenOnce(ctx, client)
		if ctx.Err() != nil {
			return
		}
		m.logger.Debug("notification stream closed; reconnecting", zap.Error(err))
		timer := time.NewTimer(reconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (m *Manager) listenOnce(ctx context.Context, client *HTTPClient) error {
	endpoint, err := eventsURL(client.BaseURL())
	if err != nil {
		return err
	}
	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPHeader: client.authHeaders(),
	})
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	m.logger.Debug("subscribed to remote change notifications", zap.String("url", endpoint))

	for {
		var ev RemoteEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			return err
		}
		m.handleRemoteEvent(ctx, ev)
	}
}

// handleRemoteEvent pulls the named data type unless the event is our own
// echo, a full sync is already running or a conflict on it is open. The local
// copy is pushed back when the pull keeps it. The endpoint only sends events for
// the account the token belongs to.
func (m *Manager) handleRemoteEvent(ctx context.Context, ev RemoteEvent) {
	if ev.DeviceID != "" && ev.DeviceID == m.deviceID {
		return
	}
	if !m.knownDataType(ev.DataType) || m.conflictOpen(ev.DataType) {
		return
	}
	if !m.opMu.TryLock() {
		return
	}
	defer m.opMu.Unlock()

	tr := TypeResult{DataType: ev.DataType}
	err := m.pullAndSettle(ctx, ev.DataType, &tr)
	conflicts := 0
	if tr.Pull.Conflict {
		conflicts = 1
	}
	m.recordOutcome(err, conflicts)
	if err != nil {
		m.logger.Warn("notification pull failed", zap.String("data_type", ev.DataType), zap.Error(err))
		return
	}
	m.logger.Debug("notification pull",
		zap.String("data_type", ev.DataType),
		zap.String("outcome", string(tr.Pull.Outcome)),
		zap.Bool("pushed", tr.Pushed),
	)
}

func (m *Manager) knownDataType(dataType string) bool {
	for _, dt := range m.source.DataTypes() {
		if dt == dataType {
			return true
		}
	}
	return false
}

func eventsURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.New("unsupported endpoint scheme " + u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/sync/events"
	return u.String(), nil
}
