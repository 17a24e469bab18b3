package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"hwtelemetry/internal/telemetry"

	godbus "github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
)

const (
	busName   = "io.github.hwtelemetry"
	objPath   = "/io/github/hwtelemetry"
	ifaceName = "io.github.hwtelemetry"
)

const introspectXML = `
<node>
  <interface name="` + ifaceName + `">
    <method name="GetSnapshot">
      <arg direction="out" type="s" name="json"/>
    </method>
    <method name="GetHealth">
      <arg direction="out" type="s" name="health"/>
    </method>
    <signal name="Updated">
      <arg type="t" name="sequence"/>
      <arg type="s" name="health"/>
    </signal>
  </interface>
` + introspect.IntrospectDataString + `
</node>`

var errNoSnapshot = errors.New("no snapshot published yet")

// snapshotService методы, экспортируемые на шину
type snapshotService struct {
	mu     sync.RWMutex
	latest *telemetry.Snapshot
}

func (s *snapshotService) store(snap *telemetry.Snapshot) {
	s.mu.Lock()
	s.latest = snap
	s.mu.Unlock()
}

func (s *snapshotService) load() *telemetry.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

// GetSnapshot возвращает последний снимок в JSON
func (s *snapshotService) GetSnapshot() (string, *godbus.Error) {
	snap := s.load()
	if snap == nil {
		return "", godbus.MakeFailedError(errNoSnapshot)
	}
	data, err := marshalSnapshot(snap)
	if err != nil {
		return "", godbus.MakeFailedError(err)
	}
	return string(data), nil
}

// GetHealth возвращает итоговое состояние последнего снимка
func (s *snapshotService) GetHealth() (string, *godbus.Error) {
	snap := s.load()
	if snap == nil {
		return string(telemetry.HealthUnknown), nil
	}
	return string(snap.Health), nil
}

// DBus публикует последний снимок на сессионной шине
type DBus struct {
	svc  *snapshotService
	conn *godbus.Conn
}

// NewDBus подключается к сессионной шине и регистрирует сервис
func NewDBus() (*DBus, error) {
	conn, err := godbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}

	d := &DBus{svc: &snapshotService{}, conn: conn}
	if err := d.export(); err != nil {
		conn.Close()
		return nil, err
	}
	return d, nil
}

func (d *DBus) export() error {
	if err := d.conn.Export(d.svc, objPath, ifaceName); err != nil {
		return fmt.Errorf("export service: %w", err)
	}
	if err := d.conn.Export(introspect.Introspectable(introspectXML), objPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("export introspection: %w", err)
	}

	reply, err := d.conn.RequestName(busName, godbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("request name: %w", err)
	}
	if reply != godbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("name %s already taken", busName)
	}
	return nil
}

func (d *DBus) Publish(_ context.Context, snap *telemetry.Snapshot) error {
	d.svc.store(snap)
	if d.conn == nil {
		return nil
	}
	if err := d.conn.Emit(objPath, ifaceName+".Updated", snap.Sequence, string(snap.Health)); err != nil {
		return fmt.Errorf("emit update signal: %w", err)
	}
	return nil
}

func (d *DBus) Close() error {
	if d.conn == nil {
		return nil
	}
	return d.conn.Close()
}
