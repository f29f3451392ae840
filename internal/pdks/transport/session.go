// Package transport speaks the binary protocol of the biometric terminals:
// framed request/response commands over TCP to read users and attendance
// records and to write or delete users.
//
// The package performs no retries. A Session is single-use and must be
// released with Close on every path; WithSession does that for callers.
package transport

import (
	"context"
	"net"
	"strconv"
	"time"
)

// Endpoint identifies one terminal.
type Endpoint struct {
	Host    string
	Port    int
	CommKey string
}

func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Session is an open, authenticated command session with one terminal.
type Session interface {
	GetUserList(ctx context.Context) ([]DeviceUser, error)
	// GetAttendanceLog returns records at or after since in ascending time
	// order. A zero since returns everything.
	GetAttendanceLog(ctx context.Context, since time.Time) ([]RawPunch, error)
	SetUser(ctx context.Context, u DeviceUser) error
	DeleteUser(ctx context.Context, uid int) error
	ClearAttendanceLog(ctx context.Context) error
	GetDeviceInfo(ctx context.Context) (map[string]string, error)
	Close() error
}

// Dialer opens authenticated sessions. Alternative vendor protocols plug in
// here.
type Dialer interface {
	Dial(ctx context.Context, ep Endpoint) (Session, error)
}

// WithSession dials ep, runs fn and always closes the session afterwards.
func WithSession(ctx context.Context, d Dialer, ep Endpoint, fn func(Session) error) error {
	s, err := d.Dial(ctx, ep)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}
