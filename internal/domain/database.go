package domain

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

type EngineKind string

const (
	EngineMySQL      EngineKind = "mysql"
	EnginePostgreSQL EngineKind = "postgresql"
	EngineMongoDB    EngineKind = "mongodb"
)

func (e EngineKind) String() string {
	return string(e)
}

func ParseEngineKind(s string) (EngineKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mysql", "mariadb":
		return EngineMySQL, nil
	case "postgresql", "postgres", "pg":
		return EnginePostgreSQL, nil
	case "mongodb", "mongo":
		return EngineMongoDB, nil
	}
	return "", &UnsupportedEngineError{Engine: s}
}

// DatabaseDetails holds either Host/Port or a full connection URI.
type DatabaseDetails struct {
	Host         string
	Port         int
	URI          string
	Username     string
	Password     string
	Database     string
	SSLMode      string
	AuthDatabase string
}

// Endpoint is the printable location of the server, never containing the password.
func (d DatabaseDetails) Endpoint() string {
	if d.URI != "" {
		u, err := url.Parse(d.URI)
		if err != nil {
			return "<invalid uri>"
		}
		return u.Redacted()
	}
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

func (d DatabaseDetails) String() string {
	return fmt.Sprintf("%s@%s/%s", d.Username, d.Endpoint(), d.Database)
}

type DatabaseConnection interface {
	Kind() EngineKind
	Connect(ctx context.Context, details DatabaseDetails) error
	TestConnection(ctx context.Context) bool
	Disconnect(ctx context.Context) error
	Connected() bool
	Details() DatabaseDetails
	Version(ctx context.Context) (string, error)
}

// Session is the explicit per-caller slot for one active connection.
type Session struct {
	Engine EngineKind
	Conn   DatabaseConnection
}

func (s *Session) Active() bool {
	return s != nil && s.Conn != nil && s.Conn.Connected()
}

func (s *Session) Close(ctx context.Context) error {
	if s == nil || s.Conn == nil {
		return nil
	}
	return s.Conn.Disconnect(ctx)
}
