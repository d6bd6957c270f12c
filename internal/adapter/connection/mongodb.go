package connection

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/semmidev/backt/internal/domain"
)

type MongoDBConnection struct {
	mu      sync.RWMutex
	client  *mongo.Client
	details domain.DatabaseDetails
}

func NewMongoDB() *MongoDBConnection {
	return &MongoDBConnection{}
}

func (c *MongoDBConnection) Kind() domain.EngineKind {
	return domain.EngineMongoDB
}

func (c *MongoDBConnection) Connect(ctx context.Context, details domain.DatabaseDetails) error {
	uri, err := MongoURI(details)
	if err != nil {
		return &domain.ConnectionError{Endpoint: details.Endpoint(), Cause: err}
	}

	opts := options.Client().ApplyURI(uri).SetServerSelectionTimeout(pingTimeout).SetConnectTimeout(pingTimeout)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return &domain.ConnectionError{Endpoint: details.Endpoint(), Cause: err}
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return &domain.ConnectionError{Endpoint: details.Endpoint(), Cause: err}
	}

	c.mu.Lock()
	previous := c.client
	c.client = client
	c.details = details
	c.mu.Unlock()

	if previous != nil {
		_ = previous.Disconnect(ctx)
	}
	return nil
}

func (c *MongoDBConnection) TestConnection(ctx context.Context) bool {
	client := c.handle()
	if client == nil {
		return false
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return client.Ping(pingCtx, readpref.Primary()) == nil
}

func (c *MongoDBConnection) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()

	if client == nil {
		return nil
	}
	if err := client.Disconnect(ctx); err != nil {
		return fmt.Errorf("close mongodb connection: %w", err)
	}
	return nil
}

func (c *MongoDBConnection) Connected() bool {
	return c.handle() != nil
}

func (c *MongoDBConnection) Details() domain.DatabaseDetails {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.details
}

func (c *MongoDBConnection) Version(ctx context.Context) (string, error) {
	client := c.handle()
	if client == nil {
		return "", domain.ErrNoActiveConnection
	}
	var info struct {
		Version string `bson:"version"`
	}
	err := client.Database("admin").RunCommand(ctx, bson.D{{Key: "buildInfo", Value: 1}}).Decode(&info)
	if err != nil {
		return "", fmt.Errorf("failed to get mongodb version: %w", err)
	}
	return info.Version, nil
}

func (c *MongoDBConnection) handle() *mongo.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

// MongoURI builds a connection string from details. An explicit URI wins for
// the endpoint, but credentials and auth source it lacks are filled in.
func MongoURI(d domain.DatabaseDetails) (string, error) {
	if d.URI != "" {
		u, err := url.Parse(d.URI)
		if err != nil {
			return "", fmt.Errorf("invalid mongodb uri: %w", err)
		}
		if u.Scheme != "mongodb" && u.Scheme != "mongodb+srv" {
			return "", fmt.Errorf("invalid mongodb uri scheme %q", u.Scheme)
		}
		if !mergeURICredentials(u, d) {
			return d.URI, nil
		}
		return u.String(), nil
	}
	if d.Host == "" {
		return "", fmt.Errorf("mongodb host is required")
	}

	port := d.Port
	if port == 0 {
		port = 27017
	}
	u := &url.URL{
		Scheme: "mongodb",
		Host:   net.JoinHostPort(d.Host, strconv.Itoa(port)),
		Path:   "/" + d.Database,
	}
	if d.Username != "" {
		u.User = url.UserPassword(d.Username, d.Password)
	}
	if d.AuthDatabase != "" {
		q := u.Query()
		q.Set("authSource", d.AuthDatabase)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// mergeURICredentials copies Username, Password and AuthDatabase into u where
// the URI leaves them out. It reports whether u changed.
func mergeURICredentials(u *url.URL, d domain.DatabaseDetails) bool {
	changed := false

	user := d.Username
	if u.User != nil {
		user = u.User.Username()
	}
	_, hasPassword := u.User.Password()
	if user != "" && (u.User == nil || (!hasPassword && d.Password != "")) {
		if d.Password != "" {
			u.User = url.UserPassword(user, d.Password)
		} else {
			u.User = url.User(user)
		}
		changed = true
	}

	q := u.Query()
	if d.AuthDatabase != "" && q.Get("authSource") == "" {
		q.Set("authSource", d.AuthDatabase)
		u.RawQuery = q.Encode()
		changed = true
	}
	return changed
}
