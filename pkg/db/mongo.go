package db

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const defaultMongoDatabase = "lead_ingestor"

// Mongo wraps a mongo client and the database named in the URI.
type Mongo struct {
	Client   *mongo.Client
	Database *mongo.Database
}

// NewMongo connects and pings. The database is taken from the URI path,
// falling back to "lead_ingestor".
func NewMongo(ctx context.Context, uri string) (*Mongo, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri).SetMaxPoolSize(20))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return &Mongo{Client: client, Database: client.Database(mongoDatabaseName(uri))}, nil
}

// Close disconnects the client.
func (m *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.Client.Disconnect(ctx)
}

func mongoDatabaseName(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return defaultMongoDatabase
	}
	name := strings.Trim(u.Path, "/")
	if name == "" {
		return defaultMongoDatabase
	}
	return name
}
