package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/redbco/readbridge/pkg/config"
)

// Mongo represents a MongoDB database connection
type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
}

type MongoConfig struct {
	URI      string
	Host     string
	Port     int
	User     string
	Password string
	Database string
	TLS      bool
}

// NewMongo establishes a connection to a MongoDB database.
func NewMongo(ctx context.Context, cfg MongoConfig) (*Mongo, error) {
	if cfg.Database == "" {
		return nil, fmt.Errorf("database name is required")
	}

	uri := cfg.URI
	if uri == "" {
		var connString strings.Builder
		if cfg.User != "" {
			fmt.Fprintf(&connString, "mongodb://%s:%s@%s:%d/%s?authSource=admin",
				cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
		} else {
			fmt.Fprintf(&connString, "mongodb://%s:%d/%s?directConnection=true",
				cfg.Host, cfg.Port, cfg.Database)
		}
		if strings.Contains(connString.String(), "?") {
			fmt.Fprintf(&connString, "&tls=%t", cfg.TLS)
		} else {
			fmt.Fprintf(&connString, "?tls=%t", cfg.TLS)
		}
		uri = connString.String()
	}

	clientOptions := options.Client().ApplyURI(uri)

	// In v2, Connect handles both creation and connection
	client, err := mongo.Connect(clientOptions)
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("error pinging database: %w", err)
	}

	return &Mongo{
		client: client,
		db:     client.Database(cfg.Database),
	}, nil
}

// MongoFromConfig builds a MongoConfig from the global configuration.
func MongoFromConfig(cfg *config.Config) MongoConfig {
	return MongoConfig{
		URI:      cfg.Get("mongo.uri"),
		Host:     cfg.GetDefault("mongo.host", "localhost"),
		Port:     cfg.GetInt("mongo.port", 27017),
		User:     cfg.Get("mongo.user"),
		Password: cfg.Get("mongo.password"),
		Database: cfg.GetDefault("mongo.database", "readbridge"),
		TLS:      cfg.GetBool("mongo.tls", false),
	}
}

// Database returns the underlying database handle.
func (m *Mongo) Database() *mongo.Database {
	return m.db
}

// Collection returns a handle to the named collection.
func (m *Mongo) Collection(name string) *mongo.Collection {
	return m.db.Collection(name)
}

// Ping verifies the connection is alive.
func (m *Mongo) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client.
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
