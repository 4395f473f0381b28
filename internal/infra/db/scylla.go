package db

import (
	"context"
	"fmt"

	"github.com/gocql/gocql"

	"github.com/acme/outbound-followup-engine/internal/config"
)

// Scylla wraps a gocql session.
type Scylla struct {
	session *gocql.Session
}

// NewScylla creates a new Scylla session.
func NewScylla(cfg config.ScyllaConfig) (*Scylla, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Port = cfg.Port
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = parseConsistency(cfg.Consistency)
	cluster.Timeout = cfg.Timeout
	cluster.RetryPolicy = &gocql.SimpleRetryPolicy{NumRetries: 3}
	cluster.SerialConsistency = gocql.LocalSerial

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("scylla: create session: %w", err)
	}

	return &Scylla{session: session}, nil
}

const dispatchTableCQL = `CREATE TABLE IF NOT EXISTS dispatch_records (
	owner_id            uuid,
	recipient           text,
	step                int,
	owner_kind          text,
	outcome             text,
	provider_message_id text,
	reason              text,
	attempts            int,
	sent_at             timestamp,
	PRIMARY KEY ((owner_id), recipient, step)
) WITH CLUSTERING ORDER BY (recipient ASC, step ASC)`

// EnsureSchema creates the dispatch record table in the configured keyspace.
func (s *Scylla) EnsureSchema(ctx context.Context) error {
	if err := s.session.Query(dispatchTableCQL).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("scylla: ensure dispatch_records: %w", err)
	}
	return nil
}

// Ping runs a trivial query against the cluster.
func (s *Scylla) Ping(ctx context.Context) error {
	var version string
	if err := s.session.Query(`SELECT release_version FROM system.local`).WithContext(ctx).Scan(&version); err != nil {
		return fmt.Errorf("scylla: ping: %w", err)
	}
	return nil
}

// Session exposes the gocql session.
func (s *Scylla) Session() *gocql.Session {
	return s.session
}

// Close shuts down the session.
func (s *Scylla) Close() error {
	if s.session != nil {
		s.session.Close()
	}
	return nil
}

func parseConsistency(level string) gocql.Consistency {
	switch level {
	case "one":
		return gocql.One
	case "local_quorum":
		return gocql.LocalQuorum
	case "local_one":
		return gocql.LocalOne
	case "each_quorum":
		return gocql.EachQuorum
	case "quorum":
		fallthrough
	default:
		return gocql.Quorum
	}
}
