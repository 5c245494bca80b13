package metrics

import (
	"database/sql"
	"fmt"
	"io"
	"sync"

	"github.com/lib/pq"
)

// DefaultPostgresTable receives the metrics when no table is configured.
const DefaultPostgresTable = "owsd_requests"

type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// PostgresLogger inserts one row per call. Rows are written by a single
// goroutine so that slow inserts never hold up a call.
type PostgresLogger struct {
	db         execer
	closer     io.Closer
	insertStmt string
	queue      chan *MetricsInfo

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewPostgresLogger connects to dsn and creates table when missing.
func NewPostgresLogger(dsn string, table string) (*PostgresLogger, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	l, err := newPostgresLogger(db, table)
	if err != nil {
		db.Close()
		return nil, err
	}
	l.closer = db
	return l, nil
}

func newPostgresLogger(db execer, table string) (*PostgresLogger, error) {
	if table == "" {
		table = DefaultPostgresTable
	}
	quoted := pq.QuoteIdentifier(table)

	createStmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	request_id text PRIMARY KEY,
	req_time timestamptz NOT NULL,
	service text,
	request text,
	http_status integer,
	duration_ms double precision,
	info jsonb NOT NULL
)`, quoted)
	if _, err := db.Exec(createStmt); err != nil {
		return nil, err
	}

	l := &PostgresLogger{
		db:         db,
		insertStmt: fmt.Sprintf(`INSERT INTO %s (request_id, req_time, service, request, http_status, duration_ms, info) VALUES ($1, $2, $3, $4, $5, $6, $7)`, quoted),
		queue:      make(chan *MetricsInfo, defaultQueueSize),
	}
	l.wg.Add(1)
	go l.run()
	return l, nil
}

func (l *PostgresLogger) Log(info *MetricsInfo) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	l.queue <- info
}

func (l *PostgresLogger) run() {
	defer l.wg.Done()
	for info := range l.queue {
		infoStr, err := info.ToJSON()
		if err != nil {
			log.Errorf("PostgresLogger: info.ToJSON() error: %v", err)
			continue
		}

		var service, request string
		if info.Dispatch != nil {
			service, request = info.Dispatch.Service, info.Dispatch.Request
		}
		_, err = l.db.Exec(l.insertStmt, info.RequestID, info.Timestamp, service, request,
			info.HTTPStatus, float64(info.ReqDuration)/1e6, infoStr)
		if err != nil {
			log.Errorf("PostgresLogger: insert error: %v", err)
		}
	}
}

// Close flushes the pending rows and closes the database.
func (l *PostgresLogger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	l.wg.Wait()
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}
