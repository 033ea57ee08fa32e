package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Config holds database configuration
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration

	// Async writer tuning.
	QueueSize int
	Workers   int
}

// Store persists runs, agent calls, tool audits, and review outcomes.
// Writes from the hot path go through an async queue so a slow database
// never stalls a pipeline run; reads are synchronous.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger

	writeQueue chan WriteRequest
	workers    int
	stopCh     chan struct{}
	workerWg   sync.WaitGroup
	closeOnce  sync.Once
}

// WriteRequest represents an async write operation
type WriteRequest struct {
	Type     WriteType
	Data     interface{}
	Callback func(error)
}

type WriteType int

const (
	WriteTypeRun WriteType = iota
	WriteTypeAgentCall
	WriteTypeToolAudit
	WriteTypeReview
)

// String returns the string representation of WriteType
func (wt WriteType) String() string {
	switch wt {
	case WriteTypeRun:
		return "Run"
	case WriteTypeAgentCall:
		return "AgentCall"
	case WriteTypeToolAudit:
		return "ToolAudit"
	case WriteTypeReview:
		return "Review"
	default:
		return "Unknown"
	}
}

// Open connects to Postgres and returns a running Store.
func Open(config Config, logger *zap.Logger) (*Store, error) {
	if config.SSLMode == "" {
		config.SSLMode = "require"
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.Database, config.SSLMode,
	)

	dbx, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if config.MaxConnections == 0 {
		config.MaxConnections = 25
	}
	if config.IdleConnections == 0 {
		config.IdleConnections = 5
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 5 * time.Minute
	}
	dbx.SetMaxOpenConns(config.MaxConnections)
	dbx.SetMaxIdleConns(config.IdleConnections)
	dbx.SetConnMaxLifetime(config.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := dbx.PingContext(ctx); err != nil {
		dbx.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := NewStore(dbx, config, logger)
	logger.Info("Database store initialized",
		zap.String("host", config.Host),
		zap.Int("max_connections", config.MaxConnections),
		zap.Int("workers", store.workers),
	)
	return store, nil
}

// NewStore wraps an existing connection and starts the write workers.
// Tests hand it sqlmock- or sqlite-backed connections.
func NewStore(dbx *sqlx.DB, config Config, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	queueSize := config.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}
	workers := config.Workers
	if workers <= 0 {
		workers = 2
	}

	store := &Store{
		db:         dbx,
		logger:     logger,
		writeQueue: make(chan WriteRequest, queueSize),
		workers:    workers,
		stopCh:     make(chan struct{}),
	}
	store.startWorkers()
	return store
}

// startWorkers initializes the worker pool for async writes
func (s *Store) startWorkers() {
	for i := 0; i < s.workers; i++ {
		s.workerWg.Add(1)
		go s.writeWorker(i)
	}
}

// writeWorker processes write requests from the queue
func (s *Store) writeWorker(id int) {
	defer s.workerWg.Done()
	s.logger.Debug("Write worker started", zap.Int("worker_id", id))

	for {
		select {
		case <-s.stopCh:
			s.drainQueue()
			s.logger.Debug("Write worker stopped", zap.Int("worker_id", id))
			return
		case req := <-s.writeQueue:
			s.processWrite(req)
		}
	}
}

// processWrite handles a single write request
func (s *Store) processWrite(req WriteRequest) {
	var err error

	switch req.Type {
	case WriteTypeRun:
		if run, ok := req.Data.(*RunRecord); ok {
			err = s.SaveRun(context.Background(), run)
		}
	case WriteTypeAgentCall:
		if call, ok := req.Data.(*AgentCallRecord); ok {
			err = s.SaveAgentCall(context.Background(), call)
		}
	case WriteTypeToolAudit:
		if audit, ok := req.Data.(*ToolAuditRecord); ok {
			err = s.SaveToolAudit(context.Background(), audit)
		}
	case WriteTypeReview:
		if review, ok := req.Data.(*ReviewRecord); ok {
			err = s.SaveReview(context.Background(), review)
		}
	}

	if req.Callback != nil {
		req.Callback(err)
	}

	if err != nil {
		s.logger.Error("Failed to process write request",
			zap.String("type", req.Type.String()),
			zap.Error(err),
		)
	}
}

// drainQueue processes remaining requests during shutdown
func (s *Store) drainQueue() {
	timeout := time.After(10 * time.Second)

	for {
		select {
		case req := <-s.writeQueue:
			s.processWrite(req)
		case <-timeout:
			s.logger.Warn("Timeout draining write queue")
			return
		default:
			return
		}
	}
}

// QueueWrite adds a write request to the async queue. When the queue is
// full the write runs synchronously on the caller so nothing is dropped.
func (s *Store) QueueWrite(writeType WriteType, data interface{}, callback func(error)) {
	req := WriteRequest{Type: writeType, Data: data, Callback: callback}

	select {
	case s.writeQueue <- req:
	default:
		s.logger.Warn("Write queue is full, falling back to synchronous write",
			zap.String("type", writeType.String()))
		s.processWrite(req)
	}
}

// QueueRun enqueues a run row write.
func (s *Store) QueueRun(run *RunRecord) {
	s.QueueWrite(WriteTypeRun, run, nil)
}

// QueueAgentCall enqueues an agent-call row write.
func (s *Store) QueueAgentCall(call *AgentCallRecord) {
	s.QueueWrite(WriteTypeAgentCall, call, nil)
}

// QueueToolAudit enqueues a tool-audit row write.
func (s *Store) QueueToolAudit(audit *ToolAuditRecord) {
	s.QueueWrite(WriteTypeToolAudit, audit, nil)
}

// QueueReview enqueues a review-outcome row write.
func (s *Store) QueueReview(review *ReviewRecord) {
	s.QueueWrite(WriteTypeReview, review, nil)
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// QueueDepth reports how many writes are waiting. Health checks read it.
func (s *Store) QueueDepth() int {
	return len(s.writeQueue)
}

// QueueCapacity reports the write-queue size. A depth at capacity means
// new writes are running synchronously.
func (s *Store) QueueCapacity() int {
	return cap(s.writeQueue)
}

// Close stops the workers, drains pending writes, and closes the pool.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.logger.Info("Shutting down database store")
		close(s.stopCh)
		s.workerWg.Wait()
		err = s.db.Close()
	})
	if err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// DB returns the underlying connection for direct queries.
func (s *Store) DB() *sqlx.DB {
	return s.db
}
