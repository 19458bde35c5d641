package audit

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/savegress/xdsmediator/internal/config"
	"github.com/savegress/xdsmediator/internal/datatypes"
)

// Type is the ATNA audit event type.
type Type string

const (
	TypePIXRequest      Type = "PIX_REQUEST"
	TypePIXIdentityFeed Type = "PIX_IDENTITY_FEED"
	TypeXDSRegister     Type = "XDS_REGISTER"
)

// Record is one ATNA audit event. UniqueID is the transaction correlation
// id; it propagates into every record emitted on behalf of a transaction.
type Record struct {
	ID                     string
	Type                   Type
	ParticipantIdentifiers []datatypes.Identifier
	UniqueID               string
	Outcome                bool
	Message                string
	Recorded               time.Time
}

// Logger emits ATNA audit records to the audit repository. Records are
// queued on a channel and shipped by a background worker; auditing is
// fire-and-forget and never fails the business call.
type Logger struct {
	cfg     *config.ATNAConfig
	log     *zap.Logger
	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	eventCh chan *Record
	conn    net.Conn
}

// NewLogger creates a new audit logger
func NewLogger(cfg *config.ATNAConfig, log *zap.Logger) *Logger {
	return &Logger{
		cfg:     cfg,
		log:     log,
		stopCh:  make(chan struct{}),
		eventCh: make(chan *Record, 1000),
	}
}

// Start starts the audit logger
func (l *Logger) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return nil
	}

	if l.cfg.Enabled {
		conn, err := net.Dial("udp", fmt.Sprintf("%s:%d", l.cfg.Host, l.cfg.Port))
		if err != nil {
			l.mu.Unlock()
			return fmt.Errorf("failed to reach audit repository: %w", err)
		}
		l.conn = conn
	}

	l.running = true
	l.mu.Unlock()

	go l.processEvents(ctx)
	return nil
}

// Stop stops the audit logger
func (l *Logger) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		close(l.stopCh)
		l.running = false
		if l.conn != nil {
			l.conn.Close()
			l.conn = nil
		}
	}
}

// Record enqueues an audit record. The call never blocks; when the queue is
// full the record is dropped with a warning.
func (l *Logger) Record(r *Record) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Recorded.IsZero() {
		r.Recorded = time.Now()
	}

	select {
	case l.eventCh <- r:
	default:
		l.log.Warn("audit queue full, dropping record",
			zap.String("type", string(r.Type)),
			zap.String("uniqueId", r.UniqueID))
	}
}

func (l *Logger) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case record := <-l.eventCh:
			l.ship(record)
		}
	}
}

func (l *Logger) ship(r *Record) {
	l.mu.RLock()
	conn := l.conn
	l.mu.RUnlock()

	if conn == nil {
		l.log.Debug("audit repository disabled, record not shipped",
			zap.String("type", string(r.Type)),
			zap.String("uniqueId", r.UniqueID))
		return
	}

	if _, err := conn.Write(r.Syslog()); err != nil {
		// Auditing must never fail the business call.
		l.log.Error("failed to ship audit record", zap.Error(err),
			zap.String("type", string(r.Type)),
			zap.String("uniqueId", r.UniqueID))
	}
}

// Syslog renders the record as an RFC 5424 frame the audit repository
// accepts.
func (r *Record) Syslog() []byte {
	outcome := "0"
	if !r.Outcome {
		outcome = "8"
	}

	ids := make([]string, 0, len(r.ParticipantIdentifiers))
	for _, id := range r.ParticipantIdentifiers {
		ids = append(ids, id.CX())
	}

	header := fmt.Sprintf("<85>1 %s xdsmediator atna - %s", r.Recorded.UTC().Format(time.RFC3339), r.ID)
	structured := fmt.Sprintf("[%s uniqueId=%q outcome=%q participants=%q]",
		r.Type, r.UniqueID, outcome, strings.Join(ids, "~"))

	return []byte(header + " " + structured + " " + r.Message)
}
