package audit

import (
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/savegress/xdsmediator/internal/config"
	"github.com/savegress/xdsmediator/internal/datatypes"
)

func TestRecordSyslog(t *testing.T) {
	r := &Record{
		ID:   "rec-1",
		Type: TypePIXRequest,
		ParticipantIdentifiers: []datatypes.Identifier{
			datatypes.NewIdentifier("1111111111", datatypes.NewAssigningAuthority("", "1.2.3", "ISO")),
		},
		UniqueID: "corr-1",
		Outcome:  true,
		Message:  "QBP^Q21 sent",
		Recorded: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}

	frame := string(r.Syslog())

	for _, want := range []string{
		"PIX_REQUEST",
		`uniqueId="corr-1"`,
		`outcome="0"`,
		"1111111111^^^&1.2.3&ISO",
		"QBP^Q21 sent",
		"2024-03-01T10:00:00Z",
	} {
		if !strings.Contains(frame, want) {
			t.Errorf("frame missing %q: %s", want, frame)
		}
	}
}

func TestRecordSyslog_FailureOutcome(t *testing.T) {
	r := &Record{Type: TypePIXIdentityFeed, Recorded: time.Now()}
	if !strings.Contains(string(r.Syslog()), `outcome="8"`) {
		t.Error("failed outcome must render as 8")
	}
}

func TestLogger_DisabledDoesNotShip(t *testing.T) {
	logger := NewLogger(&config.ATNAConfig{Enabled: false}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := logger.Start(ctx); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	defer logger.Stop()

	// Must not panic or block with no repository configured.
	logger.Record(&Record{Type: TypeXDSRegister, UniqueID: "corr-2", Outcome: true})
}

func TestLogger_ShipsToRepository(t *testing.T) {
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to resolve addr: %v", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer conn.Close()

	_, portStr, _ := net.SplitHostPort(conn.LocalAddr().String())
	port, _ := strconv.Atoi(portStr)

	logger := NewLogger(&config.ATNAConfig{Enabled: true, Host: "127.0.0.1", Port: port}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := logger.Start(ctx); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	defer logger.Stop()

	logger.Record(&Record{
		Type:     TypePIXRequest,
		UniqueID: "corr-3",
		Outcome:  true,
		Message:  "hello audit",
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("no audit frame received: %v", err)
	}

	frame := string(buf[:n])
	if !strings.Contains(frame, "PIX_REQUEST") || !strings.Contains(frame, "corr-3") {
		t.Errorf("unexpected frame %q", frame)
	}
}

func TestLogger_StartIdempotent(t *testing.T) {
	logger := NewLogger(&config.ATNAConfig{}, zap.NewNop())

	ctx := context.Background()
	if err := logger.Start(ctx); err != nil {
		t.Fatalf("first Start returned error: %v", err)
	}
	if err := logger.Start(ctx); err != nil {
		t.Fatalf("second Start returned error: %v", err)
	}
	logger.Stop()
	logger.Stop()
}
