package resolver

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/savegress/xdsmediator/internal/datatypes"
	"github.com/savegress/xdsmediator/internal/hl7v2"
)

// startPIXManager runs an MLLP responder that answers every query with the
// given HL7 message.
func startPIXManager(t *testing.T, response string) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				buf := make([]byte, 65536)
				var received []byte
				for {
					n, err := conn.Read(buf)
					if err != nil {
						return
					}
					received = append(received, buf[:n]...)
					if bytes.IndexByte(received, hl7v2.MLLPEndBlock) >= 0 {
						break
					}
				}
				frame := append([]byte{hl7v2.MLLPStartBlock}, []byte(response)...)
				frame = append(frame, hl7v2.MLLPEndBlock, hl7v2.MLLPCarriageR)
				conn.Write(frame)
			}(conn)
		}
	}()

	_, portStr, _ := net.SplitHostPort(listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return port
}

func newMLLPClient(port int) *hl7v2.Client {
	return hl7v2.NewClient(&hl7v2.ClientConfig{
		Host:        "127.0.0.1",
		Port:        port,
		Timeout:     2 * time.Second,
		ReadTimeout: 2 * time.Second,
	})
}

var pixIdentity = hl7v2.EndpointIdentity{
	SendingApplication:   "XDSMEDIATOR",
	SendingFacility:      "SAVEGRESS",
	ReceivingApplication: "PIXMGR",
	ReceivingFacility:    "MPI",
}

func TestPIXResolver_Resolved(t *testing.T) {
	response := "MSH|^~\\&|PIXMGR|MPI|XDSMEDIATOR|SAVEGRESS|20240301103000||RSP^K23^RSP_K23|r1|P|2.5\r" +
		"MSA|AA|m1\r" +
		"QAK|t1|OK\r" +
		"PID|1||ECID1^^^ECID&ECID&ECID\r"
	port := startPIXManager(t, response)

	client := newMLLPClient(port)
	defer client.Disconnect()
	r := NewPIXResolver(client, pixIdentity, nil, zap.NewNop())

	id := datatypes.NewIdentifier("1111111111", datatypes.NewAssigningAuthority("", "1.2.3", "ISO"))
	target := datatypes.NewAssigningAuthority("ECID", "ECID", "ECID")

	resolved, err := r.Resolve(context.Background(), id, target)
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if resolved == nil || resolved.Value != "ECID1" {
		t.Errorf("expected ECID1, got %v", resolved)
	}
}

func TestPIXResolver_NotFound(t *testing.T) {
	response := "MSH|^~\\&|PIXMGR|MPI|XDSMEDIATOR|SAVEGRESS|20240301103000||RSP^K23^RSP_K23|r1|P|2.5\r" +
		"MSA|AA|m1\r" +
		"QAK|t1|NF\r"
	port := startPIXManager(t, response)

	client := newMLLPClient(port)
	defer client.Disconnect()
	r := NewPIXResolver(client, pixIdentity, nil, zap.NewNop())

	id := datatypes.NewIdentifier("nobody", datatypes.NewAssigningAuthority("", "1.2.3", "ISO"))
	resolved, err := r.Resolve(context.Background(), id, datatypes.NewAssigningAuthority("ECID", "ECID", "ECID"))
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if resolved != nil {
		t.Errorf("expected miss, got %v", resolved)
	}
}

func TestPIXResolver_TransportError(t *testing.T) {
	client := hl7v2.NewClient(&hl7v2.ClientConfig{
		Host:    "127.0.0.1",
		Port:    1,
		Timeout: 200 * time.Millisecond,
	})
	r := NewPIXResolver(client, pixIdentity, nil, zap.NewNop())

	id := datatypes.NewIdentifier("1111111111", datatypes.NewAssigningAuthority("", "1.2.3", "ISO"))
	if _, err := r.Resolve(context.Background(), id, datatypes.NewAssigningAuthority("ECID", "ECID", "ECID")); err == nil {
		t.Error("expected transport error")
	}
}

func TestPIXIdentityFeed_Success(t *testing.T) {
	response := "MSH|^~\\&|PIXMGR|MPI|XDSMEDIATOR|SAVEGRESS|20240301103000||ACK|r2|P|2.5\r" +
		"MSA|AA|m2\r"
	port := startPIXManager(t, response)

	client := newMLLPClient(port)
	defer client.Disconnect()
	feed := NewPIXIdentityFeed(client, pixIdentity, nil, zap.NewNop())

	err := feed.Register(context.Background(), &RegisterPatient{
		PatientIdentifiers: []datatypes.Identifier{
			datatypes.NewIdentifier("1111111111", datatypes.NewAssigningAuthority("", "1.2.3", "ISO")),
		},
		GivenName:  "Jane",
		FamilyName: "Doe",
	})
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
}

func TestPIXIdentityFeed_Rejected(t *testing.T) {
	response := "MSH|^~\\&|PIXMGR|MPI|XDSMEDIATOR|SAVEGRESS|20240301103000||ACK|r2|P|2.5\r" +
		"MSA|AE|m2\r" +
		"ERR|||204^Unknown key identifier\r"
	port := startPIXManager(t, response)

	client := newMLLPClient(port)
	defer client.Disconnect()
	feed := NewPIXIdentityFeed(client, pixIdentity, nil, zap.NewNop())

	err := feed.Register(context.Background(), &RegisterPatient{
		PatientIdentifiers: []datatypes.Identifier{
			datatypes.NewIdentifier("1111111111", datatypes.NewAssigningAuthority("", "1.2.3", "ISO")),
		},
	})
	if err == nil {
		t.Fatal("expected error for rejected feed")
	}
}
