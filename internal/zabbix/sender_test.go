package zabbix

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"hwtelemetry/pkg/zabbix"

	"go.uber.org/zap"
)

// fakeServer принимает одно соединение, запоминает запрос и отвечает
func fakeServer(t *testing.T, response zabbix.Response) (string, int, <-chan zabbix.Request) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	requests := make(chan zabbix.Request, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		payload, err := readResponse(conn)
		if err != nil {
			return
		}
		var req zabbix.Request
		if err := json.Unmarshal(payload, &req); err == nil {
			requests <- req
		}

		data, _ := json.Marshal(response)
		conn.Write(buildPacket(data))
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return host, port, requests
}

func TestSender_RoundTrip(t *testing.T) {
	host, port, requests := fakeServer(t, zabbix.Response{
		Response: "success",
		Info:     "processed: 2; failed: 0; total: 2; seconds spent: 0.000055",
	})

	s := NewSender(host, port, time.Second, zap.NewNop())
	items := []zabbix.Item{
		{Host: "node-1", Key: "hwt.cpu.load", Value: "12.00"},
		{Host: "node-1", Key: "hwt.health", Value: "OPTIMAL"},
	}

	result, err := s.SendData(context.Background(), items)
	if err != nil {
		t.Fatalf("SendData() error = %v", err)
	}
	if result.Processed != 2 || result.Total != 2 {
		t.Errorf("result = %+v", result)
	}

	select {
	case req := <-requests:
		if req.Request != zabbix.RequestSenderData || len(req.Data) != 2 {
			t.Errorf("request = %+v", req)
		}
		if req.Data[1].Key != "hwt.health" {
			t.Errorf("second key = %q", req.Data[1].Key)
		}
	case <-time.After(time.Second):
		t.Fatal("server did not receive the request")
	}
}

func TestSender_Rejected(t *testing.T) {
	host, port, _ := fakeServer(t, zabbix.Response{Response: "failed", Info: "host not found"})

	s := NewSender(host, port, time.Second, zap.NewNop())
	_, err := s.SendData(context.Background(), []zabbix.Item{{Host: "x", Key: "k", Value: "1"}})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("SendData() error = %v, want ErrRejected", err)
	}
}

func TestSender_NoItems(t *testing.T) {
	s := NewSender("127.0.0.1", 1, time.Second, zap.NewNop())
	if _, err := s.SendData(context.Background(), nil); err != nil {
		t.Fatalf("SendData(nil) error = %v", err)
	}
}

func TestBuildPacket(t *testing.T) {
	packet := buildPacket([]byte(`{}`))

	if !bytes.HasPrefix(packet, []byte(senderHeader)) {
		t.Fatalf("packet header = %q", packet[:5])
	}
	if n := binary.LittleEndian.Uint64(packet[5:13]); n != 2 {
		t.Errorf("length = %d, want 2", n)
	}
	if string(packet[13:]) != `{}` {
		t.Errorf("payload = %q", packet[13:])
	}
}

func TestReadResponse(t *testing.T) {
	tooLarge := append([]byte(senderHeader), make([]byte, senderDataLen)...)
	binary.LittleEndian.PutUint64(tooLarge[5:], maxResponseSize+1)

	tests := []struct {
		name    string
		input   []byte
		want    string
		wantErr bool
	}{
		{"valid", buildPacket([]byte(`{"response":"success"}`)), `{"response":"success"}`, false},
		{"bad header", append([]byte("HTTP/1.1 "), make([]byte, 8)...), "", true},
		{"short header", []byte("ZBX"), "", true},
		{"truncated data", buildPacket([]byte(`{"a":1}`))[:15], "", true},
		{"too large", tooLarge, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readResponse(bytes.NewReader(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("readResponse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if string(got) != tt.want {
				t.Errorf("readResponse() = %q, want %q", got, tt.want)
			}
		})
	}
}
