package zabbix

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"hwtelemetry/pkg/zabbix"

	"go.uber.org/zap"
)

const (
	// Zabbix Sender протокол
	senderHeader  = "ZBXD\x01"
	senderDataLen = 8

	maxResponseSize = 1024 * 1024
)

// ErrRejected сервер ответил, но не принял данные
var ErrRejected = errors.New("zabbix rejected sender data")

// Sender реализует Zabbix Sender протокол
type Sender struct {
	serverHost string
	serverPort int
	timeout    time.Duration
	logger     *zap.Logger
}

// NewSender создает новый Zabbix Sender
func NewSender(serverHost string, serverPort int, timeout time.Duration, logger *zap.Logger) *Sender {
	return &Sender{
		serverHost: serverHost,
		serverPort: serverPort,
		timeout:    timeout,
		logger:     logger,
	}
}

// Address адрес сервера в виде host:port
func (s *Sender) Address() string {
	return net.JoinHostPort(s.serverHost, strconv.Itoa(s.serverPort))
}

// SendData отправляет данные через Zabbix Sender протокол
func (s *Sender) SendData(ctx context.Context, items []zabbix.Item) (zabbix.Result, error) {
	if len(items) == 0 {
		return zabbix.Result{}, nil
	}

	s.logger.Debug("Sending data via Zabbix Sender",
		zap.String("server", s.Address()),
		zap.Int("items", len(items)))

	now := time.Now()
	request := zabbix.Request{
		Request: zabbix.RequestSenderData,
		Data:    items,
		Clock:   now.Unix(),
		NS:      int64(now.Nanosecond()),
	}

	jsonData, err := json.Marshal(request)
	if err != nil {
		return zabbix.Result{}, fmt.Errorf("failed to marshal sender request: %w", err)
	}

	response, err := s.sendPacket(ctx, buildPacket(jsonData))
	if err != nil {
		return zabbix.Result{}, fmt.Errorf("failed to send packet: %w", err)
	}

	var senderResp zabbix.Response
	if err := json.Unmarshal(response, &senderResp); err != nil {
		return zabbix.Result{}, fmt.Errorf("failed to parse sender response: %w", err)
	}
	if senderResp.Response != "success" {
		return zabbix.Result{}, fmt.Errorf("%w: %s", ErrRejected, senderResp.Info)
	}

	result, err := zabbix.ParseInfo(senderResp.Info)
	if err != nil {
		s.logger.Debug("Unexpected sender info format", zap.String("info", senderResp.Info), zap.Error(err))
	}

	s.logger.Debug("Successfully sent data via Zabbix Sender",
		zap.String("info", senderResp.Info))

	return result, nil
}

// buildPacket создает пакет согласно протоколу Zabbix Sender:
// заголовок, длина данных (little-endian uint64), данные
func buildPacket(data []byte) []byte {
	packet := make([]byte, 0, len(senderHeader)+senderDataLen+len(data))
	packet = append(packet, senderHeader...)
	packet = binary.LittleEndian.AppendUint64(packet, uint64(len(data)))
	return append(packet, data...)
}

// sendPacket отправляет пакет на Zabbix сервер и возвращает ответ
func (s *Sender) sendPacket(ctx context.Context, packet []byte) ([]byte, error) {
	dialer := &net.Dialer{
		Timeout: s.timeout,
	}

	conn, err := dialer.DialContext(ctx, "tcp", s.Address())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to zabbix server: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(s.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("failed to set connection deadline: %w", err)
	}

	if _, err := conn.Write(packet); err != nil {
		return nil, fmt.Errorf("failed to write packet: %w", err)
	}

	response, err := readResponse(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return response, nil
}

// readResponse читает ответ от Zabbix сервера
func readResponse(r io.Reader) ([]byte, error) {
	header := make([]byte, len(senderHeader)+senderDataLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	if !bytes.Equal(header[:len(senderHeader)], []byte(senderHeader)) {
		return nil, fmt.Errorf("invalid response header: %q", header[:len(senderHeader)])
	}

	dataLen := binary.LittleEndian.Uint64(header[len(senderHeader):])
	if dataLen > maxResponseSize {
		return nil, fmt.Errorf("response data too large: %d bytes", dataLen)
	}

	data := make([]byte, dataLen)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read response data: %w", err)
	}

	return data, nil
}
