// Package transport provides line-framed byte I/O over the serial port the
// proxy is attached to, plus a dry-run variant that synthesizes device
// responses so the rest of the pipeline can be exercised without hardware.
package transport

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.bug.st/serial"
)

// ErrClosed is returned by DryRun's ReadLine/WriteLine once it has been
// closed, and by Serial's when the port was never opened. After Serial.Close,
// Serial returns the driver's error, wrapped, instead.
var ErrClosed = errors.New("transport: closed")

// Transport is the line-framed byte I/O contract the rest of the proxy
// depends on. Lines are UTF-8, terminated by '\n'; WriteLine appends the
// newline, ReadLine strips a trailing "\r?\n".
type Transport interface {
	Open() error
	Close() error
	ReadLine() (string, error)
	WriteLine(line string) error
}

// Serial is the real transport, backed by go.bug.st/serial.
type Serial struct {
	path       string
	baud       int
	quiescence time.Duration
	port       serial.Port
	reader     *bufio.Reader
}

// NewSerial constructs a Serial transport for the given device path and
// baud rate. quiescence is the post-open delay during which bytes are
// discarded, tolerating bootloader garbage on connect.
func NewSerial(path string, baud int, quiescence time.Duration) *Serial {
	return &Serial{path: path, baud: baud, quiescence: quiescence}
}

func (s *Serial) Open() error {
	port, err := serial.Open(s.path, &serial.Mode{BaudRate: s.baud})
	if err != nil {
		return fmt.Errorf("transport: open %s: %w", s.path, err)
	}
	slog.Info("opened serial port", "port", s.path, "baud", s.baud)
	s.port = port
	s.reader = bufio.NewReader(port)

	if s.quiescence > 0 {
		s.drainQuiescence()
	}
	return nil
}

// drainQuiescence discards whatever the device emits during the post-open
// window (bootloader banners, garbage bytes) before the pipeline starts
// reading real responses.
func (s *Serial) drainQuiescence() {
	deadline := time.Now().Add(s.quiescence)
	_ = s.port.SetReadTimeout(50 * time.Millisecond)
	buf := make([]byte, 256)
	for time.Now().Before(deadline) {
		if _, err := s.port.Read(buf); err != nil {
			break
		}
	}
	_ = s.port.SetReadTimeout(serial.NoTimeout)
	s.reader.Reset(s.port)
}

func (s *Serial) Close() error {
	if s.port == nil {
		return nil
	}
	return s.port.Close()
}

func (s *Serial) ReadLine() (string, error) {
	if s.reader == nil {
		return "", ErrClosed
	}
	raw, err := s.reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("transport: read: %w", err)
	}
	return strings.TrimRight(raw, "\r\n"), nil
}

func (s *Serial) WriteLine(line string) error {
	if s.port == nil {
		return ErrClosed
	}
	_, err := s.port.Write([]byte(line + "\n"))
	if err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}
