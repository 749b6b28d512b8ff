// Package antivirus scans uploads before they reach storage.
package antivirus

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	clamd "github.com/dutchcoders/go-clamd"
)

// ErrInfected is returned when the scanner finds malware in the data.
var ErrInfected = errors.New("infected upload")

// Scanner checks uploads for malware.
type Scanner interface {
	Scan(ctx context.Context, data []byte) error
}

// Clamd scans with a clamd daemon over its INSTREAM protocol.
type Clamd struct {
	c *clamd.Clamd
}

// NewClamd returns a scanner for the clamd at addr, e.g.
// "unix:///var/run/clamav/clamd.ctl" or "tcp://localhost:3310".
func NewClamd(addr string) *Clamd {
	return &Clamd{c: clamd.NewClamd(addr)}
}

// Scan implements Scanner.
func (s *Clamd) Scan(ctx context.Context, data []byte) error {
	abort := make(chan bool)
	defer close(abort)

	results, err := s.c.ScanStream(bytes.NewReader(data), abort)
	if err != nil {
		return fmt.Errorf("scan stream: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-results:
			if !ok {
				return nil
			}
			if res.Status == clamd.RES_FOUND {
				return fmt.Errorf("%w: %s", ErrInfected, res.Description)
			}
			if res.Status == clamd.RES_ERROR || res.Status == clamd.RES_PARSE_ERROR {
				return fmt.Errorf("scan failed: %s", res.Description)
			}
		}
	}
}

// Disabled is the no-op scanner used when anti-virus is switched off.
type Disabled struct{}

// Scan implements Scanner.
func (Disabled) Scan(ctx context.Context, data []byte) error { return nil }
