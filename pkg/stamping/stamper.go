// Package stamping renders the verification code and serial text onto a PDF.
package stamping

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

// Payload is what gets rendered onto the first page.
type Payload struct {
	URL         string
	SerialCode  string
	OwnerCode   string
	ProjectName string
}

// Lines returns the text block stamped next to the code.
func (p Payload) Lines() []string {
	lines := []string{"Serial: " + p.SerialCode}
	if p.OwnerCode != "" {
		lines = append(lines, "Owner: "+p.OwnerCode)
	}
	if p.ProjectName != "" {
		lines = append(lines, "Project: "+p.ProjectName)
	}
	return append(lines, "Verify: "+p.URL)
}

// Stamper produces a stamped copy of a PDF. Implementations must return
// ctx.Err() promptly once ctx is done.
type Stamper interface {
	// Inspect reports whether pdf can be parsed and stamped. It runs before
	// a serial is allocated.
	Inspect(pdf []byte) error
	Stamp(ctx context.Context, pdf []byte, payload Payload) ([]byte, error)
}

const (
	qrSize          = 256
	qrDescription   = "pos:tr, off:-18 -18, rot:0, scale:0.12"
	textDescription = "font:Helvetica, points:9, pos:tl, off:24 -18, rot:0, scale:1 abs, fillcolor:#1a1a1a"
)

var disableConfigDir sync.Once

// PDFStamper stamps page 1 with a QR code of the verification URL and the
// serial text lines. It is safe for concurrent use.
type PDFStamper struct {
	logger *zap.Logger
}

// NewPDFStamper creates a stamper that never touches the user config dir.
func NewPDFStamper(logger *zap.Logger) *PDFStamper {
	disableConfigDir.Do(api.DisableConfigDir)
	return &PDFStamper{logger: logger.Named("stamping")}
}

// newConfig returns a fresh pdfcpu configuration. pdfcpu writes to the
// configuration during every operation, so one is never shared between calls.
func newConfig() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

func (s *PDFStamper) Inspect(pdf []byte) error {
	if err := api.Validate(bytes.NewReader(pdf), newConfig()); err != nil {
		return fmt.Errorf("unreadable pdf: %w", err)
	}
	return nil
}

type stampResult struct {
	data []byte
	err  error
}

// Stamp runs the transform in a goroutine so a cancelled context returns
// immediately. The abandoned goroutine finishes on its own buffers.
func (s *PDFStamper) Stamp(ctx context.Context, pdf []byte, payload Payload) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if payload.URL == "" || payload.SerialCode == "" {
		return nil, fmt.Errorf("stamp payload requires url and serial code")
	}

	done := make(chan stampResult, 1)
	go func() {
		out, err := s.stamp(pdf, payload)
		done <- stampResult{data: out, err: err}
	}()

	select {
	case res := <-done:
		return res.data, res.err
	case <-ctx.Done():
		s.logger.Warn("Stamping abandoned", zap.String("serial_code", payload.SerialCode), zap.Error(ctx.Err()))
		return nil, ctx.Err()
	}
}

func (s *PDFStamper) stamp(pdf []byte, payload Payload) ([]byte, error) {
	png, err := qrcode.Encode(payload.URL, qrcode.Medium, qrSize)
	if err != nil {
		return nil, fmt.Errorf("render qr code: %w", err)
	}

	qr, err := api.ImageWatermarkForReader(bytes.NewReader(png), qrDescription, true, false, types.POINTS)
	if err != nil {
		return nil, fmt.Errorf("build qr stamp: %w", err)
	}
	text, err := api.TextWatermark(strings.Join(payload.Lines(), "\n"), textDescription, true, false, types.POINTS)
	if err != nil {
		return nil, fmt.Errorf("build text stamp: %w", err)
	}

	firstPage := []string{"1"}
	var withQR bytes.Buffer
	if err := api.AddWatermarks(bytes.NewReader(pdf), &withQR, firstPage, qr, newConfig()); err != nil {
		return nil, fmt.Errorf("apply qr stamp: %w", err)
	}
	var out bytes.Buffer
	if err := api.AddWatermarks(bytes.NewReader(withQR.Bytes()), &out, firstPage, text, newConfig()); err != nil {
		return nil, fmt.Errorf("apply text stamp: %w", err)
	}
	return out.Bytes(), nil
}

var _ Stamper = (*PDFStamper)(nil)
