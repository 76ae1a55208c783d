// Package status draws update progress on a small monochrome display such
// as the SSD1306. It has no font dependency: digits come from a built-in
// 3x5 glyph table.
package status

import (
	"image/color"

	"flashboot/diag"
	"flashboot/staging"
)

// Canvas is the subset of a TinyGo display driver that the status screen
// draws on. *ssd1306.Device implements it.
type Canvas interface {
	Size() (x, y int16)
	SetPixel(x, y int16, c color.RGBA)
	Display() error
	ClearBuffer()
}

var on = color.RGBA{R: 255, G: 255, B: 255, A: 255}

const (
	glyphScale = 2
	margin     = 2
)

// Display renders staging sessions. It implements staging.Observer and only
// pushes a frame to the panel when the percentage or state changes.
type Display struct {
	canvas  Canvas
	logger  diag.Logger
	drawn   bool
	percent int
	state   staging.State
	errors  int
}

// New returns a Display drawing on c.
func New(c Canvas, logger diag.Logger) *Display {
	if logger == nil {
		logger = diag.Nop()
	}
	return &Display{canvas: c, logger: logger}
}

// SessionChanged redraws the screen if the visible content changed.
func (d *Display) SessionChanged(s staging.Session) {
	pct := Percent(s)
	if d.drawn && pct == d.percent && s.State == d.state {
		return
	}
	d.drawn = true
	d.percent = pct
	d.state = s.State
	d.render()
}

// Errors returns how many frames failed to reach the panel.
func (d *Display) Errors() int {
	return d.errors
}

// Percent is the share of the image received, 0..100.
func Percent(s staging.Session) int {
	if s.ExpectedSize == 0 {
		return 0
	}
	return int(uint64(s.BytesReceived) * 100 / uint64(s.ExpectedSize))
}

func (d *Display) render() {
	d.canvas.ClearBuffer()
	w, h := d.canvas.Size()

	// Percentage, top left
	x := int16(margin)
	for _, r := range diag.Itoa(d.percent) + "%" {
		d.glyph(x, margin, r)
		x += (glyphWidth + 1) * glyphScale
	}

	// State mark, top right
	d.mark(w-margin-markSize, margin)

	// Progress bar across the lower half
	top := h/2 + 2
	bottom := h - margin - 1
	left := int16(margin)
	right := w - margin - 1
	d.rect(left, top, right, bottom)
	fill := int16(int(right-left-3) * d.percent / 100)
	for y := top + 2; y <= bottom-2; y++ {
		for dx := int16(0); dx < fill; dx++ {
			d.canvas.SetPixel(left+2+dx, y, on)
		}
	}

	if err := d.canvas.Display(); err != nil {
		d.errors++
		d.logger.Debug("display update failed", "err", err)
	}
}

func (d *Display) rect(x0, y0, x1, y1 int16) {
	for x := x0; x <= x1; x++ {
		d.canvas.SetPixel(x, y0, on)
		d.canvas.SetPixel(x, y1, on)
	}
	for y := y0; y <= y1; y++ {
		d.canvas.SetPixel(x0, y, on)
		d.canvas.SetPixel(x1, y, on)
	}
}

const markSize = 9

// mark draws a tick for a committed image, a cross for an aborted one and a
// hollow box while receiving or validating.
func (d *Display) mark(x, y int16) {
	switch d.state {
	case staging.Committed:
		for i := int16(0); i < 3; i++ {
			d.canvas.SetPixel(x+i, y+5+i, on)
		}
		for i := int16(0); i < 6; i++ {
			d.canvas.SetPixel(x+3+i, y+7-i, on)
		}
	case staging.Aborted:
		for i := int16(0); i < markSize; i++ {
			d.canvas.SetPixel(x+i, y+i, on)
			d.canvas.SetPixel(x+markSize-1-i, y+i, on)
		}
	case staging.Receiving, staging.Validating:
		d.rect(x, y, x+markSize-1, y+markSize-1)
	}
}

func (d *Display) glyph(x, y int16, r rune) {
	rows, ok := glyphs[r]
	if !ok {
		return
	}
	for row, bits := range rows {
		for col := 0; col < glyphWidth; col++ {
			if bits&(1<<(glyphWidth-1-col)) == 0 {
				continue
			}
			for sy := 0; sy < glyphScale; sy++ {
				for sx := 0; sx < glyphScale; sx++ {
					d.canvas.SetPixel(x+int16(col*glyphScale+sx), y+int16(row*glyphScale+sy), on)
				}
			}
		}
	}
}
