// Package diag renders run-queue occupancy as a bar chart for visual
// inspection (spec.md §6.1, §9.2's kconsole-style system state dump), using
// github.com/fogleman/gg the same way the reference boot image's
// gg_circle_qemu.go draws onto an in-memory RGBA context before flushing it
// to a framebuffer — here the "framebuffer" is just an image the caller
// encodes (cmd/kernsim writes PNGs to disk), since a host-process simulation
// has no real display.
package diag

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"github.com/fogleman/gg"

	"github.com/iansmith/corekernel/internal/proc"
)

// Palette picks bar colors by priority band, low (highest-priority) bands
// rendered in a warmer tone so congestion at the front of the queue stands
// out at a glance.
var Palette = []color.RGBA{
	{R: 0xE0, G: 0x4F, B: 0x4F, A: 0xFF},
	{R: 0xE0, G: 0x9A, B: 0x4F, A: 0xFF},
	{R: 0xE0, G: 0xD0, B: 0x4F, A: 0xFF},
	{R: 0x8F, G: 0xC0, B: 0x4F, A: 0xFF},
	{R: 0x4F, G: 0xA8, B: 0xE0, A: 0xFF},
}

const (
	marginX    = 40
	marginY    = 30
	cpuGap     = 24
	barWidth   = 18
	barGap     = 4
	maxBarTall = 200
	labelGap   = 18
)

// RenderRunQueues draws one vertical-bar cluster per CPU, one bar slot per
// priority level (an empty level gets a zero-height bar), bar height
// proportional to that level's occupancy and scaled so the fullest level
// across all CPUs is maxBarTall pixels tall.
func RenderRunQueues(cpus []*proc.CPU) (*image.NRGBA, error) {
	if len(cpus) == 0 {
		return image.NewNRGBA(image.Rect(0, 0, marginX*2, marginY*2)), nil
	}

	rqCount := cpus[0].RQ.Count()
	clusterWidth := rqCount*(barWidth+barGap) + barGap
	width := marginX*2 + len(cpus)*clusterWidth + (len(cpus)-1)*cpuGap
	height := marginY*2 + maxBarTall + labelGap

	dc := gg.NewContext(width, height)
	dc.SetRGB(1, 1, 1)
	dc.Clear()

	maxLen := 1
	occupancy := make([][]int, len(cpus))
	for i, cpu := range cpus {
		occupancy[i] = make([]int, cpu.RQ.Count())
		for p := 0; p < cpu.RQ.Count(); p++ {
			n := cpu.RQ.Len(p)
			occupancy[i][p] = n
			if n > maxLen {
				maxLen = n
			}
		}
	}

	baseline := float64(marginY + maxBarTall)

	for i, cpu := range cpus {
		clusterX := marginX + i*(clusterWidth+cpuGap)

		dc.SetRGB(0.2, 0.2, 0.2)
		dc.DrawStringAnchored(
			labelForCPU(cpu), float64(clusterX)+float64(clusterWidth)/2, baseline+14, 0.5, 0.5)

		for p := 0; p < len(occupancy[i]); p++ {
			n := occupancy[i][p]
			barHeight := float64(maxBarTall) * float64(n) / float64(maxLen)
			x := float64(clusterX + barGap + p*(barWidth+barGap))
			y := baseline - barHeight

			col := Palette[p%len(Palette)]
			dc.SetColor(col)
			dc.DrawRectangle(x, y, barWidth, barHeight)
			dc.Fill()
		}

		dc.SetRGB(0.6, 0.6, 0.6)
		dc.DrawLine(float64(clusterX), baseline, float64(clusterX+clusterWidth), baseline)
		dc.Stroke()
	}

	img, ok := dc.Image().(*image.RGBA)
	if !ok {
		return nil, errUnexpectedImageType
	}
	return toNRGBA(img), nil
}

func labelForCPU(cpu *proc.CPU) string {
	if cpu.Idle() {
		return fmt.Sprintf("cpu%d (idle)", cpu.ID)
	}
	return fmt.Sprintf("cpu%d", cpu.ID)
}

func toNRGBA(src *image.RGBA) *image.NRGBA {
	b := src.Bounds()
	dst := image.NewNRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dst.Set(x, y, src.At(x, y))
		}
	}
	return dst
}

var errUnexpectedImageType = errors.New("diag: gg context did not produce an *image.RGBA backbuffer")
