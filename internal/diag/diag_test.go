package diag

import (
	"testing"

	"github.com/iansmith/corekernel/internal/proc"
)

func TestRenderRunQueuesProducesNonEmptyImage(t *testing.T) {
	sys := proc.NewSystem(2, proc.DefaultRQCount)
	sys.CPUs[0].RQ.Enqueue(proc.NewThread(nil, 0, 0), sys.CPUs[0], 0)
	sys.CPUs[0].RQ.Enqueue(proc.NewThread(nil, 0, 0), sys.CPUs[0], 3)
	sys.CPUs[1].SetIdle(true)

	img, err := RenderRunQueues(sys.CPUs)
	if err != nil {
		t.Fatalf("RenderRunQueues: %v", err)
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		t.Fatalf("expected a non-empty image, got bounds %v", b)
	}
}

func TestRenderRunQueuesEmptyCPUList(t *testing.T) {
	img, err := RenderRunQueues(nil)
	if err != nil {
		t.Fatalf("RenderRunQueues(nil): %v", err)
	}
	if img == nil {
		t.Fatalf("expected a placeholder image, got nil")
	}
}
