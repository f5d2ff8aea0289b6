package transfer

import (
	"io"
	"os"

	"github.com/cheggaaa/pb/v3"
	"github.com/schollz/progressbar/v3"

	"github.com/schaermu/pingsync/internal/config"
)

// Progress observes a running batch. Transferred and FileDone are called
// from worker goroutines and must be safe for concurrent use.
type Progress interface {
	Start(files int, bytes int64)
	Transferred(n int64)
	FileDone()
	Finish()
}

// NewProgress returns the display for mode, drawing on w (stderr when nil)
func NewProgress(mode config.ProgressMode, w io.Writer) Progress {
	if w == nil {
		w = os.Stderr
	}
	switch mode {
	case config.ProgressFiles:
		return &fileProgress{w: w}
	case config.ProgressBytes:
		return &byteProgress{w: w}
	default:
		return noProgress{}
	}
}

type noProgress struct{}

func (noProgress) Start(int, int64)  {}
func (noProgress) Transferred(int64) {}
func (noProgress) FileDone()         {}
func (noProgress) Finish()           {}

// fileProgress counts finished files
type fileProgress struct {
	w   io.Writer
	bar *progressbar.ProgressBar
}

func (p *fileProgress) Start(files int, _ int64) {
	p.bar = progressbar.NewOptions(files,
		progressbar.OptionSetWriter(p.w),
		progressbar.OptionSetDescription("files"),
		progressbar.OptionShowCount(),
	)
}

func (p *fileProgress) Transferred(int64) {}

func (p *fileProgress) FileDone() {
	if p.bar != nil {
		_ = p.bar.Add(1)
	}
}

func (p *fileProgress) Finish() {
	if p.bar != nil {
		_ = p.bar.Finish()
		_, _ = io.WriteString(p.w, "\n")
	}
}

// byteProgress counts payload bytes; the total is unknown for downloads
type byteProgress struct {
	w   io.Writer
	bar *pb.ProgressBar
}

func (p *byteProgress) Start(_ int, bytes int64) {
	p.bar = pb.Full.New(0)
	p.bar.SetTotal(bytes)
	p.bar.SetWriter(p.w)
	p.bar.Set(pb.Bytes, true)
	p.bar.Start()
}

func (p *byteProgress) Transferred(n int64) {
	if p.bar != nil {
		p.bar.Add64(n)
	}
}

func (p *byteProgress) FileDone() {}

func (p *byteProgress) Finish() {
	if p.bar != nil {
		p.bar.Finish()
	}
}
