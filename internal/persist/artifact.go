package persist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/essaydesk/deskstore/internal/store"
)

// ErrWriteOnly is returned by Load on a write-only port.
var ErrWriteOnly = errors.New("port is write-only")

// ArtifactName returns the file name offered for a downloaded state, e.g.
// deskstore-20260301T120000Z.json.
func ArtifactName(at time.Time, format Format) string {
	return fmt.Sprintf("deskstore-%s.%s", at.UTC().Format("20060102T150405Z"), format.Ext())
}

// WriterPort is a write-only store.Port that serializes the state onto W.
//
// It backs the "force external save" path: the dashboard points it at an
// HTTP response to offer the state as a download, and the export command
// points it at a file or stdout.
type WriterPort struct {
	W      io.Writer
	Format Format
}

// NewWriterPort creates a WriterPort for w.
func NewWriterPort(w io.Writer, format Format) *WriterPort {
	return &WriterPort{W: w, Format: format}
}

// Save implements store.Port.
func (p *WriterPort) Save(_ context.Context, state store.State) error {
	data, err := Encode(state, p.Format)
	if err != nil {
		return err
	}
	if _, err := p.W.Write(data); err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	return nil
}

// Load implements store.Port. A writer cannot be read back.
func (p *WriterPort) Load(context.Context) (store.State, bool, error) {
	return nil, false, ErrWriteOnly
}

// Clear implements store.Port. It is a no-op.
func (p *WriterPort) Clear(context.Context) error {
	return nil
}
