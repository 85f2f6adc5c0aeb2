package assembler

import (
	"context"
	"io"
	"os"

	"github.com/italolelis/peerbuy_downloader/internal/purchase"
)

// Decryptor reconstitutes file content from paid pieces. Prepare is called
// once per file before any of its pieces is opened.
type Decryptor interface {
	Prepare(ctx context.Context, contract purchase.Contract, fi purchase.FileInfo) error
	Open(piece purchase.FilePiece) (io.ReadCloser, error)
}

// Spool hands out pieces exactly as they were spooled. It suits sellers that
// deliver clear content; sealed media needs a Decryptor that knows the
// piece key algorithm.
type Spool struct{}

func (Spool) Prepare(context.Context, purchase.Contract, purchase.FileInfo) error {
	return nil
}

func (Spool) Open(piece purchase.FilePiece) (io.ReadCloser, error) {
	return os.Open(piece.Path)
}
