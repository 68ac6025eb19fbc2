package export

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// AttachmentName is the file name of the diagram source attached to PDFs.
const AttachmentName = "diagram.drawio"

// MicronsPerPixel converts diagram page units to print micrometres.
const MicronsPerPixel = 264.58

// ErrNoPages is returned when a merge has nothing to merge.
var ErrNoPages = errors.New("export: no pages to merge")

func init() {
	// pdfcpu otherwise installs a config directory under the user's home.
	api.DisableConfigDir()
}

func pdfConfig() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

// MergeOptions controls document-level output of MergePDF.
type MergeOptions struct {
	// Creator is stamped into the document information dictionary.
	Creator string
	// Attachment, when set, is embedded as AttachmentName.
	Attachment []byte
}

// MergePDF concatenates single-page documents in order. A page that does
// not parse fails the merge with its index.
func MergePDF(pages [][]byte, opts MergeOptions) ([]byte, error) {
	if len(pages) == 0 {
		return nil, ErrNoPages
	}
	conf := pdfConfig()

	readers := make([]io.ReadSeeker, len(pages))
	for i, page := range pages {
		if _, err := api.PageCount(bytes.NewReader(page), conf); err != nil {
			return nil, fmt.Errorf("page %d: %w", i+1, err)
		}
		readers[i] = bytes.NewReader(page)
	}

	var merged bytes.Buffer
	if err := api.MergeRaw(readers, &merged, false, conf); err != nil {
		return nil, fmt.Errorf("merge pages: %w", err)
	}
	out := merged.Bytes()

	var err error
	if opts.Creator != "" {
		if out, err = stampCreator(out, opts.Creator, conf); err != nil {
			return nil, err
		}
	}
	if len(opts.Attachment) > 0 {
		if out, err = attach(out, opts.Attachment, conf); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// stampCreator sets the Creator entry of the information dictionary.
func stampCreator(data []byte, creator string, conf *model.Configuration) ([]byte, error) {
	ctx, err := api.ReadContext(bytes.NewReader(data), conf)
	if err != nil {
		return nil, fmt.Errorf("read merged document: %w", err)
	}
	if ctx.Info == nil {
		ir, err := ctx.IndRefForNewObject(types.Dict{})
		if err != nil {
			return nil, fmt.Errorf("create info dict: %w", err)
		}
		ctx.Info = ir
	}
	info, err := ctx.DereferenceDict(*ctx.Info)
	if err != nil {
		return nil, fmt.Errorf("info dict: %w", err)
	}
	info["Creator"] = types.StringLiteral(creator)

	var out bytes.Buffer
	if err := api.WriteContext(ctx, &out); err != nil {
		return nil, fmt.Errorf("write merged document: %w", err)
	}
	return out.Bytes(), nil
}

// attach embeds source as a file attachment. pdfcpu attaches from files,
// so the source is staged in a private temp directory.
func attach(data, source []byte, conf *model.Configuration) ([]byte, error) {
	dir, err := os.MkdirTemp("", "drawhost-attach-")
	if err != nil {
		return nil, fmt.Errorf("stage attachment: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, AttachmentName)
	if err := os.WriteFile(path, source, 0o600); err != nil {
		return nil, fmt.Errorf("stage attachment: %w", err)
	}

	var out bytes.Buffer
	if err := api.AddAttachments(bytes.NewReader(data), &out, []string{path}, false, conf); err != nil {
		return nil, fmt.Errorf("attach diagram: %w", err)
	}
	return out.Bytes(), nil
}

// PageCount returns the number of pages in a PDF document.
func PageCount(data []byte) (int, error) {
	return api.PageCount(bytes.NewReader(data), pdfConfig())
}
