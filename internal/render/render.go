// Package render produces the signed contract PDF: contract title and body followed by one
// signature block per signer, each carrying the embedded signature image and its human
// "Date Signed" stamp, and a machine "Signed on" timestamp at the end of the document.
//
// Rendering has no side effects besides logging. For a fixed now the output is byte-identical.
package render

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register gif
	_ "image/jpeg" // register jpeg
	"image/png"
	"log/slog"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
	"golang.org/x/image/draw"

	"github.com/membershiphub/esign/internal/db/models"
	"github.com/membershiphub/esign/internal/telemetry"
)

// FallbackMarker replaces a signature image that could not be decoded or embedded
const FallbackMarker = "[Digital Signature Applied]"

// Layout in millimetres on an A4 portrait page.
const (
	pageMargin   = 20.0
	imageWidth   = 70.0
	imageHeight  = 25.0
	blockHeight  = 52.0
	pixelsPerMM  = 8
	bodyFontSize = 11.0
	bodyLineH    = 5.5
)

// maxImageSide bounds each dimension of a signature image, checked from the header before
// the pixels are decoded.
const maxImageSide = 4000

// ErrImageTooLarge is returned for a signature image wider or taller than maxImageSide
var ErrImageTooLarge = errors.New("signature image exceeds the maximum dimensions")

// SignatureImage is one signer's contribution to the rendered document
type SignatureImage struct {
	Role       models.SignerRole
	SignerName string
	// Data is a data URL (data:image/png;base64,...) or bare base64 image payload
	Data string
	// DateSigned overrides the document-level signed date for this block when set
	DateSigned string
}

// RenderDegradedError reports a signature image that was replaced by FallbackMarker.
// It is logged, never returned from Render.
type RenderDegradedError struct {
	Role models.SignerRole
	Err  error
}

func (e *RenderDegradedError) Error() string {
	return fmt.Sprintf("signature image for %s replaced by text fallback: %v", e.Role, e.Err)
}

func (e *RenderDegradedError) Unwrap() error { return e.Err }

// Renderer renders signed contract documents
type Renderer struct {
	logger *slog.Logger
}

// New creates a Renderer. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Renderer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Renderer{logger: logger}
}

// RenderSingle renders a document carrying one signature, stamped with the current time
func (r *Renderer) RenderSingle(contract *models.Contract, sig SignatureImage, signedDate string) ([]byte, error) {
	return r.Render(contract, []SignatureImage{sig}, signedDate, time.Now())
}

// Render produces the PDF bytes for contract with the given signatures in order.
// signedDate is the human-readable date shown in each "Date Signed" stamp; now is the
// machine timestamp shown after "Signed on:" and used for the document metadata.
func (r *Renderer) Render(contract *models.Contract, sigs []SignatureImage, signedDate string, now time.Time) ([]byte, error) {
	if contract == nil {
		return nil, errors.New("render: contract is required")
	}
	start := time.Now()
	defer func() { telemetry.ArtifactRenderDuration.Observe(time.Since(start).Seconds()) }()

	now = now.UTC()
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetCompression(false)
	pdf.SetCatalogSort(true)
	pdf.SetCreationDate(now)
	pdf.SetModificationDate(now)
	pdf.SetMargins(pageMargin, pageMargin, pageMargin)
	pdf.SetAutoPageBreak(true, pageMargin)
	pdf.SetTitle(contract.Title, true)
	pdf.SetProducer("esign", false)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.AddPage()
	pdf.SetFont("Helvetica", "B", 18)
	pdf.MultiCell(0, 9, tr(contract.Title), "", "C", false)
	pdf.Ln(6)

	pdf.SetFont("Helvetica", "", bodyFontSize)
	pdf.MultiCell(0, bodyLineH, tr(normalizeText(contract.Content)), "", "L", false)
	pdf.Ln(10)

	_, pageHeight := pdf.GetPageSize()
	for i, sig := range sigs {
		if pdf.GetY()+blockHeight > pageHeight-pageMargin {
			pdf.AddPage()
		}
		date := sig.DateSigned
		if date == "" {
			date = signedDate
		}
		r.signatureBlock(pdf, tr, i, sig, date)
	}

	pdf.Ln(4)
	pdf.SetFont("Helvetica", "", 9)
	pdf.Cell(0, 5, "Signed on: "+now.Format(time.RFC3339))

	if err := pdf.Error(); err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render: failed to write PDF: %w", err)
	}
	return buf.Bytes(), nil
}

func (r *Renderer) signatureBlock(pdf *fpdf.Fpdf, tr func(string) string, idx int, sig SignatureImage, date string) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 6, roleLabel(sig.Role))
	pdf.Ln(7)

	x, y := pdf.GetX(), pdf.GetY()
	if err := embedImage(pdf, fmt.Sprintf("signature-%d", idx), sig.Data, x, y); err != nil {
		degraded := &RenderDegradedError{Role: sig.Role, Err: err}
		r.logger.Warn("signature image degraded", "role", sig.Role, "error", degraded)
		telemetry.RenderFallbacksTotal.Inc()
		pdf.SetFont("Helvetica", "I", 11)
		pdf.SetXY(x, y+imageHeight/2-3)
		pdf.Cell(imageWidth, 6, FallbackMarker)
	}
	pdf.SetXY(x, y+imageHeight+1)
	pdf.SetDrawColor(0, 0, 0)
	pdf.Line(x, pdf.GetY(), x+imageWidth, pdf.GetY())
	pdf.Ln(2)

	pdf.SetFont("Helvetica", "", 10)
	if sig.SignerName != "" {
		pdf.Cell(0, 5, tr(sig.SignerName))
		pdf.Ln(5)
	}
	pdf.Cell(0, 5, tr("Date Signed: "+date))
	pdf.Ln(10)
}

// embedImage places the decoded, normalised image inside the fixed signature box at (x, y).
// Any failure leaves the document without partial image state.
func embedImage(pdf *fpdf.Fpdf, name, data string, x, y float64) error {
	raw, err := decodeDataURL(data)
	if err != nil {
		return err
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode image: %w", err)
	}
	if cfg.Width > maxImageSide || cfg.Height > maxImageSide {
		return fmt.Errorf("%w: %dx%d", ErrImageTooLarge, cfg.Width, cfg.Height)
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode image: %w", err)
	}
	if img.Bounds().Empty() {
		return errors.New("decode image: empty bounds")
	}

	var encoded bytes.Buffer
	if err := png.Encode(&encoded, normalize(img)); err != nil {
		return fmt.Errorf("encode image: %w", err)
	}

	opts := fpdf.ImageOptions{ImageType: "PNG"}
	pdf.RegisterImageOptionsReader(name, opts, &encoded)
	if err := pdf.Error(); err != nil {
		pdf.ClearError()
		return fmt.Errorf("embed image: %w", err)
	}
	pdf.ImageOptions(name, x, y, imageWidth, imageHeight, false, opts, 0, "")
	return nil
}

// normalize scales img to fit the signature box, centred and flattened onto white.
func normalize(img image.Image) *image.RGBA {
	boxW, boxH := int(imageWidth)*pixelsPerMM, int(imageHeight)*pixelsPerMM
	dst := image.NewRGBA(image.Rect(0, 0, boxW, boxH))
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)

	src := img.Bounds()
	scale := min(float64(boxW)/float64(src.Dx()), float64(boxH)/float64(src.Dy()))
	w := max(1, int(float64(src.Dx())*scale))
	h := max(1, int(float64(src.Dy())*scale))
	offX, offY := (boxW-w)/2, (boxH-h)/2

	draw.ApproxBiLinear.Scale(dst, image.Rect(offX, offY, offX+w, offY+h), img, src, draw.Over, nil)
	return dst
}

// decodeDataURL accepts data:<mime>;base64,<payload> or a bare base64 payload
func decodeDataURL(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty signature data")
	}
	if strings.HasPrefix(s, "data:") {
		comma := strings.IndexByte(s, ',')
		if comma < 0 {
			return nil, errors.New("malformed data URL")
		}
		if !strings.HasSuffix(s[:comma], ";base64") {
			return nil, errors.New("data URL is not base64 encoded")
		}
		s = s[comma+1:]
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		b, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
	}
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	return b, nil
}

func roleLabel(role models.SignerRole) string {
	switch role {
	case models.SignerRoleFirst:
		return "Signer"
	case models.SignerRoleCounter:
		return "Counter-signer"
	}
	return "Signature"
}

func normalizeText(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}
