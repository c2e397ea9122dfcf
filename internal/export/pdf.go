/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package export

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jung-kurt/gofpdf"

	"chatstory/internal/script"
)

// Color is an 8-bit RGB color.
type Color struct{ R, G, B uint8 }

// PDFOptions controls transcript PDF layout.
// Units are points (pt). Text uses built-in Helvetica; UTF-8 is translated
// to the core font encoding, so characters outside cp1252 are lost.
type PDFOptions struct {
	PageWidth  float64 // default 420 (A5)
	PageHeight float64 // default 595
	Margin     float64 // default 28
	FontSize   float64 // default 10
	// Bubble fills; zero values use a light grey for the contact and a light blue for the player.
	ContactFill Color
	PlayerFill  Color
}

func (o PDFOptions) withDefaults() PDFOptions {
	if o.PageWidth <= 0 {
		o.PageWidth = 420
	}
	if o.PageHeight <= 0 {
		o.PageHeight = 595
	}
	if o.Margin <= 0 {
		o.Margin = 28
	}
	if o.FontSize <= 0 {
		o.FontSize = 10
	}
	if o.ContactFill == (Color{}) {
		o.ContactFill = Color{R: 235, G: 235, B: 235}
	}
	if o.PlayerFill == (Color{}) {
		o.PlayerFill = Color{R: 214, G: 232, B: 255}
	}
	return o
}

// WritePDF renders the transcript as chat bubbles: contact messages on the
// left, player messages on the right, notices centred.
func WritePDF(t Transcript, outPath string, opt PDFOptions) error {
	opt = opt.withDefaults()
	pdf := gofpdf.NewCustom(&gofpdf.InitType{
		UnitStr: "pt",
		Size:    gofpdf.SizeType{Wd: opt.PageWidth, Ht: opt.PageHeight},
	})
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetTitle(t.Title(), true)
	pdf.SetAuthor("chatstory", false)
	pdf.SetMargins(opt.Margin, opt.Margin, opt.Margin)
	pdf.SetAutoPageBreak(true, opt.Margin)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", opt.FontSize+4)
	pdf.CellFormat(0, opt.FontSize+8, tr(t.Title()), "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", opt.FontSize-2)
	pdf.SetTextColor(120, 120, 120)
	pdf.CellFormat(0, opt.FontSize, fmt.Sprintf("Chapter %d, exported %s", t.Chapter+1, t.Exported.Format("2006-01-02 15:04")), "", 1, "L", false, 0, "")
	pdf.Ln(opt.FontSize)

	usable := opt.PageWidth - 2*opt.Margin
	bubbleW := usable * 0.7
	lineH := opt.FontSize * 1.3
	for _, m := range t.Messages {
		text := m.Text
		if m.Kind == script.KindImage {
			text = "[image " + m.MediaKey + "]"
			if m.Text != "" {
				text += "\n" + m.Text
			}
		}
		switch {
		case m.Kind == script.KindSystemNotice:
			pdf.SetFont("Helvetica", "I", opt.FontSize-1)
			pdf.SetTextColor(110, 110, 110)
			pdf.MultiCell(0, lineH, tr(text), "", "C", false)
		default:
			x := opt.Margin
			fill := opt.ContactFill
			if m.IsPlayer() {
				x = opt.PageWidth - opt.Margin - bubbleW
				fill = opt.PlayerFill
			} else {
				pdf.SetFont("Helvetica", "B", opt.FontSize-2)
				pdf.SetTextColor(90, 90, 90)
				pdf.SetX(x)
				pdf.CellFormat(bubbleW, opt.FontSize, tr(m.Speaker), "", 1, "L", false, 0, "")
			}
			pdf.SetFont("Helvetica", "", opt.FontSize)
			pdf.SetTextColor(20, 20, 20)
			pdf.SetFillColor(int(fill.R), int(fill.G), int(fill.B))
			pdf.SetX(x)
			pdf.MultiCell(bubbleW, lineH, tr(text), "", "L", true)
		}
		pdf.Ln(opt.FontSize / 2)
	}

	if len(t.Unlocked) > 0 {
		pdf.Ln(opt.FontSize)
		pdf.SetFont("Helvetica", "B", opt.FontSize)
		pdf.SetTextColor(20, 20, 20)
		pdf.CellFormat(0, lineH, "Unlocked", "", 1, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", opt.FontSize)
		for _, item := range t.Unlocked {
			pdf.CellFormat(0, lineH, tr(item), "", 1, "L", false, 0, "")
		}
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("ensure out dir: %w", err)
	}
	if err := pdf.OutputFileAndClose(outPath); err != nil {
		return fmt.Errorf("write pdf: %w", err)
	}
	return nil
}
