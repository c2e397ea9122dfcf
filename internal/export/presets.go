/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * Licensed under the Apache License, Version 2.0
 */

package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// PresetName represents a named export preset.
type PresetName string

const (
	PresetPrint   PresetName = "print"
	PresetPlain   PresetName = "plain"
	PresetArchive PresetName = "archive"
)

// BatchOptions controls export of one transcript into several formats.
//
// Files are named <conversation>.<ext> inside OutDir, which is created if
// missing. Formats: pdf, txt, json; empty means the preset's defaults.
type BatchOptions struct {
	Preset  PresetName
	Formats []string
	OutDir  string
	PDF     PDFOptions
}

// Batch writes t in every requested format and returns the written paths.
func Batch(t Transcript, opt BatchOptions) ([]string, error) {
	formats := opt.Formats
	if len(formats) == 0 {
		formats = presetDefaultFormats(opt.Preset)
	}
	outDir := opt.OutDir
	if outDir == "" {
		outDir = "."
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure out dir: %w", err)
	}
	base := safeName(t.ConversationID)

	var written []string
	for _, f := range formats {
		f = strings.ToLower(strings.TrimSpace(f))
		out := filepath.Join(outDir, base+"."+f)
		var err error
		switch f {
		case "pdf":
			err = WritePDF(t, out, opt.PDF)
		case "txt":
			err = writeFile(out, func(fh *os.File) error { return WriteText(fh, t) })
		case "json":
			err = writeFile(out, func(fh *os.File) error {
				enc := json.NewEncoder(fh)
				enc.SetIndent("", "  ")
				return enc.Encode(t)
			})
		default:
			return written, fmt.Errorf("unknown format: %s", f)
		}
		if err != nil {
			return written, fmt.Errorf("%s transcript: %w", f, err)
		}
		written = append(written, out)
	}
	return written, nil
}

func presetDefaultFormats(p PresetName) []string {
	switch p {
	case PresetPlain:
		return []string{"txt"}
	case PresetArchive:
		return []string{"json", "txt"}
	default:
		return []string{"pdf"}
	}
}

func writeFile(path string, fill func(*os.File) error) error {
	fh, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := fill(fh); err != nil {
		_ = fh.Close()
		return err
	}
	return fh.Close()
}

func safeName(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "conversation"
	}
	return b.String()
}
