package emit

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"krauler/pkg/config"
	"krauler/pkg/models"
	"krauler/pkg/page"
	"krauler/pkg/parse"
	"krauler/pkg/utils"
)

// FileSink writes retained pages under an output directory:
// raw content per page, optional Markdown, one JSONL record per page and a YAML summary on Close.
type FileSink struct {
	cfg    config.EmitConfig
	outDir string
	runID  string
	seeds  []string
	log    *logrus.Entry
	tokens *TokenCounter

	jsonlFile     *os.File
	jsonlFileMu   sync.Mutex
	jsonlFilePath string

	collectedPageMetadata []models.PageMetadata
	metadataMutex         sync.Mutex
	crawlStartTime        time.Time
	saved                 int
}

// NewFileSink creates the output directory and opens the JSONL file.
// With resume the JSONL file is appended to; otherwise it is truncated.
func NewFileSink(cfg config.EmitConfig, outDir, runID string, seeds []string, resume bool, log *logrus.Entry) (*FileSink, error) {
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: create output dir '%s': %w", utils.ErrFilesystem, outDir, err)
	}

	s := &FileSink{
		cfg:            cfg,
		outDir:         outDir,
		runID:          runID,
		seeds:          seeds,
		log:            log,
		crawlStartTime: time.Now(),
	}

	if cfg.EnableTokenCounting {
		tc, err := NewTokenCounter(cfg.TokenizerEncoding)
		if err != nil {
			log.Warnf("Token counting disabled: %v", err)
		} else {
			s.tokens = tc
		}
	}

	if cfg.JSONLFilename != "" {
		s.jsonlFilePath = filepath.Join(outDir, cfg.JSONLFilename)
		file, err := openOutputFile(s.jsonlFilePath, resume)
		if err != nil {
			return nil, err
		}
		s.jsonlFile = file
		log.Infof("JSONL output file: %s (resume: %v)", s.jsonlFilePath, resume)
	}
	return s, nil
}

func openOutputFile(path string, resume bool) (*os.File, error) {
	flags := os.O_CREATE | os.O_WRONLY
	if resume {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: open '%s': %w", utils.ErrFilesystem, path, err)
	}
	return file, nil
}

// Emit implements Sink
func (s *FileSink) Emit(ctx context.Context, p *page.Page) error {
	id := p.ID()
	taskLog := s.log.WithField("url", id)

	content, err := p.Content(ctx)
	if err != nil {
		return err
	}
	mimeType, err := p.MimeType(ctx)
	if err != nil {
		return err
	}
	resp, _ := p.Response(ctx)
	isHTML := p.IsHTML(ctx)

	record := models.PageRecord{
		URL:          id,
		MimeType:     mimeType,
		StatusCode:   resp.StatusCode,
		Depth:        len(p.Path),
		ContentBytes: len(content),
		ContentHash:  utils.SHA256Hex(content),
		CrawledAt:    time.Now().Format(time.RFC3339),
	}
	if requested, ok := parse.Normalize(p.URL); ok && requested != id {
		record.RequestedURL = requested
	}

	if isHTML {
		if doc, docErr := p.Doc(ctx); docErr == nil {
			record.Title = strings.TrimSpace(doc.Find("title").First().Text())
		}
	}

	hostDir := filepath.Join(s.outDir, utils.HostDir(id))

	if s.cfg.GetEffectiveSaveContent() {
		rel := filepath.Join(utils.HostDir(id), utils.URLFilename(id, extensionFor(mimeType)))
		if err := writeFile(hostDir, filepath.Join(s.outDir, rel), content); err != nil {
			return err
		}
		record.LocalPath = filepath.ToSlash(rel)
	}

	var markdown string
	if s.cfg.ConvertMarkdown && isHTML {
		converted, convErr := toMarkdown(string(content))
		if convErr != nil {
			taskLog.WithField("error_type", utils.CategorizeError(convErr)).Warnf("Markdown conversion failed: %v", convErr)
		} else {
			markdown = converted
			rel := filepath.Join(utils.HostDir(id), utils.URLFilename(id, ".md"))
			if err := writeFile(hostDir, filepath.Join(s.outDir, rel), []byte(markdown)); err != nil {
				return err
			}
			record.MarkdownPath = filepath.ToSlash(rel)
		}
	}

	if s.tokens != nil {
		text := markdown
		if text == "" && (isHTML || strings.HasPrefix(mimeType, "text/")) {
			text = string(content)
		}
		if text != "" {
			record.TokenCount = s.tokens.Count(text)
		}
	}

	if err := s.writeRecord(record); err != nil {
		return err
	}

	s.metadataMutex.Lock()
	s.saved++
	if s.cfg.EnableMetadataYAML {
		s.collectedPageMetadata = append(s.collectedPageMetadata, models.PageMetadata{
			OriginalURL:   p.URL,
			NormalizedURL: id,
			LocalFilePath: record.LocalPath,
			MarkdownPath:  record.MarkdownPath,
			Title:         record.Title,
			MimeType:      mimeType,
			Depth:         record.Depth,
			ProcessedAt:   time.Now(),
			ContentHash:   record.ContentHash,
			TokenCount:    record.TokenCount,
		})
	}
	s.metadataMutex.Unlock()

	taskLog.WithFields(logrus.Fields{"bytes": len(content), "local_path": record.LocalPath}).Debug("Page retained")
	return nil
}

// PagesSaved returns the number of pages emitted so far
func (s *FileSink) PagesSaved() int {
	s.metadataMutex.Lock()
	defer s.metadataMutex.Unlock()
	return s.saved
}

// Close syncs and closes the JSONL file and writes the YAML metadata file.
func (s *FileSink) Close() error {
	s.closeJSONLFile()
	return s.writeMetadataYAML()
}

func (s *FileSink) writeRecord(record models.PageRecord) error {
	s.jsonlFileMu.Lock()
	defer s.jsonlFileMu.Unlock()

	if s.jsonlFile == nil {
		return nil
	}
	jsonBytes, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("%w: marshal page record: %w", utils.ErrParsing, err)
	}
	if _, err := s.jsonlFile.Write(append(jsonBytes, '\n')); err != nil {
		return fmt.Errorf("%w: write '%s': %w", utils.ErrFilesystem, s.jsonlFilePath, err)
	}
	return nil
}

func (s *FileSink) closeJSONLFile() {
	s.jsonlFileMu.Lock()
	defer s.jsonlFileMu.Unlock()

	if s.jsonlFile != nil {
		if err := s.jsonlFile.Sync(); err != nil {
			s.log.Errorf("Error syncing JSONL file '%s': %v", s.jsonlFilePath, err)
		}
		if err := s.jsonlFile.Close(); err != nil {
			s.log.Errorf("Error closing JSONL file '%s': %v", s.jsonlFilePath, err)
		}
		s.jsonlFile = nil
	}
}

// writeMetadataYAML writes all collected page metadata to a YAML file.
func (s *FileSink) writeMetadataYAML() error {
	if !s.cfg.EnableMetadataYAML {
		return nil
	}
	yamlFilePath := filepath.Join(s.outDir, s.cfg.MetadataYAMLFilename)

	s.metadataMutex.Lock()
	pages := make([]models.PageMetadata, len(s.collectedPageMetadata))
	copy(pages, s.collectedPageMetadata)
	s.metadataMutex.Unlock()

	metadata := models.CrawlMetadata{
		RunID:           s.runID,
		Seeds:           s.seeds,
		CrawlStartTime:  s.crawlStartTime,
		CrawlEndTime:    time.Now(),
		TotalPagesSaved: len(pages),
		Pages:           pages,
	}

	yamlData, err := yaml.Marshal(&metadata)
	if err != nil {
		return fmt.Errorf("%w: marshal crawl metadata: %w", utils.ErrParsing, err)
	}
	if err := os.WriteFile(yamlFilePath, yamlData, 0644); err != nil {
		return fmt.Errorf("%w: write metadata YAML '%s': %w", utils.ErrFilesystem, yamlFilePath, err)
	}

	s.log.Infof("Wrote crawl metadata (%d pages) to %s", metadata.TotalPagesSaved, yamlFilePath)
	return nil
}

// toMarkdown converts an HTML document to Markdown
func toMarkdown(html string) (string, error) {
	converter := md.NewConverter("", true, nil)
	out, err := converter.ConvertString(html)
	if err != nil {
		return "", fmt.Errorf("%w: %w", utils.ErrMarkdown, err)
	}
	return out, nil
}

func writeFile(dir, path string, data []byte) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: create '%s': %w", utils.ErrFilesystem, dir, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("%w: write '%s': %w", utils.ErrFilesystem, path, err)
	}
	return nil
}

// extensionFor picks a file extension for a MIME type
func extensionFor(mimeType string) string {
	switch {
	case strings.Contains(mimeType, "html"):
		return ".html"
	case mimeType == "application/json":
		return ".json"
	case mimeType == "text/plain":
		return ".txt"
	}
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
