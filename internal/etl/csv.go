package etl

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/BartekS5/opendata-import/pkg/logger"
	"github.com/BartekS5/opendata-import/pkg/models"
	"golang.org/x/sync/errgroup"
)

const (
	defaultFetchTimeout     = 120 * time.Second
	defaultFetchConcurrency = 4
	// Upper bound for a ZIP download held in memory.
	maxArchiveSize = 512 << 20
)

var (
	utf8BOM         = []byte{0xEF, 0xBB, 0xBF}
	errNoCSVInZip   = errors.New("archive contains no .csv entry")
	errEmptyCSV     = errors.New("csv has no header row")
	errArchiveLarge = errors.New("archive exceeds size limit")
)

// CSVImporter downloads one or more CSV shards over HTTP and maps their rows
// with a Transformer.
type CSVImporter struct {
	def         *models.PipelineDefinition
	client      *http.Client
	timeout     time.Duration
	concurrency int
	transformer *Transformer
}

type CSVOption func(*CSVImporter)

func WithHTTPClient(c *http.Client) CSVOption {
	return func(i *CSVImporter) { i.client = c }
}

// WithFetchTimeout sets the per-shard download timeout unless the pipeline
// definition sets its own.
func WithFetchTimeout(d time.Duration) CSVOption {
	return func(i *CSVImporter) {
		if d > 0 {
			i.timeout = d
		}
	}
}

// WithFetchConcurrency bounds how many shards download at once.
func WithFetchConcurrency(n int) CSVOption {
	return func(i *CSVImporter) {
		if n > 0 {
			i.concurrency = n
		}
	}
}

func NewCSVImporter(def *models.PipelineDefinition, opts ...CSVOption) *CSVImporter {
	imp := &CSVImporter{
		def:         def,
		client:      http.DefaultClient,
		timeout:     defaultFetchTimeout,
		concurrency: defaultFetchConcurrency,
		transformer: NewTransformer(def),
	}
	for _, o := range opts {
		o(imp)
	}
	if def.Source.Timeout > 0 {
		imp.timeout = time.Duration(def.Source.Timeout)
	}
	return imp
}

func (i *CSVImporter) Name() string { return i.def.Name }

type shardSource struct {
	name string
	url  string
}

// sources expands the {shard} placeholder; without shards the URL is fetched once.
func (i *CSVImporter) sources() []shardSource {
	src := i.def.Source
	if len(src.Shards) == 0 {
		return []shardSource{{url: src.URL}}
	}
	out := make([]shardSource, len(src.Shards))
	for n, shard := range src.Shards {
		out[n] = shardSource{
			name: shard,
			url:  strings.ReplaceAll(src.URL, models.ShardPlaceholder, url.PathEscape(shard)),
		}
	}
	return out
}

// Fetch downloads every shard and returns the rows in shard order. Any failed
// shard fails the whole fetch.
func (i *CSVImporter) Fetch(ctx context.Context) ([]models.RawRow, error) {
	sources := i.sources()
	perShard := make([][]models.RawRow, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.concurrency)
	for n, src := range sources {
		g.Go(func() error {
			start := time.Now()
			rows, err := i.fetchShard(gctx, src)
			if err != nil {
				return err
			}
			perShard[n] = rows
			logger.Info("shard downloaded",
				"pipeline", i.def.Name,
				"shard", src.name,
				"rows", len(rows),
				"duration", time.Since(start).Round(time.Millisecond),
			)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := 0
	for _, rows := range perShard {
		total += len(rows)
	}
	all := make([]models.RawRow, 0, total)
	for _, rows := range perShard {
		all = append(all, rows...)
	}
	return all, nil
}

func (i *CSVImporter) Transform(ctx context.Context, rows []models.RawRow) TransformResult {
	return i.transformer.Transform(ctx, rows)
}

func (i *CSVImporter) fetchShard(ctx context.Context, src shardSource) ([]models.RawRow, error) {
	fail := func(status int, err error) error {
		return &FetchError{Source: i.sourceName(src), URL: src.url, StatusCode: status, Err: err}
	}

	reqCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, src.url, nil)
	if err != nil {
		return nil, fail(0, err)
	}
	for k, v := range i.def.Headers {
		req.Header.Set(k, v)
	}

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, fail(0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fail(resp.StatusCode, errors.New(resp.Status))
	}

	var body io.Reader = resp.Body
	if i.def.Source.Archive == "zip" {
		entry, err := openZipCSV(resp.Body)
		if err != nil {
			return nil, fail(0, err)
		}
		defer entry.Close()
		body = entry
	}

	rows, err := ParseCSV(body, src.name, i.def.Source.Delimiter)
	if err != nil {
		return nil, fail(0, err)
	}
	return rows, nil
}

func (i *CSVImporter) sourceName(src shardSource) string {
	if src.name == "" {
		return i.def.Name
	}
	return i.def.Name + "/" + src.name
}

// openZipCSV buffers the archive and opens its first .csv entry.
func openZipCSV(r io.Reader) (io.ReadCloser, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxArchiveSize+1))
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	if len(data) > maxArchiveSize {
		return nil, errArchiveLarge
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !strings.EqualFold(path.Ext(f.Name), ".csv") {
			continue
		}
		return f.Open()
	}
	return nil, errNoCSVInZip
}

// ParseCSV reads a header row and maps every following row onto it. A UTF-8
// BOM is stripped, quotes are parsed leniently and short rows are allowed.
func ParseCSV(r io.Reader, shard, delimiter string) ([]models.RawRow, error) {
	br := bufio.NewReader(r)
	if prefix, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(prefix, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}

	cr := csv.NewReader(br)
	if delimiter != "" {
		comma, _ := utf8.DecodeRuneInString(delimiter)
		cr.Comma = comma
	}
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, errEmptyCSV
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	for n := range header {
		header[n] = strings.TrimSpace(header[n])
	}

	var rows []models.RawRow
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		line, _ := cr.FieldPos(0)

		fields := make(map[string]string, len(header))
		for n, name := range header {
			if n < len(rec) {
				fields[name] = rec[n]
			}
		}
		rows = append(rows, models.RawRow{Shard: shard, Line: line, Fields: fields, Headers: header})
	}
	return rows, nil
}
