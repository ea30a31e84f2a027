package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BartekS5/opendata-import/pkg/models"
)

const (
	restPath            = "/rest/v1/"
	maxErrorBodyLength  = 300
	defaultRESTTimeout  = 30 * time.Second
	preferMergeUpsert   = "resolution=merge-duplicates,return=minimal"
	preferExactRowCount = "count=exact"
)

var errMissingCredentials = errors.New("REST store needs both a base URL and a service key")

// RESTConfig carries everything the REST store needs; nothing is read from the environment.
type RESTConfig struct {
	BaseURL    string
	ServiceKey string
	// Schema selects a non-public schema through Content-Profile/Accept-Profile.
	Schema     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// RESTStore upserts through a PostgREST endpoint (as exposed by Supabase).
type RESTStore struct {
	cfg     RESTConfig
	baseURL *url.URL
	client  *http.Client
}

func NewRESTStore(cfg RESTConfig) (*RESTStore, error) {
	if cfg.BaseURL == "" || cfg.ServiceKey == "" {
		return nil, errMissingCredentials
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse REST base URL %q: %w", cfg.BaseURL, err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRESTTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &RESTStore{cfg: cfg, baseURL: base, client: client}, nil
}

func (s *RESTStore) tableURL(table string, query url.Values) string {
	u := *s.baseURL
	u.Path = s.baseURL.Path + restPath + table
	u.RawQuery = query.Encode()
	return u.String()
}

func (s *RESTStore) setAuth(req *http.Request) {
	req.Header.Set("apikey", s.cfg.ServiceKey)
	req.Header.Set("Authorization", "Bearer "+s.cfg.ServiceKey)
}

func (s *RESTStore) nonPublicSchema() bool {
	return s.cfg.Schema != "" && s.cfg.Schema != "public"
}

// Upsert sends the whole batch as one POST with merge-duplicates resolution.
func (s *RESTStore) Upsert(ctx context.Context, table string, records []models.Record, key models.ConflictKey) error {
	if len(records) == 0 {
		return nil
	}
	op := "rest upsert " + table
	records = dedupeByKey(records, key)

	// PostgREST bulk inserts need every object to carry the same keys.
	cols := models.Columns(records)
	rows := make([]map[string]any, len(records))
	for i, r := range records {
		row := make(map[string]any, len(cols))
		for _, c := range cols {
			row[c] = r[c]
		}
		rows[i] = row
	}

	body, err := json.Marshal(rows)
	if err != nil {
		return permanent(op, fmt.Errorf("%w: %w", ErrInvalidRecord, err))
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	q := url.Values{}
	q.Set("on_conflict", key.String())
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, s.tableURL(table, q), bytes.NewReader(body))
	if err != nil {
		return permanent(op, fmt.Errorf("error creating request: %w", err))
	}
	s.setAuth(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", preferMergeUpsert)
	if s.nonPublicSchema() {
		req.Header.Set("Content-Profile", s.cfg.Schema)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return s.requestError(ctx, op, err)
	}
	defer resp.Body.Close()

	return classifyStatus(op, resp, readErrorBody(resp))
}

// Count returns the exact row count of table using a HEAD request.
func (s *RESTStore) Count(ctx context.Context, table string) (int64, error) {
	op := "rest count " + table

	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	q := url.Values{}
	q.Set("select", "*")
	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, s.tableURL(table, q), nil)
	if err != nil {
		return 0, fmt.Errorf("error creating request: %w", err)
	}
	s.setAuth(req)
	req.Header.Set("Prefer", preferExactRowCount)
	if s.nonPublicSchema() {
		req.Header.Set("Accept-Profile", s.cfg.Schema)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, s.requestError(ctx, op, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(op, resp, resp.Status); err != nil {
		return 0, err
	}
	return parseContentRange(resp.Header.Get("Content-Range"))
}

// Columns lists the table's columns from the keys of its first row. An empty
// table yields nil, since PostgREST exposes no column list without a row.
func (s *RESTStore) Columns(ctx context.Context, table string) ([]string, error) {
	op := "rest columns " + table

	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	q := url.Values{}
	q.Set("select", "*")
	q.Set("limit", "1")
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, s.tableURL(table, q), nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	s.setAuth(req)
	req.Header.Set("Accept", "application/json")
	if s.nonPublicSchema() {
		req.Header.Set("Accept-Profile", s.cfg.Schema)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, s.requestError(ctx, op, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(op, resp, readErrorBody(resp)); err != nil {
		return nil, err
	}
	var rows []map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", op, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	cols := make([]string, 0, len(rows[0]))
	for c := range rows[0] {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols, nil
}

func (s *RESTStore) Close(context.Context) error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *RESTStore) requestError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	if isNetworkError(err) {
		return transient(op, err)
	}
	return permanent(op, err)
}

func readErrorBody(resp *http.Response) string {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return ""
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4*maxErrorBodyLength))
	msg := strings.TrimSpace(string(b))
	if len(msg) > maxErrorBodyLength {
		msg = msg[:maxErrorBodyLength]
	}
	if msg == "" {
		msg = resp.Status
	}
	return msg
}

// parseContentRange reads the total from "0-24/3573" or "*/3573".
func parseContentRange(v string) (int64, error) {
	_, total, ok := strings.Cut(v, "/")
	if !ok || total == "*" {
		return 0, fmt.Errorf("content-range %q carries no total", v)
	}
	n, err := strconv.ParseInt(total, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("content-range %q: %w", v, err)
	}
	return n, nil
}
