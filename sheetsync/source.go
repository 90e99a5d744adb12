package sheetsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/xuri/excelize/v2"
)

// XlsxSource reads one worksheet into SourceRecords keyed by normalized
// header. The first row is the header row.
type XlsxSource struct {
	headers []string
	rows    []SourceRecord
}

func (s *XlsxSource) Headers() []string {
	return s.headers
}

func (s *XlsxSource) ListRows() ([]SourceRecord, error) {
	return s.rows, nil
}

// OpenSource dispatches on the connection's source URL: gs:// objects come
// from GCS, anything else is fetched over HTTP.
func OpenSource(ctx context.Context, sourceURL string, sheet string) (*XlsxSource, error) {
	sourceURL = strings.TrimSpace(sourceURL)
	if sourceURL == "" {
		return nil, &ConfigurationError{Reason: "connection has no source URL"}
	}
	if strings.HasPrefix(sourceURL, "gs://") {
		bucket, object, err := splitGCSPath(sourceURL)
		if err != nil {
			return nil, err
		}
		return NewXlsxSourceFromGCS(ctx, bucket, object, sheet)
	}
	return NewXlsxSourceFromURL(ctx, sourceURL, sheet)
}

// NewXlsxSourceFromURL downloads the workbook and indexes the sheet.
func NewXlsxSourceFromURL(ctx context.Context, fileURL string, sheet string) (*XlsxSource, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download file from URL: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download file: received status code %d", resp.StatusCode)
	}
	return NewXlsxSourceFromReader(resp.Body, sheet)
}

// NewXlsxSourceFromGCS reads the workbook out of a GCS object.
func NewXlsxSourceFromGCS(ctx context.Context, bucket string, object string, sheet string) (*XlsxSource, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	reader, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open gs://%s/%s: %v", bucket, object, err)
	}
	defer reader.Close()

	return NewXlsxSourceFromReader(reader, sheet)
}

func NewXlsxSourceFromReader(r io.Reader, sheet string) (*XlsxSource, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open Excel file: %v", err)
	}
	defer f.Close()

	if sheet == "" {
		sheet = f.GetSheetName(0)
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %q: %v", sheet, err)
	}
	if len(rows) == 0 {
		return &XlsxSource{}, nil
	}

	headers := make([]string, 0, len(rows[0]))
	for _, h := range rows[0] {
		headers = append(headers, NormalizeHeader(h))
	}

	source := &XlsxSource{headers: headers}
	for i, row := range rows[1:] {
		values := map[string]string{}
		for col, header := range headers {
			if header == "" {
				continue
			}
			if col < len(row) {
				values[header] = row[col]
			}
		}
		if len(values) == 0 {
			continue
		}
		// Spreadsheet row numbers are 1-based and include the header.
		source.rows = append(source.rows, SourceRecord{RowNumber: i + 2, Values: values})
	}
	return source, nil
}

func splitGCSPath(gsURL string) (string, string, error) {
	trimmed := strings.TrimPrefix(gsURL, "gs://")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("invalid gs:// path: " + gsURL)
	}
	return parts[0], parts[1], nil
}
