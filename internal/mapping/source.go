package mapping

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"strings"

	"google.golang.org/api/sheets/v4"
)

// Source はマッピングの取得元。1行目からの行を文字列の2次元配列で返す。
type Source interface {
	Fetch(ctx context.Context) ([][]string, error)
	// FirstRow は返す行の先頭がソース上の何行目かを返す。ログの行番号に使用する。
	FirstRow() int
}

// SheetsService はスプレッドシートAPIクライアントの取得を抽象化する。
type SheetsService interface {
	Sheets() (*sheets.Service, error)
}

// SheetsSource はGoogleスプレッドシートからマッピングを読み込む。
type SheetsSource struct {
	services      SheetsService
	spreadsheetID string
	readRange     string
}

// NewSheetsSource はSheetsSourceを生成する。
// readRangeはA1記法（例: "Sheet1!A2:C"）で、空の場合は"Sheet1!A2:C"を使用する。
func NewSheetsSource(services SheetsService, spreadsheetID, readRange string) *SheetsSource {
	if readRange == "" {
		readRange = "Sheet1!A2:C"
	}
	return &SheetsSource{
		services:      services,
		spreadsheetID: spreadsheetID,
		readRange:     readRange,
	}
}

// Fetch はスプレッドシートの値を取得する。
func (s *SheetsSource) Fetch(ctx context.Context) ([][]string, error) {
	srv, err := s.services.Sheets()
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}

	resp, err := srv.Spreadsheets.Values.Get(s.spreadsheetID, s.readRange).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("read spreadsheet %s: %w", s.spreadsheetID, err)
	}

	rows := make([][]string, 0, len(resp.Values))
	for _, values := range resp.Values {
		row := make([]string, len(values))
		for i, v := range values {
			row[i] = fmt.Sprint(v)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// FirstRow は範囲指定の開始行を返す。
func (s *SheetsSource) FirstRow() int {
	return rangeStartRow(s.readRange)
}

// rangeStartRow は"Sheet1!A2:C"のような範囲から開始行番号を取り出す。取り出せない場合は1。
func rangeStartRow(readRange string) int {
	cell := readRange
	if i := strings.LastIndexByte(cell, '!'); i >= 0 {
		cell = cell[i+1:]
	}
	if i := strings.IndexByte(cell, ':'); i >= 0 {
		cell = cell[:i]
	}
	n := 0
	for _, r := range cell {
		if r >= '0' && r <= '9' {
			n = n*10 + int(r-'0')
		}
	}
	if n == 0 {
		return 1
	}
	return n
}

// maxCSVSize はCSVエクスポートの最大サイズ（1MB）。
const maxCSVSize = 1 << 20

// CSVSource は公開されたCSVエクスポートURLからマッピングを読み込む。
// HTTPクライアントはSSRF防止機能付きのものを渡すこと。
type CSVSource struct {
	client *http.Client
	url    string
}

// NewCSVSource はCSVSourceを生成する。
func NewCSVSource(client *http.Client, url string) *CSVSource {
	return &CSVSource{client: client, url: url}
}

// Fetch はCSVを取得して行に分解する。
func (s *CSVSource) Fetch(ctx context.Context) ([][]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/csv")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch mapping csv: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mapping csv returned status %d", resp.StatusCode)
	}

	r := csv.NewReader(io.LimitReader(resp.Body, maxCSVSize))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse mapping csv: %w", err)
	}
	return rows, nil
}

// FirstRow はCSVの先頭行（1行目）を返す。
func (s *CSVSource) FirstRow() int {
	return 1
}
