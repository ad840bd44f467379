package mapping

import (
	"strings"

	"github.com/hitoshi/calrelay/internal/model"
)

// ParseResult はマッピング行の解析結果。
// Skippedは解析できずに読み飛ばした行のエラー一覧。
type ParseResult struct {
	Mappings []model.UserMapping
	Skipped  []*model.MappingParseError
}

// ParseRows は表形式のマッピング行を解析する。
// 列は primary, secondaries（カンマ区切り）, status の順。
// 不正な行はSkippedに記録して読み飛ばし、他の行の解析は継続する。
// 先頭行が見出し（primary列が"primary"）の場合は無視する。
// firstRowは先頭行の行番号で、エラーメッセージに使用する。
func ParseRows(rows [][]string, firstRow int) ParseResult {
	var result ParseResult
	seen := make(map[string]bool)

	for i, row := range rows {
		rowNum := firstRow + i
		if isBlankRow(row) {
			continue
		}
		if i == 0 && strings.EqualFold(strings.TrimSpace(row[0]), "primary") {
			continue
		}

		m, err := parseRow(row, rowNum)
		if err != nil {
			result.Skipped = append(result.Skipped, err)
			continue
		}
		if seen[m.Primary] {
			result.Skipped = append(result.Skipped, &model.MappingParseError{
				Row:    rowNum,
				Reason: "duplicate primary " + m.Primary,
			})
			continue
		}
		seen[m.Primary] = true
		result.Mappings = append(result.Mappings, m)
	}

	return result
}

func parseRow(row []string, rowNum int) (model.UserMapping, *model.MappingParseError) {
	col := func(i int) string {
		if i < len(row) {
			return strings.TrimSpace(row[i])
		}
		return ""
	}

	primary := normalizeIdentity(col(0))
	if primary == "" {
		return model.UserMapping{}, &model.MappingParseError{Row: rowNum, Reason: "missing primary"}
	}
	if !looksLikeIdentity(primary) {
		return model.UserMapping{}, &model.MappingParseError{Row: rowNum, Reason: "invalid primary " + primary}
	}

	status, ok := parseStatus(col(2))
	if !ok {
		return model.UserMapping{}, &model.MappingParseError{Row: rowNum, Reason: "unknown status " + col(2)}
	}

	var secondaries []string
	dup := make(map[string]bool)
	for _, raw := range strings.Split(col(1), ",") {
		s := normalizeIdentity(raw)
		if s == "" {
			continue
		}
		if !looksLikeIdentity(s) {
			return model.UserMapping{}, &model.MappingParseError{Row: rowNum, Reason: "invalid secondary " + s}
		}
		if s == primary {
			return model.UserMapping{}, &model.MappingParseError{Row: rowNum, Reason: "secondary equals primary"}
		}
		if dup[s] {
			continue
		}
		dup[s] = true
		secondaries = append(secondaries, s)
	}

	if status == model.MappingStatusActive && len(secondaries) == 0 {
		return model.UserMapping{}, &model.MappingParseError{Row: rowNum, Reason: "active mapping has no secondaries"}
	}

	return model.UserMapping{
		Primary:     primary,
		Secondaries: secondaries,
		Status:      status,
	}, nil
}

// parseStatus は空欄をactiveとして扱う。
func parseStatus(raw string) (model.MappingStatus, bool) {
	switch strings.ToLower(raw) {
	case "", "active":
		return model.MappingStatusActive, true
	case "inactive":
		return model.MappingStatusInactive, true
	default:
		return "", false
	}
}

func normalizeIdentity(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// looksLikeIdentity はメールアドレス形式（local@domain）かを簡易判定する。
func looksLikeIdentity(s string) bool {
	at := strings.IndexByte(s, '@')
	return at > 0 && at < len(s)-1 && strings.Count(s, "@") == 1 && !strings.ContainsAny(s, " \t")
}

func isBlankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
