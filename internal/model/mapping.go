package model

// MappingStatus はユーザーマッピングの有効状態。
type MappingStatus string

const (
	// MappingStatusActive は同期対象のマッピング。
	MappingStatusActive MappingStatus = "active"
	// MappingStatusInactive は同期を停止したマッピング。
	MappingStatusInactive MappingStatus = "inactive"
)

// UserMapping はprimaryアカウントからsecondaryアカウント群への対応を表す。
// primaryで一意。status=activeの場合secondariesは空であってはならない。
type UserMapping struct {
	Primary     string
	Secondaries []string
	Status      MappingStatus
}

// IsActive はマッピングが同期対象かを返す。
func (m UserMapping) IsActive() bool {
	return m.Status == MappingStatusActive && len(m.Secondaries) > 0
}

// Equal はsecondariesの順序を含めて2つのマッピングが同一かを返す。
func (m UserMapping) Equal(other UserMapping) bool {
	if m.Primary != other.Primary || m.Status != other.Status {
		return false
	}
	if len(m.Secondaries) != len(other.Secondaries) {
		return false
	}
	for i := range m.Secondaries {
		if m.Secondaries[i] != other.Secondaries[i] {
			return false
		}
	}
	return true
}
