package model

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestChannelPhase_Transitions(t *testing.T) {
	tests := []struct {
		from ChannelPhase
		to   ChannelPhase
		want bool
	}{
		{PhaseAbsent, PhasePendingCreate, true},
		{PhaseAbsent, PhaseActive, false},
		{PhasePendingCreate, PhaseActive, true},
		{PhasePendingCreate, PhaseAbsent, true},
		{PhaseActive, PhasePendingRenew, true},
		{PhaseActive, PhaseRetiring, true},
		{PhaseActive, PhaseAbsent, true},
		{PhaseActive, PhasePendingCreate, false},
		{PhasePendingRenew, PhaseActive, true},
		{PhasePendingRenew, PhaseAbsent, true},
		{PhaseRetiring, PhaseAbsent, true},
		{PhaseRetiring, PhasePendingRenew, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestChannel_DueForRenewal(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ch := &Channel{Expiration: now.Add(23 * time.Hour)}

	if !ch.DueForRenewal(now, 24*time.Hour) {
		t.Error("23時間後に失効するチャンネルは更新対象であるべき")
	}
	if ch.DueForRenewal(now, time.Hour) {
		t.Error("閾値1時間では更新対象であってはならない")
	}
	if !ch.ActiveAt(now) {
		t.Error("失効前のチャンネルは有効であるべき")
	}
	if ch.ActiveAt(now.Add(23 * time.Hour)) {
		t.Error("失効時刻ちょうどのチャンネルは有効であってはならない")
	}
}

func TestUserMapping_IsActive(t *testing.T) {
	m := UserMapping{Primary: "a@x", Secondaries: []string{"a@y"}, Status: MappingStatusActive}
	if !m.IsActive() {
		t.Error("expected active mapping")
	}
	m.Status = MappingStatusInactive
	if m.IsActive() {
		t.Error("inactive mapping must not be active")
	}
}

func TestUserMapping_Equal_OrderMatters(t *testing.T) {
	a := UserMapping{Primary: "a@x", Secondaries: []string{"a@y", "a@z"}, Status: MappingStatusActive}
	b := UserMapping{Primary: "a@x", Secondaries: []string{"a@z", "a@y"}, Status: MappingStatusActive}
	if a.Equal(b) {
		t.Error("secondariesの順序が異なるマッピングは等しくない")
	}
	if !a.Equal(a) {
		t.Error("同一マッピングは等しいべき")
	}
}

func TestIsTransient_ClassifiesWrappedErrors(t *testing.T) {
	transient := fmt.Errorf("wrap: %w", &ProviderError{Kind: KindTransient, Op: "watch", Err: errors.New("429")})
	permanent := &ProviderError{Kind: KindPermanent, Op: "watch", Err: errors.New("404")}
	store := &StoreUnavailableError{Op: "upsert", Err: errors.New("timeout")}

	if !IsTransient(transient) {
		t.Error("wrapped transient provider error should be transient")
	}
	if IsTransient(permanent) {
		t.Error("permanent provider error must not be transient")
	}
	if !IsPermanent(permanent) {
		t.Error("expected permanent")
	}
	if !IsTransient(store) {
		t.Error("store unavailable should be transient")
	}
	if IsTransient(errors.New("plain")) {
		t.Error("plain error must not be transient")
	}
}
