package types

import "time"

type CardType string

const (
	CardStandard   CardType = "standard"
	CardTemporary  CardType = "temporary"
	CardContractor CardType = "contractor"
	CardVisitor    CardType = "visitor"
)

func (c CardType) Valid() bool {
	switch c {
	case CardStandard, CardTemporary, CardContractor, CardVisitor:
		return true
	}
	return false
}

type BadgeStatus string

const (
	BadgeActive      BadgeStatus = "active"
	BadgeDeactivated BadgeStatus = "deactivated"
	BadgeExpired     BadgeStatus = "expired"
	BadgeReplaced    BadgeStatus = "replaced"
)

// Badge maps a physical RFID credential to an employee.  CardUID is unique
// across all time; a retired UID is never issued again.
type Badge struct {
	CardUID            string      `json:"card_uid"`
	EmployeeID         string      `json:"employee_id"`
	CardType           CardType    `json:"card_type"`
	Status             BadgeStatus `json:"status"`
	IssuedAt           time.Time   `json:"issued_at"`
	IssuedBy           string      `json:"issued_by"`
	ExpiresAt          *time.Time  `json:"expires_at,omitempty"`
	IsActive           bool        `json:"is_active"`
	LastUsedAt         *time.Time  `json:"last_used_at,omitempty"`
	UsageCount         int64       `json:"usage_count"`
	DeactivatedAt      *time.Time  `json:"deactivated_at,omitempty"`
	DeactivationReason string      `json:"deactivation_reason,omitempty"`
}

// ExpiredAt reports whether the badge has an expiry at or before t.
func (b Badge) ExpiredAt(t time.Time) bool {
	return b.ExpiresAt != nil && !b.ExpiresAt.After(t)
}

type BadgeAction string

const (
	ActionIssued      BadgeAction = "issued"
	ActionReplaced    BadgeAction = "replaced"
	ActionDeactivated BadgeAction = "deactivated"
	ActionReactivated BadgeAction = "reactivated"
	ActionExpired     BadgeAction = "expired"
)

// BadgeIssueLog is the append-only audit row written for every badge state
// transition.  ReplacementFee is in minor currency units.
type BadgeIssueLog struct {
	ID              string      `json:"id"`
	CardUID         string      `json:"card_uid"`
	EmployeeID      string      `json:"employee_id"`
	ActionType      BadgeAction `json:"action_type"`
	Reason          string      `json:"reason,omitempty"`
	PreviousCardUID string      `json:"previous_card_uid,omitempty"`
	ReplacementFee  *int64      `json:"replacement_fee,omitempty"`
	Actor           string      `json:"actor"`
	CreatedAt       time.Time   `json:"created_at"`
}
