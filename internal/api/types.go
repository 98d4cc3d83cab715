package api

import (
	"encoding/json"
	"time"
)

// envelope is the wire wrapper every backend response uses.
type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// User is the authenticated operator profile returned by the backend.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
	GymID string `json:"gymId,omitempty"`
}

// LoginData is the payload of a successful login.
type LoginData struct {
	AccessToken string `json:"accessToken"`
	User        User   `json:"user"`
}

// MemberSummary is the member block attached to scan decisions and alerts.
type MemberSummary struct {
	Name              string     `json:"name"`
	Phone             string     `json:"phone"`
	MemberID          string     `json:"memberId,omitempty"`
	MembershipPlan    string     `json:"membershipPlan,omitempty"`
	MembershipEndDate *time.Time `json:"membershipEndDate,omitempty"`
}

// ScanResult is the decision for a single access-check submission.
// Immutable once produced.
type ScanResult struct {
	AccessGranted bool          `json:"accessGranted"`
	Member        MemberSummary `json:"member"`
	DenialReason  string        `json:"denialReason,omitempty"`
}

// AlertMetadata carries kind-specific alert details.
type AlertMetadata struct {
	DenialReason string `json:"denialReason,omitempty"`
}

// Alert is a notification record as the backend returns it.
type Alert struct {
	ID        string        `json:"_id"`
	Title     string        `json:"title"`
	Message   string        `json:"message"`
	Priority  string        `json:"priority"`
	IsRead    bool          `json:"isRead"`
	Member    MemberSummary `json:"member"`
	Metadata  AlertMetadata `json:"metadata"`
	CreatedAt time.Time     `json:"createdAt"`
}

// AlertList is the payload of GET /alerts.
type AlertList struct {
	Alerts []Alert `json:"alerts"`
	Total  int     `json:"total"`
}

// AlertQuery narrows GET /alerts.
type AlertQuery struct {
	Limit  int
	IsRead *bool
}

// TodayStats is the payload of GET /attendance/stats/today.
type TodayStats struct {
	TotalCheckIns  int `json:"totalCheckIns"`
	CurrentlyIn    int `json:"currentlyIn"`
	DeniedAttempts int `json:"deniedAttempts"`
}

// AttendanceRecord is one check-in row from GET /attendance.
type AttendanceRecord struct {
	ID           string     `json:"_id"`
	Member       MemberSummary `json:"member"`
	CheckInTime  time.Time  `json:"checkInTime"`
	CheckOutTime *time.Time `json:"checkOutTime,omitempty"`
}

// AttendanceList is the payload of GET /attendance.
type AttendanceList struct {
	Records []AttendanceRecord `json:"records"`
	Total   int                `json:"total"`
}
