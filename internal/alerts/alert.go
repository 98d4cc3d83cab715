package alerts

import (
	"time"

	"github.com/fithublabs/gatekeeper/internal/api"
	"github.com/fithublabs/gatekeeper/internal/common/cnst"
)

// Alert is one aggregated notification record. Content is immutable once
// produced; only the read flag transitions. Origin records which path
// delivered it first.
type Alert struct {
	ID           string            `json:"id"`
	Kind         cnst.AlertKind    `json:"kind"`
	Title        string            `json:"title"`
	Message      string            `json:"message"`
	MemberName   string            `json:"memberName,omitempty"`
	MemberPhone  string            `json:"memberPhone,omitempty"`
	DenialReason string            `json:"denialReason,omitempty"`
	Priority     string            `json:"priority,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	Read         bool              `json:"read"`
	Origin       cnst.AlertOrigin  `json:"origin"`
}

// fromAPI converts a pulled alert row into the aggregate model.
func fromAPI(a api.Alert) Alert {
	kind := cnst.AlertKindCheckIn
	if a.Metadata.DenialReason != "" || a.Title == "Access Denied" {
		kind = cnst.AlertKindAccessDenied
	}
	return Alert{
		ID:           a.ID,
		Kind:         kind,
		Title:        a.Title,
		Message:      a.Message,
		MemberName:   a.Member.Name,
		MemberPhone:  a.Member.Phone,
		DenialReason: a.Metadata.DenialReason,
		Priority:     a.Priority,
		CreatedAt:    a.CreatedAt,
		Read:         a.IsRead,
		Origin:       cnst.OriginPull,
	}
}
