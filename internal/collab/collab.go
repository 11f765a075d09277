// Package collab holds the pieces shared by action collaborators: group admin
// selection and outreach message rendering.
package collab

import (
	"strings"

	"github.com/JakeFAU/outreach-daemon/internal/outreach"
	"github.com/JakeFAU/outreach-daemon/internal/scoring"
)

// Attribute keys consumed and produced by collaborators.
const (
	AttrAdmins      = "admins"
	AttrTargetAdmin = "target_admin"
	AttrAdminName   = "admin_name"
	AttrName        = "name"
	AttrSymbol      = "symbol"
	AttrGroup       = scoring.AttrTelegram
)

// Admin is a group administrator reported by the messaging platform.
type Admin struct {
	Username string `json:"username"`
	Name     string `json:"name,omitempty"`
	Bot      bool   `json:"bot,omitempty"`
	Owner    bool   `json:"owner,omitempty"`
}

// Skip reasons.
const (
	ReasonNoGroup    = "no telegram group"
	ReasonNoAdmins   = "no admins found"
	ReasonNoTarget   = "no target admin"
	ReasonNotAllowed = "not permitted"
)

// IdentifyAttributes selects the outreach target among admins, preferring the
// group owner, and returns the attributes recorded on success. Bots and admins
// without a username are never targeted. ok is false when nobody qualifies.
func IdentifyAttributes(admins []Admin) (outreach.Attributes, bool) {
	var (
		names  []string
		target *Admin
	)
	for i := range admins {
		a := &admins[i]
		if a.Bot || strings.TrimSpace(a.Username) == "" {
			continue
		}
		names = append(names, a.Username)
		if target == nil || (a.Owner && !target.Owner) {
			target = a
		}
	}
	if target == nil {
		return nil, false
	}
	display := target.Name
	if display == "" {
		display = target.Username
	}
	return outreach.Attributes{
		AttrAdmins:      names,
		AttrTargetAdmin: target.Username,
		AttrAdminName:   display,
	}, true
}

// RenderMessage fills {project_name}, {token_symbol} and {admin_name} in tmpl
// from the entity's attributes. Unknown placeholders are left untouched.
func RenderMessage(tmpl string, e outreach.Entity) string {
	project := e.Attributes.String(AttrName)
	symbol := e.Attributes.String(AttrSymbol)
	if project == "" {
		project = symbol
	}
	if project == "" {
		project = "your project"
	}
	admin := e.Attributes.String(AttrAdminName)
	if admin == "" {
		admin = e.Attributes.String(AttrTargetAdmin)
	}
	if admin == "" {
		admin = "there"
	}
	r := strings.NewReplacer(
		"{project_name}", project,
		"{token_symbol}", symbol,
		"{admin_name}", admin,
	)
	return r.Replace(tmpl)
}

// Precheck returns a PermanentSkip when e lacks what kind needs, or nil.
func Precheck(e outreach.Entity, kind outreach.ActionKind) outreach.Outcome {
	switch kind {
	case outreach.KindJoin, outreach.KindIdentify:
		if e.Attributes.String(AttrGroup) == "" {
			return outreach.PermanentSkip{Cause: ReasonNoGroup}
		}
	case outreach.KindMessage:
		if e.Attributes.String(AttrTargetAdmin) == "" {
			return outreach.PermanentSkip{Cause: ReasonNoTarget}
		}
	}
	return nil
}
