// Package dryrun is an action collaborator that logs what it would do and
// reports success without touching any external service.
package dryrun

import (
	"context"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/outreach-daemon/internal/collab"
	"github.com/JakeFAU/outreach-daemon/internal/outreach"
)

// Client implements outreach.ActionClient.
type Client struct {
	template string
	logger   *zap.Logger
}

var _ outreach.ActionClient = (*Client)(nil)

// New returns a dry-run client rendering messages with template.
func New(template string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{template: template, logger: logger.Named("dryrun")}
}

// Perform applies the same prechecks as a live collaborator, then succeeds.
// Identify pretends the group owner is the handle of the group link.
func (c *Client) Perform(_ context.Context, e outreach.Entity, kind outreach.ActionKind) (outreach.Outcome, error) {
	if skip := collab.Precheck(e, kind); skip != nil {
		return skip, nil
	}
	fields := []zap.Field{zap.String("entity_id", e.ID), zap.String("kind", string(kind))}
	switch kind {
	case outreach.KindIdentify:
		attrs, ok := collab.IdentifyAttributes([]collab.Admin{{Username: groupHandle(e), Owner: true}})
		if !ok {
			return outreach.PermanentSkip{Cause: collab.ReasonNoAdmins}, nil
		}
		c.logger.Info("would identify admin", append(fields, zap.Any("target_admin", attrs[collab.AttrTargetAdmin]))...)
		return outreach.Success{Attributes: attrs}, nil
	case outreach.KindMessage:
		c.logger.Info("would send message", append(fields,
			zap.String("recipient", e.Attributes.String(collab.AttrTargetAdmin)),
			zap.String("message", collab.RenderMessage(c.template, e)),
		)...)
	default:
		c.logger.Info("would perform action", append(fields, zap.String("group", e.Attributes.String(collab.AttrGroup)))...)
	}
	return outreach.Success{}, nil
}

// groupHandle extracts "alpha" from https://t.me/alpha.
func groupHandle(e outreach.Entity) string {
	link := strings.TrimSpace(e.Attributes.String(collab.AttrGroup))
	if link == "" {
		return ""
	}
	return path.Base(link)
}
