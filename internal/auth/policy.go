package auth

import (
	"strconv"
	"strings"

	"github.com/hunterwarburton/qnabot/internal/logger"
)

// PolicyService decides what each chat user may do.
type PolicyService struct {
	AdminUserIDs   map[int64]bool
	AllowedUserIDs map[int64]bool // empty allows everyone
}

// NewPolicyService parses comma-separated user id lists. Malformed ids are
// logged and skipped.
func NewPolicyService(adminUserIDs, allowedUserIDs string) *PolicyService {
	return &PolicyService{
		AdminUserIDs:   parseUserIDs(adminUserIDs),
		AllowedUserIDs: parseUserIDs(allowedUserIDs),
	}
}

func parseUserIDs(list string) map[int64]bool {
	ids := make(map[int64]bool)
	for _, field := range strings.Split(list, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		id, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			logger.Warn("Ignoring malformed user id %q", field)
			continue
		}
		ids[id] = true
	}
	return ids
}

// IsAdmin checks if a user is an admin.
func (p *PolicyService) IsAdmin(userID int64) bool {
	return p.AdminUserIDs[userID]
}

// IsAllowed checks if a user may talk to the bot at all.
func (p *PolicyService) IsAllowed(userID int64) bool {
	if len(p.AllowedUserIDs) == 0 {
		return true
	}
	// Admins are always allowed
	if p.IsAdmin(userID) {
		return true
	}
	return p.AllowedUserIDs[userID]
}

// CanIngest reports whether a user's uploads are indexed.
func (p *PolicyService) CanIngest(userID int64) bool {
	return p.IsAllowed(userID)
}

// CanDeleteIndex reports whether a user may drop the whole index.
func (p *PolicyService) CanDeleteIndex(userID int64) bool {
	return p.IsAdmin(userID)
}
