package rbac

import "strings"

type Role string

const (
	RoleAdmin           Role = "admin"
	RoleCommitteeChair  Role = "committee_chair"
	RoleCommitteeMember Role = "committee_member"
	RoleReviewer        Role = "reviewer"
	RoleMember          Role = "member"
	// RoleParticipant is shown when none of the known roles apply.
	RoleParticipant Role = "participant"
)

// DisplayPriority is ordered by seniority. A user holding several listed
// roles is shown with the first one found here.
var DisplayPriority = []Role{
	RoleAdmin,
	RoleCommitteeChair,
	RoleCommitteeMember,
	RoleReviewer,
	RoleMember,
}

func Normalize(role string) Role {
	switch r := Role(strings.ToLower(strings.TrimSpace(role))); r {
	case RoleAdmin, RoleCommitteeChair, RoleCommitteeMember, RoleReviewer, RoleMember, RoleParticipant:
		return r
	default:
		return RoleParticipant
	}
}

// ResolveDisplayRole picks the role shown next to a participant's cursor.
// A non-blank override is used verbatim.
func ResolveDisplayRole(override string, roles []string) Role {
	if trimmed := strings.TrimSpace(override); trimmed != "" {
		return Role(trimmed)
	}

	held := make(map[Role]struct{}, len(roles))
	for _, role := range roles {
		held[Normalize(role)] = struct{}{}
	}
	for _, candidate := range DisplayPriority {
		if _, ok := held[candidate]; ok {
			return candidate
		}
	}
	return RoleParticipant
}
